package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/stateflow-go/flow/store"
)

// Reserved synthetic slot names. Every execution carries these two value
// rows in addition to its graph nodes; graphs may not declare them.
const (
	SlotExecutionID   = store.SlotExecutionID
	SlotLastUpdatedAt = store.SlotLastUpdatedAt
)

// Graph is an immutable, validated workflow definition: a set of named
// nodes with gating expressions. Register graphs on an Engine and create
// executions against them.
type Graph struct {
	name    string
	version int
	hash    string
	nodes   []NodeDef
	byName  map[string]*NodeDef

	onSave   GraphOnSave
	idPrefix string
}

// GraphOption configures optional Graph behavior.
type GraphOption func(*Graph)

// WithGraphOnSave attaches a graph-wide hook invoked after any node's
// computation outcome is recorded.
func WithGraphOnSave(fn GraphOnSave) GraphOption {
	return func(g *Graph) { g.onSave = fn }
}

// WithExecutionIDPrefix prefixes generated execution IDs, which is
// useful when several graphs share one database and IDs show up in logs.
func WithExecutionIDPrefix(prefix string) GraphOption {
	return func(g *Graph) { g.idPrefix = prefix }
}

// NewGraph validates the node set and returns an immutable Graph.
//
// Validation rejects duplicate node names, use of the reserved synthetic
// slot names, gating references to undeclared nodes, malformed gating
// expressions, mutate targets that do not exist, and heartbeat settings
// outside bounds (interval >= 30s, interval <= timeout/2, and timeout <=
// abandon_after where an abandon bound is set).
//
// The structural hash covers node names, types, gating leaves, and
// mutate targets; it is stored on each execution and compared on load to
// detect definition drift (see EvolveExecution).
func NewGraph(name string, version int, nodes []NodeDef, opts ...GraphOption) (*Graph, error) {
	if name == "" {
		return nil, fmt.Errorf("graph name must not be empty")
	}
	if version < 1 {
		return nil, fmt.Errorf("graph %q: version must be >= 1, got %d", name, version)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph %q: at least one node required", name)
	}

	g := &Graph{
		name:    name,
		version: version,
		nodes:   make([]NodeDef, len(nodes)),
		byName:  make(map[string]*NodeDef, len(nodes)),
	}
	copy(g.nodes, nodes)

	for i := range g.nodes {
		n := &g.nodes[i]
		if n.Name == "" {
			return nil, fmt.Errorf("graph %q: node %d has no name", name, i)
		}
		if n.Name == SlotExecutionID || n.Name == SlotLastUpdatedAt {
			return nil, fmt.Errorf("graph %q: node name %q is reserved: %w", name, n.Name, ErrDuplicateNodeName)
		}
		if _, dup := g.byName[n.Name]; dup {
			return nil, fmt.Errorf("graph %q: node %q declared twice: %w", name, n.Name, ErrDuplicateNodeName)
		}
		g.byName[n.Name] = n
	}

	for i := range g.nodes {
		n := &g.nodes[i]
		if err := g.validateNode(n); err != nil {
			return nil, fmt.Errorf("graph %q: node %q: %w", name, n.Name, err)
		}
	}

	g.hash = structuralHash(g.nodes)

	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Graph) validateNode(n *NodeDef) error {
	switch n.Type {
	case store.NodeInput:
		if !n.GatedBy.Empty() {
			return fmt.Errorf("input nodes cannot be gated: %w", ErrInvalidGatingExpression)
		}
		if n.Fn != nil {
			return fmt.Errorf("input nodes cannot have a function")
		}
		return nil
	case store.NodeCompute, store.NodeScheduleOnce, store.NodeScheduleRecurring, store.NodeMutate:
		if n.Fn == nil {
			return fmt.Errorf("%s nodes require a function", n.Type)
		}
	case store.NodeHistorian, store.NodeArchive:
		// Observer nodes: no user function.
	default:
		return fmt.Errorf("unknown node type %q", n.Type)
	}

	if err := n.GatedBy.validate(); err != nil {
		return err
	}
	for _, dep := range n.GatedBy.Leaves() {
		if _, ok := g.byName[dep]; !ok {
			return fmt.Errorf("gate references %q: %w", dep, ErrUnknownDependency)
		}
		if dep == n.Name {
			return fmt.Errorf("gate references the node itself: %w", ErrInvalidGatingExpression)
		}
	}

	if n.Type == store.NodeMutate {
		if n.Mutates == "" {
			return fmt.Errorf("mutate nodes require a target")
		}
		if n.Mutates == n.Name {
			return fmt.Errorf("mutate target is the node itself")
		}
		if _, ok := g.byName[n.Mutates]; !ok {
			return fmt.Errorf("mutate target %q: %w", n.Mutates, ErrUnknownDependency)
		}
	}

	if n.Type.Derived() {
		iv, to := n.HeartbeatIntervalSeconds, n.HeartbeatTimeoutSeconds
		if iv < 30 {
			return fmt.Errorf("heartbeat interval %ds < 30s: %w", iv, ErrInvalidHeartbeatConfig)
		}
		if iv > to/2 {
			return fmt.Errorf("heartbeat interval %ds > timeout/2 (%ds): %w", iv, to/2, ErrInvalidHeartbeatConfig)
		}
		if n.AbandonAfterSeconds > 0 && to > n.AbandonAfterSeconds {
			return fmt.Errorf("heartbeat timeout %ds > abandon_after %ds: %w", to, n.AbandonAfterSeconds, ErrInvalidHeartbeatConfig)
		}
		if n.MaxRetries < 1 {
			return fmt.Errorf("max retries must be >= 1, got %d", n.MaxRetries)
		}
	}
	return nil
}

// structuralHash digests the shape of the graph: node names, types,
// mutate targets, and sorted gating leaves. Changing a user function
// body does not change the hash; adding, removing, or rewiring nodes
// does.
func structuralHash(nodes []NodeDef) string {
	lines := make([]string, 0, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		leaves := n.GatedBy.Leaves()
		sort.Strings(leaves)
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s", n.Name, n.Type, n.Mutates, strings.Join(leaves, ",")))
	}
	sort.Strings(lines)
	h := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h[:])
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Version returns the graph version.
func (g *Graph) Version() int { return g.version }

// Hash returns the structural hash.
func (g *Graph) Hash() string { return g.hash }

// Nodes returns the node definitions in declaration order. The returned
// slice must not be modified.
func (g *Graph) Nodes() []NodeDef { return g.nodes }

// Node returns the definition for a name, or nil.
func (g *Graph) Node(name string) *NodeDef { return g.byName[name] }

// derivedNodes returns the nodes that produce computations.
func (g *Graph) derivedNodes() []*NodeDef {
	out := make([]*NodeDef, 0, len(g.nodes))
	for i := range g.nodes {
		if g.nodes[i].Type.Derived() {
			out = append(out, &g.nodes[i])
		}
	}
	return out
}
