package flow

import (
	"fmt"
	"sync"
)

// catalog holds the registered graph definitions of one process, keyed
// by (name, version). The store persists only names, versions, and
// hashes; the executable definitions live here.
type catalog struct {
	mu     sync.RWMutex
	graphs map[catalogKey]*Graph
}

type catalogKey struct {
	name    string
	version int
}

func newCatalog() *catalog {
	return &catalog{graphs: make(map[catalogKey]*Graph)}
}

// register adds a graph. Re-registering the same (name, version) with a
// different structural hash is an error; identical re-registration is a
// no-op.
func (c *catalog) register(g *Graph) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := catalogKey{name: g.Name(), version: g.Version()}
	if prev, ok := c.graphs[key]; ok {
		if prev.Hash() != g.Hash() {
			return fmt.Errorf("graph %q version %d already registered with a different shape", g.Name(), g.Version())
		}
		return nil
	}
	c.graphs[key] = g
	return nil
}

// lookup returns the graph for (name, version), or ErrGraphNotRegistered.
func (c *catalog) lookup(name string, version int) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[catalogKey{name: name, version: version}]
	if !ok {
		return nil, fmt.Errorf("graph %q version %d: %w", name, version, ErrGraphNotRegistered)
	}
	return g, nil
}

// latest returns the highest registered version of a graph name, or
// ErrGraphNotRegistered.
func (c *catalog) latest(name string) (*Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best *Graph
	for key, g := range c.graphs {
		if key.name != name {
			continue
		}
		if best == nil || key.version > best.Version() {
			best = g
		}
	}
	if best == nil {
		return nil, fmt.Errorf("graph %q: %w", name, ErrGraphNotRegistered)
	}
	return best, nil
}
