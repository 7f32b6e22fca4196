package flow

// Gating expressions are boolean trees over upstream value rows. A
// derived node becomes eligible to run when its expression holds against
// the current snapshot.

// ValueView is the decoded form of one value slot, as presented to
// gating predicates and user functions.
//
// Predicates receive the whole row, not just the payload, so they can
// distinguish "set to nil" from "never set".
type ValueView struct {
	// Name is the node name of the slot.
	Name string

	// Value is the decoded JSON payload; nil when the slot is unset or
	// was set to nil.
	Value any

	// Metadata is the decoded metadata map; nil when absent.
	Metadata map[string]any

	// SetTime is epoch seconds of the last set; nil means never set.
	SetTime *int64

	// Revision is the execution revision observed when the slot was
	// last written.
	Revision int64
}

// Provided reports whether the slot has been set (set to nil counts).
func (v ValueView) Provided() bool { return v.SetTime != nil }

// PredicateFn evaluates one upstream value row.
//
// Predicates should be pure functions (deterministic, no side effects).
type PredicateFn func(row ValueView) bool

// Provided is the default leaf predicate: the slot has a set_time.
func Provided(row ValueView) bool { return row.SetTime != nil }

// IsTrue matches a slot set to boolean true.
func IsTrue(row ValueView) bool {
	b, ok := row.Value.(bool)
	return row.SetTime != nil && ok && b
}

// IsFalse matches a slot set to boolean false.
func IsFalse(row ValueView) bool {
	b, ok := row.Value.(bool)
	return row.SetTime != nil && ok && !b
}

type condOp int

const (
	condNone condOp = iota // zero value: no gate (inputs)
	condLeaf
	condAnd
	condOr
	condNot
)

// Cond is a gating expression: a leaf predicate over one upstream node,
// or an and/or/not combination of sub-expressions.
//
// Build with On, When, And, Or, Not. The zero Cond means "no gate" and
// is only valid on input nodes.
type Cond struct {
	op   condOp
	node string
	pred PredicateFn
	kids []Cond
}

// On builds the flat-list sugar: AND of Provided over each named
// upstream. A single name yields a bare leaf.
func On(names ...string) Cond {
	if len(names) == 1 {
		return Cond{op: condLeaf, node: names[0]}
	}
	kids := make([]Cond, 0, len(names))
	for _, n := range names {
		kids = append(kids, Cond{op: condLeaf, node: n})
	}
	return Cond{op: condAnd, kids: kids}
}

// When builds a predicate leaf: the expression holds when pred returns
// true for the named upstream's value row. A nil pred means Provided.
func When(name string, pred PredicateFn) Cond {
	return Cond{op: condLeaf, node: name, pred: pred}
}

// And combines sub-expressions; all must hold.
func And(kids ...Cond) Cond {
	return Cond{op: condAnd, kids: kids}
}

// Or combines sub-expressions; at least one must hold.
func Or(kids ...Cond) Cond {
	return Cond{op: condOr, kids: kids}
}

// Not inverts a sub-expression.
func Not(kid Cond) Cond {
	return Cond{op: condNot, kids: []Cond{kid}}
}

// UnblockedWhen is identity sugar: passing an expression through it is
// the same as passing the expression directly.
func UnblockedWhen(c Cond) Cond { return c }

// Empty reports whether the expression is the zero "no gate" value.
func (c Cond) Empty() bool { return c.op == condNone }

// Leaves returns every node name referenced by the expression, including
// names inside not and or branches. Order follows the tree walk;
// duplicates are removed.
func (c Cond) Leaves() []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(Cond)
	walk = func(c Cond) {
		switch c.op {
		case condLeaf:
			if !seen[c.node] {
				seen[c.node] = true
				out = append(out, c.node)
			}
		case condAnd, condOr, condNot:
			for _, k := range c.kids {
				walk(k)
			}
		}
	}
	walk(c)
	return out
}

// validate rejects malformed expressions: leaves without a node name,
// combinators without children, or unknown operators.
func (c Cond) validate() error {
	switch c.op {
	case condNone:
		return nil
	case condLeaf:
		if c.node == "" {
			return ErrInvalidGatingExpression
		}
		return nil
	case condAnd, condOr:
		if len(c.kids) == 0 {
			return ErrInvalidGatingExpression
		}
		for _, k := range c.kids {
			if k.op == condNone {
				return ErrInvalidGatingExpression
			}
			if err := k.validate(); err != nil {
				return err
			}
		}
		return nil
	case condNot:
		if len(c.kids) != 1 || c.kids[0].op == condNone {
			return ErrInvalidGatingExpression
		}
		return c.kids[0].validate()
	default:
		return ErrInvalidGatingExpression
	}
}
