package flow

// Readiness evaluation: given a gating expression and a value snapshot,
// decide whether a derived node is eligible to run, and keep the proof.

// Witness records one satisfied leaf together with the upstream row that
// satisfied it.
type Witness struct {
	Node string
	Row  ValueView
}

// Readiness is the evaluator's verdict for one node against one
// snapshot.
//
// Met includes every satisfied leaf in the whole tree, not just a
// minimal witness; this is what makes an or-gated node recompute when a
// second branch becomes satisfied later.
type Readiness struct {
	Ready bool
	Met   []Witness
	Unmet []string
}

// evaluateGate evaluates the expression against the snapshot.
//
// A leaf with a missing row evaluates false. Leaf satisfaction is
// collected over the entire tree regardless of branch polarity, so Met
// and Unmet describe leaf states, while Ready follows the boolean
// structure (including not).
func evaluateGate(c Cond, values map[string]ValueView) Readiness {
	var r Readiness
	r.Ready = evalNode(c, values, &r)
	return r
}

func evalNode(c Cond, values map[string]ValueView, r *Readiness) bool {
	switch c.op {
	case condNone:
		// No gate: always eligible (inputs never reach the evaluator,
		// but a derived node without a gate runs immediately).
		return true
	case condLeaf:
		row, ok := values[c.node]
		if !ok {
			r.Unmet = append(r.Unmet, c.node)
			return false
		}
		pred := c.pred
		if pred == nil {
			pred = Provided
		}
		if pred(row) {
			r.Met = append(r.Met, Witness{Node: c.node, Row: row})
			return true
		}
		r.Unmet = append(r.Unmet, c.node)
		return false
	case condAnd:
		ready := true
		for _, k := range c.kids {
			if !evalNode(k, values, r) {
				ready = false
			}
		}
		return ready
	case condOr:
		ready := false
		for _, k := range c.kids {
			if evalNode(k, values, r) {
				ready = true
			}
		}
		return ready
	case condNot:
		return !evalNode(c.kids[0], values, r)
	default:
		// Unknown operators are rejected at graph construction.
		return false
	}
}

// witnessMap converts the met list to a name-keyed map for user
// functions and historian records.
func (r Readiness) witnessMap() map[string]ValueView {
	out := make(map[string]ValueView, len(r.Met))
	for _, w := range r.Met {
		out[w.Node] = w.Row
	}
	return out
}
