package analysis

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tracc-lang/tracc/internal/ir"
)

// CollisionMap is the interference relation: for each binding, the set of
// bindings whose lifetime overlaps it somewhere. The relation is symmetric.
type CollisionMap map[ir.Binding]mapset.Set[ir.Binding]

// ComputeLifetimeCollisions derives the interference relation from the
// lifetimes. Overlaps that happen exclusively at a φ assignment mentioning
// both participants are not collisions: the φ is coalescing them into one
// register on purpose.
func ComputeLifetimeCollisions(input *ir.IR, lifetimes []Lifetime) CollisionMap {
	reach := NewReachability(input)
	out := make(CollisionMap, len(lifetimes))
	for i := range lifetimes {
		out[lifetimes[i].AttachedBinding] = ir.NewBindingSet()
	}
	for i := range lifetimes {
		a := &lifetimes[i]
		for j := i + 1; j < len(lifetimes); j++ {
			b := &lifetimes[j]
			if collides(input, reach, a, b) {
				log.Tracef("%v collides with %v", a.AttachedBinding, b.AttachedBinding)
				out[a.AttachedBinding].Add(b.AttachedBinding)
				out[b.AttachedBinding].Add(a.AttachedBinding)
			}
		}
	}
	return out
}

func collides(input *ir.IR, reach *Reachability, a, b *Lifetime) bool {
	for _, witness := range a.FindIntersections(b, reach) {
		if !phiCoalesces(input, witness.End, a.AttachedBinding, b.AttachedBinding) {
			return true
		}
	}
	return false
}

// phiCoalesces reports whether the statement at end is a φ assignment whose
// operand list mentions both bindings.
func phiCoalesces(input *ir.IR, end BlockAddress, a, b ir.Binding) bool {
	stmt := StatementAt(input, end)
	if stmt == nil || stmt.Kind != ir.StatementAssign || stmt.Value.Kind != ir.ValuePhi {
		return false
	}
	var foundA, foundB bool
	for _, node := range stmt.Value.Phi {
		foundA = foundA || node.Value == a
		foundB = foundB || node.Value == b
	}
	return foundA && foundB
}
