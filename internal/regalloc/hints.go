package regalloc

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/tracc-lang/tracc/internal/ir"
)

// Hints is the semantic pre-pass input to the allocator: one linear scan of
// the IR classifies bindings the allocator treats specially.
type Hints struct {
	// InMemory holds bindings produced by Allocate; they live in the frame
	// and must map to the stack.
	InMemory mapset.Set[ir.Binding]
	// UsedInReturn holds bindings flowing into a Return terminator.
	UsedInReturn mapset.Set[ir.Binding]
	// ReturnedFromCall holds bindings defined by a Call; their natural home
	// is r0.
	ReturnedFromCall mapset.Set[ir.Binding]
	// FromPhiNode maps each φ destination to its operand set.
	FromPhiNode map[ir.Binding]mapset.Set[ir.Binding]
	// IsPhiNodeWith maps each φ operand to the other operands of the φ it
	// feeds.
	IsPhiNodeWith map[ir.Binding]mapset.Set[ir.Binding]
	// Zeroes holds bindings defined as the constant 0, the candidates for
	// the zero register.
	Zeroes mapset.Set[ir.Binding]

	// lockedPhiNodes holds φ destinations whose operand sets arrived with
	// irreconcilable contents; their destination hint is dead and further
	// additions are ignored.
	lockedPhiNodes mapset.Set[ir.Binding]
}

// NewHints returns an empty hint collection.
func NewHints() *Hints {
	return &Hints{
		InMemory:         ir.NewBindingSet(),
		UsedInReturn:     ir.NewBindingSet(),
		ReturnedFromCall: ir.NewBindingSet(),
		FromPhiNode:      map[ir.Binding]mapset.Set[ir.Binding]{},
		IsPhiNodeWith:    map[ir.Binding]mapset.Set[ir.Binding]{},
		Zeroes:           ir.NewBindingSet(),
		lockedPhiNodes:   ir.NewBindingSet(),
	}
}

// CollectHints scans every statement and terminator once and classifies the
// bindings the allocator needs to know about.
func CollectHints(input *ir.IR) *Hints {
	hints := NewHints()
	for _, block := range input.Code {
		for _, stmt := range block.Statements {
			if stmt.Kind != ir.StatementAssign {
				continue
			}
			switch value := stmt.Value; value.Kind {
			case ir.ValueConstant:
				if value.Const == 0 {
					hints.Zeroes.Add(stmt.Index)
				}
			case ir.ValuePhi:
				operands := ir.NewBindingSet()
				for _, node := range value.Phi {
					operands.Add(node.Value)
				}
				for _, operand := range ir.SortedBindings(operands) {
					siblings := operands.Clone()
					siblings.Remove(operand)
					hints.addPhiEdge(operand, siblings)
				}
				hints.addPhiNode(stmt.Index, operands)
			case ir.ValueAllocate:
				hints.InMemory.Add(stmt.Index)
			case ir.ValueCall:
				hints.ReturnedFromCall.Add(stmt.Index)
			}
		}
		if block.End.Kind == ir.EndReturn {
			hints.UsedInReturn.Add(block.End.Returned)
		}
	}
	return hints
}

// addPhiEdge accumulates, for a φ operand, the other operands it must end up
// coalesced with.
func (h *Hints) addPhiEdge(operand ir.Binding, siblings mapset.Set[ir.Binding]) {
	if existing, ok := h.IsPhiNodeWith[operand]; ok {
		h.IsPhiNodeWith[operand] = existing.Union(siblings)
	} else {
		h.IsPhiNodeWith[operand] = siblings
	}
}

// addPhiNode records the operand set of a φ destination. Compatible repeats
// (subset or superset of what is already known) merge; anything else locks
// the destination hint for good.
func (h *Hints) addPhiNode(dst ir.Binding, operands mapset.Set[ir.Binding]) {
	if h.lockedPhiNodes.Contains(dst) {
		return
	}
	existing, ok := h.FromPhiNode[dst]
	if !ok {
		h.FromPhiNode[dst] = operands
		return
	}
	if existing.IsSubset(operands) || existing.IsSuperset(operands) {
		h.FromPhiNode[dst] = existing.Union(operands)
	} else {
		h.lockedPhiNodes.Add(dst)
		delete(h.FromPhiNode, dst)
	}
}

// isPhiParticipant reports whether the binding takes part in any φ, on
// either side.
func (h *Hints) isPhiParticipant(b ir.Binding) bool {
	if _, ok := h.FromPhiNode[b]; ok {
		return true
	}
	if _, ok := h.IsPhiNodeWith[b]; ok {
		return true
	}
	return h.lockedPhiNodes.Contains(b)
}
