// Package fold implements constant folding over the IR: known constants
// propagate through values, conditional branches on constant flags become
// unconditional, unreachable blocks disappear, and straight-line block
// chains merge. The pass runs to a fixpoint.
package fold

import (
	"github.com/tracc-lang/tracc/internal/ir"
)

// ConstantFold folds the IR in place and returns it.
func ConstantFold(input *ir.IR) *ir.IR {
	cleanup(input)
	for tryMerge(input) {
		cleanup(input)
	}
	cleanup(input)
	return input
}

// tryMerge folds every block and then inlines one block into its unique
// parent, when that parent is the block's only predecessor and the jump its
// only outgoing edge. Returns false once no such pair is left.
func tryMerge(input *ir.IR) bool {
	for b := range input.Code {
		foldBlock(input, ir.BlockBinding(b))
	}
	input.RebuildGraphs()

	for b := range input.Code {
		parent := ir.BlockBinding(b)
		children := input.ForwardMap[parent]
		if len(children) != 1 {
			continue
		}
		child := children[0]
		if len(input.BackwardsMap[child]) != 1 || child == parent {
			continue
		}
		mergeBlocks(input, parent, child)
		// φ nodes downstream knew the child as a predecessor; the parent
		// took its place.
		removeBlock(input, child, parent)
		input.RebuildGraphs()
		return true
	}
	return false
}

// mergeBlocks inlines child at the end of parent. φ nodes in the child have
// a single incoming edge after the merge, so they decay into copies.
func mergeBlocks(input *ir.IR, parent, child ir.BlockBinding) {
	next := input.Code[child]
	setOnlyPredecessor(&next, parent)
	parentBlock := &input.Code[parent]
	parentBlock.Statements = append(parentBlock.Statements, next.Statements...)
	parentBlock.End = next.End
}

func setOnlyPredecessor(block *ir.BasicBlock, predecessor ir.BlockBinding) {
	for i := range block.Statements {
		stmt := &block.Statements[i]
		if stmt.Kind != ir.StatementAssign || stmt.Value.Kind != ir.ValuePhi {
			continue
		}
		replaced := false
		for _, node := range stmt.Value.Phi {
			if node.BlockFrom == predecessor {
				*stmt = ir.Assign(stmt.Index, ir.CopyOf(node.Value))
				replaced = true
				break
			}
		}
		if !replaced {
			panic("BUG: φ node does not mention the only predecessor of its block")
		}
	}
}

// removeBlock deletes a block nothing jumps to anymore and renumbers every
// block reference above it. References to the removed block itself become
// redirect (the merge parent), or dangle negative when there is nothing to
// take its place; the φ pruning in cleanup drops those.
func removeBlock(input *ir.IR, removed, redirect ir.BlockBinding) {
	input.Code = append(input.Code[:removed], input.Code[removed+1:]...)
	renumber := func(b ir.BlockBinding) ir.BlockBinding {
		if b == removed {
			b = redirect
		}
		if b > removed {
			b--
		}
		return b
	}
	for i := range input.Code {
		block := &input.Code[i]
		for j := range block.Statements {
			stmt := &block.Statements[j]
			if stmt.Kind == ir.StatementAssign && stmt.Value.Kind == ir.ValuePhi {
				for k := range stmt.Value.Phi {
					stmt.Value.Phi[k].BlockFrom = renumber(stmt.Value.Phi[k].BlockFrom)
				}
			}
		}
		switch block.End.Kind {
		case ir.EndUnconditional:
			block.End.Target = renumber(block.End.Target)
		case ir.EndConditional:
			block.End.TargetTrue = renumber(block.End.TargetTrue)
			block.End.TargetFalse = renumber(block.End.TargetFalse)
		}
	}
	for i, entry := range input.FunctionEntrypoints {
		input.FunctionEntrypoints[i] = renumber(entry)
	}
}

// cleanup drops unreachable blocks and decays φ nodes whose incoming edges
// died with them.
func cleanup(input *ir.IR) {
	input.RebuildGraphs()

	reachable := map[ir.BlockBinding]bool{}
	queue := append([]ir.BlockBinding(nil), input.FunctionEntrypoints...)
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		if reachable[b] {
			continue
		}
		reachable[b] = true
		queue = append(queue, input.ForwardMap[b]...)
	}

	for b := ir.BlockBinding(len(input.Code)) - 1; b >= 0; b-- {
		if !reachable[b] {
			removeBlock(input, b, -1)
		}
	}
	input.RebuildGraphs()

	for b := range input.Code {
		preds := input.BackwardsMap[ir.BlockBinding(b)]
		for i := range input.Code[b].Statements {
			stmt := &input.Code[b].Statements[i]
			if stmt.Kind != ir.StatementAssign || stmt.Value.Kind != ir.ValuePhi {
				continue
			}
			kept := stmt.Value.Phi[:0]
			for _, node := range stmt.Value.Phi {
				if containsBlock(preds, node.BlockFrom) {
					kept = append(kept, node)
				}
			}
			stmt.Value.Phi = kept
			if len(kept) == 1 {
				*stmt = ir.Assign(stmt.Index, ir.CopyOf(kept[0].Value))
			}
		}
	}
}

func containsBlock(blocks []ir.BlockBinding, b ir.BlockBinding) bool {
	for _, other := range blocks {
		if other == b {
			return true
		}
	}
	return false
}

// foldBlock propagates the constants known inside one block until nothing
// changes, then rewrites a conditional branch on a constant flag into an
// unconditional one.
func foldBlock(input *ir.IR, block ir.BlockBinding) {
	statements := input.Code[block].Statements
	for changed := true; changed; {
		changed = false
		known := map[ir.Binding]int64{}
		for i := range statements {
			stmt := &statements[i]
			if stmt.Kind != ir.StatementAssign {
				continue
			}
			if folded, modified := propagate(known, stmt.Value); modified {
				stmt.Value = folded
				changed = true
			}
			if stmt.Value.Kind == ir.ValueConstant {
				known[stmt.Index] = stmt.Value.Const
			}
		}
		if end := &input.Code[block].End; end.Kind == ir.EndConditional {
			if flag, ok := known[end.Flag]; ok {
				target := end.TargetFalse
				if flag != 0 {
					target = end.TargetTrue
				}
				*end = ir.Branch(target)
			}
		}
	}
}

// propagate rewrites a value with the given known constants. Folded
// arithmetic wraps at 64 bits.
func propagate(known map[ir.Binding]int64, value ir.Value) (ir.Value, bool) {
	lookup := func(b ir.Binding) (int64, bool) {
		c, ok := known[b]
		return c, ok
	}
	switch value.Kind {
	case ir.ValueConstant, ir.ValueAllocate, ir.ValueLoad, ir.ValueCall, ir.ValuePhi:
		// φ operands come from other blocks; nothing block-local to do.
		return value, false
	case ir.ValueBinding:
		if c, ok := lookup(value.Src); ok {
			return ir.Constant(c), true
		}
		return value, false
	case ir.ValueNegate:
		if c, ok := lookup(value.Src); ok {
			return ir.Constant(-c), true
		}
		return value, false
	case ir.ValueFlipBits:
		if c, ok := lookup(value.Src); ok {
			return ir.Constant(^c), true
		}
		return value, false
	case ir.ValueCmp:
		return propagateCmp(lookup, value)
	default:
		return propagateBinary(lookup, value)
	}
}

func propagateCmp(lookup func(ir.Binding) (int64, bool), value ir.Value) (ir.Value, bool) {
	lhs, lhsKnown := lookup(value.Lhs)
	if value.Rhs.IsConstant {
		if lhsKnown {
			return ir.Constant(boolToInt(value.Cond.Eval(lhs, value.Rhs.Constant))), true
		}
		return value, false
	}
	rhs, rhsKnown := lookup(value.Rhs.Binding)
	switch {
	case lhsKnown && rhsKnown:
		return ir.Constant(boolToInt(value.Cond.Eval(lhs, rhs))), true
	case lhsKnown:
		// Flip the comparison to keep the constant on the right.
		return ir.Cmp(value.Cond.Opposite(), value.Rhs.Binding, ir.Const(lhs)), true
	case rhsKnown:
		return ir.Cmp(value.Cond, value.Lhs, ir.Const(rhs)), true
	default:
		return value, false
	}
}

func propagateBinary(lookup func(ir.Binding) (int64, bool), value ir.Value) (ir.Value, bool) {
	eval := func(lhs, rhs int64) (int64, bool) {
		switch value.Kind {
		case ir.ValueAdd:
			return lhs + rhs, true
		case ir.ValueSubtract:
			return lhs - rhs, true
		case ir.ValueMultiply:
			return lhs * rhs, true
		case ir.ValueDivide:
			// Division by zero stays in the code; the expression is UB and
			// the user gets the trap they asked for.
			if rhs == 0 {
				return 0, false
			}
			return lhs / rhs, true
		case ir.ValueLsl:
			return lhs << (uint64(rhs) & 63), true
		case ir.ValueLsr:
			return int64(uint64(lhs) >> (uint64(rhs) & 63)), true
		case ir.ValueAnd:
			return lhs & rhs, true
		case ir.ValueOr:
			return lhs | rhs, true
		case ir.ValueXor:
			return lhs ^ rhs, true
		default:
			panic("BUG: not a binary value")
		}
	}
	commutative := value.Kind == ir.ValueAdd || value.Kind == ir.ValueMultiply ||
		value.Kind == ir.ValueAnd || value.Kind == ir.ValueOr || value.Kind == ir.ValueXor

	lhs, lhsKnown := lookup(value.Lhs)
	if value.Rhs.IsConstant {
		if lhsKnown {
			if folded, ok := eval(lhs, value.Rhs.Constant); ok {
				return ir.Constant(folded), true
			}
		}
		return value, false
	}
	rhs, rhsKnown := lookup(value.Rhs.Binding)
	switch {
	case lhsKnown && rhsKnown:
		if folded, ok := eval(lhs, rhs); ok {
			return ir.Constant(folded), true
		}
		// Not foldable (division by zero); at least pin the operand.
		return ir.Binary(value.Kind, value.Lhs, ir.Const(rhs)), true
	case value.Kind == ir.ValueSubtract && value.Lhs == value.Rhs.Binding:
		return ir.Constant(0), true
	case lhsKnown && commutative:
		// Flip the operation to keep the constant on the right.
		return ir.Binary(value.Kind, value.Rhs.Binding, ir.Const(lhs)), true
	case rhsKnown:
		return ir.Binary(value.Kind, value.Lhs, ir.Const(rhs)), true
	default:
		return value, false
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
