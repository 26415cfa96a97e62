package analysis

import (
	"github.com/tracc-lang/tracc/internal/asm"
	"github.com/tracc-lang/tracc/internal/ir"
)

// UsedFlags finds the bindings that exist only to carry a condition flag
// into a conditional branch: their sole consumer is the flag slot of their
// own block's terminator, and the defining cmp is the statement right before
// the branch, so the CPU flags are still live. Such bindings never need a
// register.
func UsedFlags(input *ir.IR) map[ir.Binding]asm.Condition {
	uses := map[ir.Binding]int{}
	for _, block := range input.Code {
		for i := range block.Statements {
			block.Statements[i].VisitUsedBindings(func(dep ir.Binding) {
				uses[dep]++
			})
		}
		switch end := block.End; end.Kind {
		case ir.EndConditional:
			uses[end.Flag]++
		case ir.EndReturn:
			uses[end.Returned]++
		}
	}

	out := map[ir.Binding]asm.Condition{}
	for _, block := range input.Code {
		if block.End.Kind != ir.EndConditional {
			continue
		}
		flag := block.End.Flag
		if uses[flag] != 1 || len(block.Statements) == 0 {
			continue
		}
		last := block.Statements[len(block.Statements)-1]
		if last.Kind == ir.StatementAssign && last.Index == flag && last.Value.Kind == ir.ValueCmp {
			out[flag] = last.Value.Cond
		}
	}
	return out
}
