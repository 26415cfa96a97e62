package regalloc

import (
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tracc-lang/tracc/internal/asm"
	"github.com/tracc-lang/tracc/internal/ir"
	"github.com/tracc-lang/tracc/internal/ir/analysis"
	"github.com/tracc-lang/tracc/internal/ir/fold"
	"github.com/tracc-lang/tracc/internal/ir/irgen"
	"github.com/tracc-lang/tracc/internal/parser"
)

// compileSource runs the real front half of the compiler: parse, lower,
// fold. The allocator sees exactly what it would see in production.
func compileSource(t *testing.T, source string) *ir.IR {
	t.Helper()
	program, err := parser.Parse(source)
	require.NoError(t, err)
	compiled, err := irgen.CompileProgram(program)
	require.NoError(t, err)
	return fold.ConstantFold(compiled)
}

func allocate(t *testing.T, input *ir.IR) *CodegenHints {
	t.Helper()
	hints, err := Alloc(input, CollectHints(input))
	require.NoError(t, err)
	return hints
}

// requireDisjointLiveRegisters asserts property P1: colliding bindings
// never share a register, unless both read the zero register or a φ
// coalesces them (which the collision map already excludes).
func requireDisjointLiveRegisters(t *testing.T, input *ir.IR, hints *CodegenHints) {
	t.Helper()
	lifetimes, err := analysis.ComputeLifetimes(input)
	require.NoError(t, err)
	collisions := analysis.ComputeLifetimeCollisions(input, lifetimes)
	for a, others := range collisions {
		regA, ok := hints.Registers[a]
		if !ok || regA == asm.StackPointer || regA == asm.ZeroRegister {
			continue
		}
		for _, b := range ir.SortedBindings(others) {
			regB, ok := hints.Registers[b]
			if !ok || regB == asm.StackPointer || regB == asm.ZeroRegister {
				continue
			}
			require.NotEqualf(t, regA, regB, "%v and %v collide but share %v", a, b, regA)
		}
	}
}

// requireSortedCalleeSaved asserts property P8.
func requireSortedCalleeSaved(t *testing.T, hints *CodegenHints) {
	t.Helper()
	for fn, saved := range hints.CalleeSavedPerFunction {
		for i := 1; i < len(saved); i++ {
			require.Lessf(t, saved[i-1], saved[i], "callee-saved list of function %d is not strictly ascending", fn)
		}
	}
}

func TestAlloc_returnConstant(t *testing.T) {
	input := compileSource(t, "int main() { return 5; }")
	hints := allocate(t, input)

	require.Equal(t, asm.Gpr(0), hints.Registers[0])
	require.Zero(t, hints.CompletelySpilled.Cardinality())
	require.Empty(t, hints.CalleeSavedPerFunction[0])
}

func TestAlloc_compareAndReturn(t *testing.T) {
	input := compileSource(t, `
int main() {
  return 5 > 1 + 2;
}`)
	hints := allocate(t, input)

	for b, reg := range hints.Registers {
		require.Truef(t, reg.IsGpr(), "%v ended up in %v", b, reg)
	}
	require.Zero(t, hints.NeedMoveToReturnReg.Cardinality(),
		"the return register should be directly available for the needing binding")
	require.Zero(t, hints.SaveUponCall.Cardinality(), "program does no calls")
	require.Zero(t, hints.CompletelySpilled.Cardinality(),
		"there should be no left outs for this program")
	requireDisjointLiveRegisters(t, input, hints)
}

func TestAlloc_zeroShortcut(t *testing.T) {
	t.Run("direct return", func(t *testing.T) {
		input := compileSource(t, "int main() { return 0; }")
		hints := allocate(t, input)
		require.Equal(t, asm.ZeroRegister, hints.Registers[0])
	})

	t.Run("through a copy", func(t *testing.T) {
		input := ir.FromBlocks([]ir.BasicBlock{
			{
				Statements: []ir.Statement{
					ir.Assign(0, ir.Constant(0)),
					ir.Assign(1, ir.CopyOf(0)),
				},
				End: ir.Return(1),
			},
		})
		hints := allocate(t, input)
		require.Equal(t, asm.ZeroRegister, hints.Registers[0])
		require.Equal(t, asm.Gpr(0), hints.Registers[1])
	})
}

func TestAlloc_phiCoalescing(t *testing.T) {
	input := compileSource(t, "int main() { return f() ? 3 : 4; }")
	hints := allocate(t, input)

	// Locate the φ and check destination and operands agree (P4).
	var phis int
	for _, block := range input.Code {
		for _, stmt := range block.Statements {
			if stmt.Kind != ir.StatementAssign || stmt.Value.Kind != ir.ValuePhi {
				continue
			}
			phis++
			dst := hints.Registers[stmt.Index]
			for _, node := range stmt.Value.Phi {
				require.Equal(t, dst, hints.Registers[node.Value])
			}
		}
	}
	require.Equal(t, 1, phis, "the ternary should lower to exactly one φ")
	requireDisjointLiveRegisters(t, input, hints)
}

func TestAlloc_callCrossingLiveness(t *testing.T) {
	// x = f(); y = g(); return x + y;  with x kept in a register across
	// the call to g.
	input := ir.FromBlocks([]ir.BasicBlock{
		{
			Statements: []ir.Statement{
				ir.Assign(0, ir.Call("f")),
				ir.Assign(1, ir.Call("g")),
				ir.Assign(2, ir.Binary(ir.ValueAdd, 0, ir.Bind(1))),
			},
			End: ir.Return(2),
		},
	})
	hints := allocate(t, input)

	// x crosses the call to g: moved out of r0 into a callee-saved
	// register that the function then has to preserve (P5, P6).
	require.Equal(t, []ir.Binding{0}, ir.SortedBindings(hints.NeedMoveFromR0))
	x := hints.Registers[0]
	require.True(t, x.IsCalleeSaved(), "x must survive the call to g in %v", x)
	require.Contains(t, hints.CalleeSavedPerFunction[0], x)

	// y does not cross anything and stays in r0 until the add.
	require.Equal(t, asm.Gpr(0), hints.Registers[1])

	require.Zero(t, hints.SaveUponCall.Cardinality())
	require.Zero(t, hints.CompletelySpilled.Cardinality())
	requireSortedCalleeSaved(t, hints)
}

func TestAlloc_callCrossingBlockBoundary(t *testing.T) {
	// The call to g opens its block, and x enters that block alive: x still
	// crosses the call even though its local interval starts at 0.
	input := ir.FromBlocks([]ir.BasicBlock{
		{
			Statements: []ir.Statement{ir.Assign(0, ir.Call("f"))},
			End:        ir.Branch(1),
		},
		{
			Statements: []ir.Statement{
				ir.Assign(1, ir.Call("g")),
				ir.Assign(2, ir.Binary(ir.ValueAdd, 0, ir.Bind(1))),
			},
			End: ir.Return(2),
		},
	})
	hints := allocate(t, input)

	require.Equal(t, []ir.Binding{0}, ir.SortedBindings(hints.NeedMoveFromR0))
	x := hints.Registers[0]
	require.True(t, x.IsCalleeSaved(), "x must survive the call to g in %v", x)
	require.Contains(t, hints.CalleeSavedPerFunction[0], x)
	require.Equal(t, asm.Gpr(0), hints.Registers[1])
	requireDisjointLiveRegisters(t, input, hints)
}

func TestAlloc_forcedSpill(t *testing.T) {
	// 32 values alive at once against a 31-register file: the one with the
	// latest end loses.
	const overflow = 32
	var statements []ir.Statement
	for i := 0; i < overflow; i++ {
		statements = append(statements, ir.Assign(ir.Binding(i), ir.Constant(int64(i+1))))
	}
	for i := 0; i < overflow; i++ {
		statements = append(statements, ir.Store(ir.Binding(i), ir.Binding(i), ir.U32))
	}
	input := ir.FromBlocks([]ir.BasicBlock{
		{Statements: statements, End: ir.Return(ir.Binding(overflow - 1))},
	})
	hints := allocate(t, input)

	spilled := ir.SortedBindings(hints.CompletelySpilled)
	require.Equal(t, []ir.Binding{overflow - 1}, spilled, "the longest-lived binding is the spill victim")
	require.Equal(t, asm.StackPointer, hints.Registers[overflow-1])

	seen := map[asm.RegisterID]ir.Binding{}
	for i := 0; i < overflow-1; i++ {
		reg := hints.Registers[ir.Binding(i)]
		require.Truef(t, reg.IsGpr(), "%v should keep a register, got %v", ir.Binding(i), reg)
		if other, dup := seen[reg]; dup {
			t.Fatalf("%v and %v share %v while simultaneously live", ir.Binding(i), other, reg)
		}
		seen[reg] = ir.Binding(i)
	}
	requireDisjointLiveRegisters(t, input, hints)
}

func TestAlloc_inMemoryBindings(t *testing.T) {
	input := compileSource(t, `
int main() {
  int x = 2;
  int y = 3;
  return x + y;
}`)
	hints := allocate(t, input)

	collected := CollectHints(input)
	cells := ir.SortedBindings(collected.InMemory)
	require.Len(t, cells, 2)
	for _, cell := range cells {
		require.Equal(t, asm.StackPointer, hints.Registers[cell], "P3: memory bindings are spilled")
	}
	require.Zero(t, hints.CompletelySpilled.Cardinality())
	requireDisjointLiveRegisters(t, input, hints)
}

func TestAlloc_flagCarriers(t *testing.T) {
	input := compileSource(t, `
int main() {
  int x = f();
  if (x > 2)
    return 1;
  return 0;
}`)
	hints := allocate(t, input)

	require.Len(t, hints.StoresCondition, 1)
	for flag, cond := range hints.StoresCondition {
		require.Equal(t, asm.GreaterThan, cond)
		_, allocated := hints.Registers[flag]
		require.False(t, allocated, "flag carriers never get a register")
	}
}

// hintsSnapshot flattens CodegenHints into plain comparable data, in
// deterministic order.
type hintsSnapshot struct {
	Registers           map[ir.Binding]asm.RegisterID
	CalleeSaved         [][]asm.RegisterID
	NeedMoveFromR0      []ir.Binding
	NeedMoveToReturnReg []ir.Binding
	SaveUponCall        []ir.Binding
	CompletelySpilled   []ir.Binding
	StoresCondition     map[ir.Binding]asm.Condition
}

func snapshot(hints *CodegenHints) hintsSnapshot {
	return hintsSnapshot{
		Registers:           hints.Registers,
		CalleeSaved:         hints.CalleeSavedPerFunction,
		NeedMoveFromR0:      ir.SortedBindings(hints.NeedMoveFromR0),
		NeedMoveToReturnReg: ir.SortedBindings(hints.NeedMoveToReturnReg),
		SaveUponCall:        ir.SortedBindings(hints.SaveUponCall),
		CompletelySpilled:   ir.SortedBindings(hints.CompletelySpilled),
		StoresCondition:     hints.StoresCondition,
	}
}

// TestAlloc_deterministic is property P7: identical IR in, byte-identical
// hints out, over randomly generated straight-line programs.
func TestAlloc_deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numConsts := rapid.IntRange(1, 6).Draw(t, "consts")
		numOps := rapid.IntRange(0, 12).Draw(t, "ops")

		var statements []ir.Statement
		next := 0
		for ; next < numConsts; next++ {
			value := rapid.Int64Range(0, 10).Draw(t, fmt.Sprintf("const%d", next))
			statements = append(statements, ir.Assign(ir.Binding(next), ir.Constant(value)))
		}
		kinds := []ir.ValueKind{ir.ValueAdd, ir.ValueSubtract, ir.ValueMultiply, ir.ValueAnd, ir.ValueOr, ir.ValueXor}
		for i := 0; i < numOps; i++ {
			lhs := ir.Binding(rapid.IntRange(0, next-1).Draw(t, fmt.Sprintf("lhs%d", i)))
			rhs := ir.Binding(rapid.IntRange(0, next-1).Draw(t, fmt.Sprintf("rhs%d", i)))
			kind := kinds[rapid.IntRange(0, len(kinds)-1).Draw(t, fmt.Sprintf("op%d", i))]
			statements = append(statements, ir.Assign(ir.Binding(next), ir.Binary(kind, lhs, ir.Bind(rhs))))
			next++
		}
		returned := ir.Binding(rapid.IntRange(0, next-1).Draw(t, "ret"))

		build := func() *ir.IR {
			cloned := make([]ir.Statement, len(statements))
			copy(cloned, statements)
			return ir.FromBlocks([]ir.BasicBlock{{Statements: cloned, End: ir.Return(returned)}})
		}

		first, err := Alloc(build(), CollectHints(build()))
		require.NoError(t, err)
		second, err := Alloc(build(), CollectHints(build()))
		require.NoError(t, err)

		if diff := cmp.Diff(snapshot(first), snapshot(second)); diff != "" {
			t.Fatalf("allocation is not deterministic (-first +second):\n%s", diff)
		}
	})
}

// TestAlloc_zeroRegisterSoundness is property P2 on a program with two
// zero-initialized locals: only zero constants ever read the zero register.
func TestAlloc_zeroRegisterSoundness(t *testing.T) {
	input := compileSource(t, `
int main() {
  int a = 0;
  int b = 0;
  return a + b;
}`)
	hints := allocate(t, input)
	zeroes := CollectHints(input).Zeroes
	for b, reg := range hints.Registers {
		if reg == asm.ZeroRegister {
			require.Truef(t, zeroes.Contains(b), "%v reads the zero register without being a zero constant", b)
		}
	}
}

func TestAlloc_callCrossingKeepsOrder(t *testing.T) {
	// Two results crossing calls at once; the callee-saved list stays
	// strictly ascending after dedup (P8).
	input := ir.FromBlocks([]ir.BasicBlock{
		{
			Statements: []ir.Statement{
				ir.Assign(0, ir.Call("f")),
				ir.Assign(1, ir.Call("g")),
				ir.Assign(2, ir.Call("h")),
				ir.Assign(3, ir.Binary(ir.ValueAdd, 0, ir.Bind(1))),
				ir.Assign(4, ir.Binary(ir.ValueAdd, 3, ir.Bind(2))),
			},
			End: ir.Return(4),
		},
	})
	hints := allocate(t, input)

	require.Equal(t, []ir.Binding{0, 1}, ir.SortedBindings(hints.NeedMoveFromR0))
	requireSortedCalleeSaved(t, hints)
	saved := hints.CalleeSavedPerFunction[0]
	require.True(t, sort.SliceIsSorted(saved, func(i, j int) bool { return saved[i] < saved[j] }))
	requireDisjointLiveRegisters(t, input, hints)
}
