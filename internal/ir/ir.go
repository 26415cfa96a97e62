// Package ir defines the SSA intermediate representation the middle end and
// the register allocator work on: a flat vector of basic blocks with explicit
// forward/backward adjacency, grouped into functions by entrypoint/endpoint
// tables.
package ir

import (
	"fmt"
	"strings"
)

// Binding identifies an SSA value. It is defined exactly once and used zero
// or more times.
type Binding uint32

// String implements fmt.Stringer.
func (b Binding) String() string {
	return fmt.Sprintf("%%%d", uint32(b))
}

// BlockBinding identifies a basic block by its index in IR.Code.
type BlockBinding int

// String implements fmt.Stringer.
func (b BlockBinding) String() string {
	return fmt.Sprintf("BB%d", int(b))
}

// ByteSize is the width of a memory access.
type ByteSize uint8

const (
	U8  ByteSize = 1
	U32 ByteSize = 4
	U64 ByteSize = 8
)

// BasicBlock is a run of statements with a single entry point and a single
// terminator.
type BasicBlock struct {
	Statements []Statement
	End        BlockEnd
}

// IR is a whole compilation unit: every block of every function, with the
// CFG adjacency maps and the per-function block spans. Blocks belonging to
// one function are contiguous in Code.
type IR struct {
	Code         []BasicBlock
	ForwardMap   map[BlockBinding][]BlockBinding
	BackwardsMap map[BlockBinding][]BlockBinding
	// FunctionEntrypoints holds the entry block of each function, indexed by
	// function.
	FunctionEntrypoints []BlockBinding
	// FunctionEndpoints maps each returning block to the index of the
	// function it belongs to.
	FunctionEndpoints map[BlockBinding]int
	// FunctionNames holds the symbol name of each function, indexed by
	// function.
	FunctionNames []string
}

// FromBlocks builds a single-function IR from a block list, deriving the
// adjacency maps and endpoint table from the terminators. Mostly useful to
// construct IRs by hand in tests.
func FromBlocks(blocks []BasicBlock) *IR {
	out := &IR{
		Code:                blocks,
		ForwardMap:          map[BlockBinding][]BlockBinding{},
		BackwardsMap:        map[BlockBinding][]BlockBinding{},
		FunctionEntrypoints: []BlockBinding{0},
		FunctionEndpoints:   map[BlockBinding]int{},
		FunctionNames:       []string{"main"},
	}
	for i := range blocks {
		out.sealBlock(BlockBinding(i), 0)
	}
	return out
}

// RebuildGraphs recomputes the adjacency maps and the endpoint table from
// the current terminators. Passes that rewrite terminators or drop blocks
// call this before anything walks the CFG again.
func (ir *IR) RebuildGraphs() {
	ir.ForwardMap = map[BlockBinding][]BlockBinding{}
	ir.BackwardsMap = map[BlockBinding][]BlockBinding{}
	ir.FunctionEndpoints = map[BlockBinding]int{}
	for i := range ir.Code {
		ir.sealBlock(BlockBinding(i), ir.functionByEntry(BlockBinding(i)))
	}
}

// functionByEntry returns the function owning b assuming the contiguous
// block layout: the last function whose entrypoint is at or before b.
func (ir *IR) functionByEntry(b BlockBinding) int {
	owner := 0
	for index, entry := range ir.FunctionEntrypoints {
		if entry <= b {
			owner = index
		}
	}
	return owner
}

// sealBlock records the outgoing edges and endpoint status of block b.
func (ir *IR) sealBlock(b BlockBinding, function int) {
	switch end := ir.Code[b].End; end.Kind {
	case EndUnconditional:
		ir.addEdge(b, end.Target)
	case EndConditional:
		ir.addEdge(b, end.TargetTrue)
		ir.addEdge(b, end.TargetFalse)
	case EndReturn:
		ir.FunctionEndpoints[b] = function
	}
}

func (ir *IR) addEdge(from, to BlockBinding) {
	ir.ForwardMap[from] = append(ir.ForwardMap[from], to)
	ir.BackwardsMap[to] = append(ir.BackwardsMap[to], from)
}

// FunctionOf returns the index of the function whose block span contains b.
// The second result is false when no function claims the block, which means
// the entrypoint/endpoint tables are structurally broken.
func (ir *IR) FunctionOf(b BlockBinding) (int, bool) {
	for index, entry := range ir.FunctionEntrypoints {
		end := entry
		for block, fn := range ir.FunctionEndpoints {
			if fn == index && block > end {
				end = block
			}
		}
		if b >= entry && b <= end {
			return index, true
		}
	}
	return 0, false
}

// String implements fmt.Stringer, rendering the IR the way the CLI prints it.
func (ir *IR) String() string {
	var buf strings.Builder
	for i, block := range ir.Code {
		for fn, entry := range ir.FunctionEntrypoints {
			if entry == BlockBinding(i) {
				name := "?"
				if fn < len(ir.FunctionNames) {
					name = ir.FunctionNames[fn]
				}
				fmt.Fprintf(&buf, "func %s:\n", name)
			}
		}
		fmt.Fprintf(&buf, "%v:\n", BlockBinding(i))
		for _, stmt := range block.Statements {
			fmt.Fprintf(&buf, "  %v\n", stmt)
		}
		fmt.Fprintf(&buf, "  %v\n", block.End)
	}
	return buf.String()
}
