package analysis

import (
	"sort"

	"github.com/tracc-lang/tracc/internal/ir"
)

// BlockLifetimes is the block-local view of every binding that is live
// somewhere in the block, as consumed by the linear allocator: statement
// intervals, with the bindings ordered by interval start.
type BlockLifetimes struct {
	Block          ir.BlockBinding
	OrderedByStart []ir.Binding
	// Starts and Ends are statement indices. A binding that enters the
	// block alive starts at 0; one that leaves the block alive ends at
	// len(statements), past the last statement.
	Starts map[ir.Binding]int
	Ends   map[ir.Binding]int
	// LiveIn marks the bindings defined in an earlier block. Their local
	// start of 0 is not a definition, so they are alive across a call
	// sitting at statement 0.
	LiveIn map[ir.Binding]bool
}

// MakeSortedLifetimes computes the per-block intervals for the whole IR,
// one entry per block in block order. A binding occupies a block when it is
// defined there, uses happen there, or the block sits on a path from its
// definition to one of its ends.
func MakeSortedLifetimes(input *ir.IR) ([]BlockLifetimes, error) {
	lifetimes, err := ComputeLifetimes(input)
	if err != nil {
		return nil, err
	}
	return makeSortedLifetimes(input, lifetimes), nil
}

func makeSortedLifetimes(input *ir.IR, lifetimes []Lifetime) []BlockLifetimes {
	reach := NewReachability(input)
	out := make([]BlockLifetimes, len(input.Code))
	for i := range out {
		out[i] = BlockLifetimes{
			Block:  ir.BlockBinding(i),
			Starts: map[ir.Binding]int{},
			Ends:   map[ir.Binding]int{},
			LiveIn: map[ir.Binding]bool{},
		}
	}

	for i := range lifetimes {
		life := &lifetimes[i]
		binding := life.AttachedBinding

		endAt := map[ir.BlockBinding]int{}
		for _, end := range life.Ends {
			endAt[end.Block] = end.Statement
		}
		reachesAnEnd := func(from ir.BlockBinding) bool {
			for _, end := range life.Ends {
				if reach.IsAncestor(from, end.Block) {
					return true
				}
			}
			return false
		}

		for b := range input.Code {
			block := ir.BlockBinding(b)
			inDefBlock := block == life.Start.Block
			liveIn := !inDefBlock && reach.IsAncestor(life.Start.Block, block) &&
				(hasEnd(endAt, block) || reachesAnEnd(block))
			if !inDefBlock && !liveIn {
				continue
			}

			start := 0
			if inDefBlock {
				start = life.Start.Statement
			}
			end, local := endAt[block]
			if !local {
				if liveIn || len(life.Ends) > 0 {
					// No maximal use here, so the value is alive past the
					// terminator.
					end = len(input.Code[block].Statements)
				} else {
					// Defined and never used: dead on the spot.
					end = start
				}
			}

			info := &out[block]
			info.Starts[binding] = start
			info.Ends[binding] = end
			if !inDefBlock {
				info.LiveIn[binding] = true
			}
			info.OrderedByStart = append(info.OrderedByStart, binding)
		}
	}

	for i := range out {
		info := &out[i]
		sort.Slice(info.OrderedByStart, func(a, b int) bool {
			ba, bb := info.OrderedByStart[a], info.OrderedByStart[b]
			if info.Starts[ba] != info.Starts[bb] {
				return info.Starts[ba] < info.Starts[bb]
			}
			return ba < bb
		})
	}
	return out
}

func hasEnd(endAt map[ir.BlockBinding]int, block ir.BlockBinding) bool {
	_, ok := endAt[block]
	return ok
}

// CallAddresses returns the address of every call statement, in program
// order.
func CallAddresses(input *ir.IR) []BlockAddress {
	var out []BlockAddress
	for b, block := range input.Code {
		for i, stmt := range block.Statements {
			if stmt.Kind == ir.StatementAssign && stmt.Value.Kind == ir.ValueCall {
				out = append(out, BlockAddress{Block: ir.BlockBinding(b), Statement: i})
			}
		}
	}
	return out
}
