package analysis

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tracc-lang/tracc/internal/ir"
)

// Lifetime is the span during which a binding's value must stay accessible:
// a single definition point and the set of maximal uses after which the
// value is dead on every path.
type Lifetime struct {
	AttachedBinding ir.Binding
	Start           BlockAddress
	// Ends holds one address per block that contains a maximal use. A
	// binding that is defined but never used has no ends and is dead
	// immediately after its definition.
	Ends []BlockAddress
}

// Intersection is a witness that two lifetimes overlap: the (start, end)
// pair of the earlier lifetime that encloses the later one's start.
type Intersection struct {
	Start, End BlockAddress
}

// Defs returns the definition point of every assigned binding, keyed by
// binding.
func Defs(input *ir.IR) map[ir.Binding]BlockAddress {
	defs := map[ir.Binding]BlockAddress{}
	for b, block := range input.Code {
		for i, stmt := range block.Statements {
			if stmt.Kind == ir.StatementAssign {
				defs[stmt.Index] = BlockAddress{Block: ir.BlockBinding(b), Statement: i}
			}
		}
	}
	return defs
}

// ComputeLifetimes derives one Lifetime per defined binding. A use of a
// binding that is never defined is a structural IR violation.
func ComputeLifetimes(input *ir.IR) ([]Lifetime, error) {
	reach := NewReachability(input)
	defs := Defs(input)

	ends, err := lifetimeEnds(input, reach, defs)
	if err != nil {
		return nil, err
	}

	lifetimes := make([]Lifetime, 0, len(defs))
	for binding, def := range defs {
		lifetimes = append(lifetimes, Lifetime{
			AttachedBinding: binding,
			Start:           def,
			Ends:            ends[binding],
		})
	}
	// The defs map iterates in arbitrary order; sort so the result is a pure
	// function of the IR.
	sort.Slice(lifetimes, func(i, j int) bool {
		return lifetimes[i].AttachedBinding < lifetimes[j].AttachedBinding
	})
	log.WithField("bindings", len(lifetimes)).Trace("computed lifetimes")
	return lifetimes, nil
}

// lifetimeEnds finds, per binding, the addresses of its maximal uses: per
// block only the last use survives, and a block's candidate is dropped when
// a strictly later block also uses the binding.
func lifetimeEnds(input *ir.IR, reach *Reachability, defs map[ir.Binding]BlockAddress) (map[ir.Binding][]BlockAddress, error) {
	// Per binding, the last statement index using it in each block. The
	// terminator counts as index len(statements).
	candidates := map[ir.Binding]map[ir.BlockBinding]int{}
	use := func(b ir.Binding, block ir.BlockBinding, statement int) {
		perBlock, ok := candidates[b]
		if !ok {
			perBlock = map[ir.BlockBinding]int{}
			candidates[b] = perBlock
		}
		if last, ok := perBlock[block]; !ok || statement > last {
			perBlock[block] = statement
		}
	}

	for b, block := range input.Code {
		blockBinding := ir.BlockBinding(b)
		for i := range block.Statements {
			stmt := &block.Statements[i]
			stmt.VisitUsedBindings(func(dep ir.Binding) {
				use(dep, blockBinding, i)
			})
		}
		switch end := block.End; end.Kind {
		case ir.EndConditional:
			use(end.Flag, blockBinding, len(block.Statements))
		case ir.EndReturn:
			use(end.Returned, blockBinding, len(block.Statements))
		}
	}

	out := make(map[ir.Binding][]BlockAddress, len(candidates))
	for binding, perBlock := range candidates {
		if _, defined := defs[binding]; !defined {
			block, statement := anyCandidate(perBlock)
			return nil, errors.Errorf(
				"use of undefined binding %v at %v", binding,
				BlockAddress{Block: block, Statement: statement},
			)
		}
		// Drop candidate blocks that have another candidate strictly after
		// them; the survivors are the maximal uses.
		var ends []BlockAddress
		for block, statement := range perBlock {
			shadowed := false
			for other := range perBlock {
				if other != block && reach.IsAncestor(block, other) {
					shadowed = true
					break
				}
			}
			if !shadowed {
				ends = append(ends, BlockAddress{Block: block, Statement: statement})
			}
		}
		sort.Slice(ends, func(i, j int) bool {
			if ends[i].Block != ends[j].Block {
				return ends[i].Block < ends[j].Block
			}
			return ends[i].Statement < ends[j].Statement
		})
		out[binding] = ends
	}
	return out, nil
}

func anyCandidate(perBlock map[ir.BlockBinding]int) (ir.BlockBinding, int) {
	first := true
	var block ir.BlockBinding
	for b := range perBlock {
		if first || b < block {
			block = b
			first = false
		}
	}
	return block, perBlock[block]
}

// FindIntersections returns the witnesses of overlap between two lifetimes.
// Lifetime A intersects B when A starts first and B starts before one of A's
// ends, or the other way around. A lifetime with no ends dies immediately
// and intersects nothing.
func (l *Lifetime) FindIntersections(other *Lifetime, reach *Reachability) []Intersection {
	if len(l.Ends) == 0 || len(other.Ends) == 0 {
		return nil
	}
	switch {
	case reach.HappensBefore(l.Start, other.Start):
		return enclosing(l, other, reach)
	case reach.HappensBefore(other.Start, l.Start):
		return enclosing(other, l, reach)
	default:
		return nil
	}
}

// enclosing collects the (start, end) spans of first that the start of
// second falls into.
func enclosing(first, second *Lifetime, reach *Reachability) []Intersection {
	var out []Intersection
	for _, end := range first.Ends {
		if reach.HappensBefore(second.Start, end) {
			out = append(out, Intersection{Start: first.Start, End: end})
		}
	}
	return out
}

// StatementAt resolves an address to its statement, or nil when the address
// points at the block terminator.
func StatementAt(input *ir.IR, addr BlockAddress) *ir.Statement {
	if addr.Block < 0 || int(addr.Block) >= len(input.Code) {
		return nil
	}
	block := &input.Code[addr.Block]
	if addr.Statement >= len(block.Statements) {
		return nil
	}
	return &block.Statements[addr.Statement]
}
