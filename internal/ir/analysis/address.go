// Package analysis derives the facts the register allocator consumes from an
// immutable IR: the happens-before order between program points, binding
// lifetimes, interference, block-local intervals, and condition-flag
// carriers. Everything here is a pure function of the IR.
package analysis

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tracc-lang/tracc/internal/ir"
)

var log = logrus.WithField("component", "analysis")

// BlockAddress is a program point: a statement index inside a block. The
// index len(statements) addresses the block terminator.
type BlockAddress struct {
	Block     ir.BlockBinding
	Statement int
}

// String implements fmt.Stringer.
func (a BlockAddress) String() string {
	return fmt.Sprintf("%v[%d]", a.Block, a.Statement)
}

// Reachability memoizes the ancestor relation of the CFG. The naive
// recomputation per happens-before query is O(V*E); one reverse-BFS bitset
// per block brings collision detection down to set lookups.
type Reachability struct {
	input     *ir.IR
	ancestors map[ir.BlockBinding]*blockSet
}

// NewReachability builds an empty cache over the given IR. Bitsets are
// filled lazily on the first query per block.
func NewReachability(input *ir.IR) *Reachability {
	return &Reachability{input: input, ancestors: map[ir.BlockBinding]*blockSet{}}
}

// ancestorsOf returns the set of blocks that reach b through at least one
// edge. A block can be its own ancestor through a cycle.
func (r *Reachability) ancestorsOf(b ir.BlockBinding) *blockSet {
	if cached, ok := r.ancestors[b]; ok {
		return cached
	}
	set := &blockSet{}
	queue := append([]ir.BlockBinding(nil), r.input.BackwardsMap[b]...)
	for len(queue) > 0 {
		pred := queue[0]
		queue = queue[1:]
		if set.has(uint(pred)) {
			continue
		}
		set.set(uint(pred))
		queue = append(queue, r.input.BackwardsMap[pred]...)
	}
	r.ancestors[b] = set
	return set
}

// IsAncestor reports whether a reaches b through at least one CFG edge.
func (r *Reachability) IsAncestor(a, b ir.BlockBinding) bool {
	return r.ancestorsOf(b).has(uint(a))
}

// HappensBefore reports whether a is ordered strictly before b: either
// earlier in the same block, or in an ancestor block of b's.
func (r *Reachability) HappensBefore(a, b BlockAddress) bool {
	return (a.Block == b.Block && a.Statement < b.Statement) || r.IsAncestor(a.Block, b.Block)
}
