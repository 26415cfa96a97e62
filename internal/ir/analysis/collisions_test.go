package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracc-lang/tracc/internal/ir"
)

func TestComputeLifetimeCollisions_phiExcluded(t *testing.T) {
	// %1 is defined before the branch and flows into the φ, so its lifetime
	// genuinely overlaps %2's; the φ coalescing them is the only witness,
	// which makes the pair collision-free.
	input := ir.FromBlocks([]ir.BasicBlock{
		{
			Statements: []ir.Statement{
				ir.Assign(0, ir.Constant(1)),
				ir.Assign(1, ir.Constant(5)),
			},
			End: ir.CondBranch(0, 1, 2),
		},
		{
			Statements: []ir.Statement{ir.Assign(2, ir.Constant(7))},
			End:        ir.Branch(2),
		},
		{
			Statements: []ir.Statement{
				ir.Assign(3, ir.Phi(
					ir.PhiDescriptor{Value: 1, BlockFrom: 0},
					ir.PhiDescriptor{Value: 2, BlockFrom: 1},
				)),
			},
			End: ir.Return(3),
		},
	})
	lifetimes, err := ComputeLifetimes(input)
	require.NoError(t, err)
	reach := NewReachability(input)

	one, two := lifetimes[1], lifetimes[2]
	require.NotEmpty(t, one.FindIntersections(&two, reach), "the lifetimes do overlap")

	collisions := ComputeLifetimeCollisions(input, lifetimes)
	require.False(t, collisions[1].Contains(2))
	require.False(t, collisions[2].Contains(1))
	// The flag %0 overlaps %1 with no φ involved: a real collision.
	require.True(t, collisions[0].Contains(1))
}

func TestComputeLifetimeCollisions_symmetric(t *testing.T) {
	input := ir.FromBlocks([]ir.BasicBlock{
		{
			Statements: []ir.Statement{
				ir.Assign(0, ir.Constant(2)),
				ir.Assign(1, ir.Constant(3)),
				ir.Assign(2, ir.Binary(ir.ValueAdd, 0, ir.Bind(1))),
			},
			End: ir.Return(2),
		},
	})
	lifetimes, err := ComputeLifetimes(input)
	require.NoError(t, err)
	collisions := ComputeLifetimeCollisions(input, lifetimes)

	require.True(t, collisions[0].Contains(1))
	require.True(t, collisions[1].Contains(0))
	// %2 starts where both operands die; endpoint touching is not overlap.
	require.False(t, collisions[2].Contains(0))
	require.False(t, collisions[2].Contains(1))
}
