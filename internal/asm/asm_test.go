package asm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterID_classes(t *testing.T) {
	require.True(t, Gpr(0).IsGpr())
	require.True(t, Gpr(30).IsGpr())
	require.False(t, ZeroRegister.IsGpr())
	require.False(t, StackPointer.IsGpr())

	require.False(t, Gpr(18).IsCalleeSaved())
	require.True(t, Gpr(19).IsCalleeSaved())
	require.True(t, Gpr(28).IsCalleeSaved())
	require.False(t, Gpr(29).IsCalleeSaved())
	require.False(t, ZeroRegister.IsCalleeSaved())

	require.Equal(t, uint8(7), Gpr(7).Index())
	require.Panics(t, func() { Gpr(31) })
	require.Panics(t, func() { StackPointer.Index() })
}

func TestRegisterID_names(t *testing.T) {
	require.Equal(t, "R0", Gpr(0).String())
	require.Equal(t, "R30", Gpr(30).String())
	require.Equal(t, "ZR", ZeroRegister.String())
	require.Equal(t, "RSP", StackPointer.String())

	require.Equal(t, "w5", Gpr(5).W())
	require.Equal(t, "x19", Gpr(19).X())
	require.Equal(t, "wzr", ZeroRegister.W())
	require.Equal(t, "xzr", ZeroRegister.X())
	require.Panics(t, func() { StackPointer.W() })
}

func TestCondition(t *testing.T) {
	for _, tc := range []struct {
		cond     Condition
		name     string
		negated  Condition
		opposite Condition
	}{
		{Equals, "eq", NotEquals, Equals},
		{NotEquals, "ne", Equals, NotEquals},
		{LessThan, "lt", GreaterEqual, GreaterThan},
		{LessEqual, "le", GreaterThan, GreaterEqual},
		{GreaterThan, "gt", LessEqual, LessThan},
		{GreaterEqual, "ge", LessThan, LessEqual},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.name, tc.cond.String())
			require.Equal(t, tc.negated, tc.cond.Negate())
			require.Equal(t, tc.opposite, tc.cond.Opposite())
			// Negation flips the result on every input; swapping operands
			// preserves it.
			for _, pair := range [][2]int64{{1, 2}, {2, 1}, {3, 3}, {-5, 4}} {
				lhs, rhs := pair[0], pair[1]
				require.NotEqual(t, tc.cond.Eval(lhs, rhs), tc.cond.Negate().Eval(lhs, rhs))
				require.Equal(t, tc.cond.Eval(lhs, rhs), tc.cond.Opposite().Eval(rhs, lhs))
			}
		})
	}
}
