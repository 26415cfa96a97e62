package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracc-lang/tracc/internal/ast"
)

func TestParse_returnExpression(t *testing.T) {
	program, err := Parse("int main() { return 5 > 1 + 2; }")
	require.NoError(t, err)
	require.Len(t, program.Functions, 1)
	require.Equal(t, "main", program.Functions[0].Name)

	ret, ok := program.Functions[0].Body[0].(ast.Return)
	require.True(t, ok)

	// The comparison binds loosest: (5) > (1 + 2).
	cmp, ok := ret.Expr.(ast.Binary)
	require.True(t, ok)
	require.Equal(t, ast.BinaryGreaterThan, cmp.Op)
	require.Equal(t, ast.IntLit{Value: 5}, cmp.Lhs)

	sum, ok := cmp.Rhs.(ast.Binary)
	require.True(t, ok)
	require.Equal(t, ast.BinaryAdd, sum.Op)
}

func TestParse_precedenceAndAssociativity(t *testing.T) {
	program, err := Parse("int main() { return 1 - 2 - 3 * 4; }")
	require.NoError(t, err)
	ret := program.Functions[0].Body[0].(ast.Return)

	// (1 - 2) - (3 * 4)
	outer := ret.Expr.(ast.Binary)
	require.Equal(t, ast.BinarySubtract, outer.Op)
	left := outer.Lhs.(ast.Binary)
	require.Equal(t, ast.BinarySubtract, left.Op)
	require.Equal(t, ast.IntLit{Value: 1}, left.Lhs)
	right := outer.Rhs.(ast.Binary)
	require.Equal(t, ast.BinaryMultiply, right.Op)
}

func TestParse_statements(t *testing.T) {
	program, err := Parse(`
int main() {
  int x = 3;
  int y;
  y = x * 2;
  if (x > 1) {
    return y;
  } else
    return f(x, 1 + 2);
}`)
	require.NoError(t, err)
	body := program.Functions[0].Body
	require.Len(t, body, 4)

	decl := body[0].(ast.Decl)
	require.Equal(t, "x", decl.Name)
	require.NotNil(t, decl.Init)

	require.Nil(t, body[1].(ast.Decl).Init)

	assign := body[2].(ast.ExprStmt).Expr.(ast.Assign)
	require.Equal(t, "y", assign.Name)

	cond := body[3].(ast.If)
	require.NotNil(t, cond.Else)
	call := cond.Else.(ast.Return).Expr.(ast.Call)
	require.Equal(t, "f", call.Name)
	require.Len(t, call.Args, 2)
}

func TestParse_ternaryAndShortCircuit(t *testing.T) {
	program, err := Parse("int main() { return a && b ? 1 : 0; }")
	require.NoError(t, err)
	ret := program.Functions[0].Body[0].(ast.Return)

	ternary := ret.Expr.(ast.Conditional)
	and := ternary.Cond.(ast.Binary)
	require.Equal(t, ast.BinaryLogicAnd, and.Op)
}

func TestParse_errors(t *testing.T) {
	for _, tc := range []struct {
		name, source, wantErr string
	}{
		{"missing semicolon", "int main() { return 5 }", `expected ";"`},
		{"missing closing brace", "int main() { return 5;", "unterminated block"},
		{"keyword as identifier", "int main() { return int; }", "expected an expression"},
		{"empty input", "", "no functions"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.source)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
