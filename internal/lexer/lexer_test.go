package lexer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLex(t *testing.T) {
	tokens, err := Lex("int main() {\n  return 5 >= ~x && 1;\n}")
	require.NoError(t, err)

	var texts []string
	for _, tok := range tokens {
		texts = append(texts, tok.Text)
	}
	require.Equal(t, []string{
		"int", "main", "(", ")", "{",
		"return", "5", ">=", "~", "x", "&&", "1", ";",
		"}",
	}, texts)

	// Positions track lines and columns.
	require.Equal(t, 1, tokens[0].Line)
	require.Equal(t, 1, tokens[0].Col)
	require.Equal(t, 2, tokens[5].Line)
	require.Equal(t, 3, tokens[5].Col)
}

func TestLex_doubleBeforeSingle(t *testing.T) {
	tokens, err := Lex("a<<=b")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "<<", "=", "b"}, tokenTexts(tokens))

	tokens, err = Lex("a<b")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "<", "b"}, tokenTexts(tokens))
}

func TestLex_unknownCharacter(t *testing.T) {
	_, err := Lex("int a = 3 @ 4;")
	require.ErrorContains(t, err, "'@'")
}

func tokenTexts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Text
	}
	return out
}
