// Package parser turns source text into the ast, with a hand-written
// recursive descent over the token stream.
package parser

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/tracc-lang/tracc/internal/ast"
	"github.com/tracc-lang/tracc/internal/lexer"
)

type parser struct {
	tokens []lexer.Token
	pos    int
}

// Parse lexes and parses a whole translation unit.
func Parse(source string) (*ast.Program, error) {
	tokens, err := lexer.Lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	var program ast.Program
	for !p.done() {
		fn, err := p.function()
		if err != nil {
			return nil, err
		}
		program.Functions = append(program.Functions, fn)
	}
	if len(program.Functions) == 0 {
		return nil, errors.New("no functions in the program")
	}
	return &program, nil
}

func (p *parser) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *parser) peek() (lexer.Token, bool) {
	if p.done() {
		return lexer.Token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (lexer.Token, error) {
	tok, ok := p.peek()
	if !ok {
		return tok, errors.New("unexpected end of input")
	}
	p.pos++
	return tok, nil
}

// expect consumes the next token and requires it to be the given
// punctuation.
func (p *parser) expect(punct string) error {
	tok, err := p.next()
	if err != nil {
		return errors.Wrapf(err, "expected %q", punct)
	}
	if tok.Kind != lexer.TokenPunct || tok.Text != punct {
		return errors.Errorf("expected %q, found %v", punct, tok)
	}
	return nil
}

// keyword consumes the next token and requires it to be the given word.
func (p *parser) keyword(word string) error {
	tok, err := p.next()
	if err != nil {
		return errors.Wrapf(err, "expected %q", word)
	}
	if tok.Kind != lexer.TokenIdent || tok.Text != word {
		return errors.Errorf("expected %q, found %v", word, tok)
	}
	return nil
}

func (p *parser) accept(punct string) bool {
	if tok, ok := p.peek(); ok && tok.Kind == lexer.TokenPunct && tok.Text == punct {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptWord(word string) bool {
	if tok, ok := p.peek(); ok && tok.Kind == lexer.TokenIdent && tok.Text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) identifier() (string, error) {
	tok, err := p.next()
	if err != nil {
		return "", errors.Wrap(err, "expected an identifier")
	}
	if tok.Kind != lexer.TokenIdent || isKeyword(tok.Text) {
		return "", errors.Errorf("expected an identifier, found %v", tok)
	}
	return tok.Text, nil
}

func isKeyword(word string) bool {
	switch word {
	case "int", "return", "if", "else":
		return true
	}
	return false
}

// function := "int" ident "(" ")" compound
func (p *parser) function() (ast.Function, error) {
	if err := p.keyword("int"); err != nil {
		return ast.Function{}, err
	}
	name, err := p.identifier()
	if err != nil {
		return ast.Function{}, err
	}
	if err := p.expect("("); err != nil {
		return ast.Function{}, err
	}
	if err := p.expect(")"); err != nil {
		return ast.Function{}, err
	}
	body, err := p.compound()
	if err != nil {
		return ast.Function{}, errors.Wrapf(err, "parsing function %q", name)
	}
	return ast.Function{Name: name, Body: body.Items}, nil
}

func (p *parser) compound() (ast.Compound, error) {
	if err := p.expect("{"); err != nil {
		return ast.Compound{}, err
	}
	var items []ast.BlockItem
	for !p.accept("}") {
		if p.done() {
			return ast.Compound{}, errors.New("unterminated block")
		}
		item, err := p.blockItem()
		if err != nil {
			return ast.Compound{}, err
		}
		items = append(items, item)
	}
	return ast.Compound{Items: items}, nil
}

func (p *parser) blockItem() (ast.BlockItem, error) {
	if p.acceptWord("int") {
		name, err := p.identifier()
		if err != nil {
			return nil, err
		}
		decl := ast.Decl{Name: name}
		if p.accept("=") {
			init, err := p.expression()
			if err != nil {
				return nil, err
			}
			decl.Init = init
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return decl, nil
	}
	return p.statement()
}

func (p *parser) statement() (ast.Stmt, error) {
	switch {
	case p.acceptWord("return"):
		expr, err := p.expression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return ast.Return{Expr: expr}, nil
	case p.acceptWord("if"):
		if err := p.expect("("); err != nil {
			return nil, err
		}
		cond, err := p.expression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		then, err := p.statement()
		if err != nil {
			return nil, err
		}
		out := ast.If{Cond: cond, Then: then}
		if p.acceptWord("else") {
			other, err := p.statement()
			if err != nil {
				return nil, err
			}
			out.Else = other
		}
		return out, nil
	case p.accept(";"):
		return ast.Null{}, nil
	default:
		if tok, ok := p.peek(); ok && tok.Kind == lexer.TokenPunct && tok.Text == "{" {
			return p.compound()
		}
		expr, err := p.expression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(";"); err != nil {
			return nil, err
		}
		return ast.ExprStmt{Expr: expr}, nil
	}
}

func (p *parser) expression() (ast.Expr, error) {
	return p.assignment()
}

// assignment := ident "=" assignment | conditional
func (p *parser) assignment() (ast.Expr, error) {
	if tok, ok := p.peek(); ok && tok.Kind == lexer.TokenIdent && !isKeyword(tok.Text) {
		if after, ok := p.peekAt(1); ok && after.Kind == lexer.TokenPunct && after.Text == "=" {
			p.pos += 2
			value, err := p.assignment()
			if err != nil {
				return nil, err
			}
			return ast.Assign{Name: tok.Text, Value: value}, nil
		}
	}
	return p.conditional()
}

func (p *parser) peekAt(offset int) (lexer.Token, bool) {
	if p.pos+offset >= len(p.tokens) {
		return lexer.Token{}, false
	}
	return p.tokens[p.pos+offset], true
}

// conditional := logic-or ("?" expression ":" conditional)?
func (p *parser) conditional() (ast.Expr, error) {
	cond, err := p.binary(0)
	if err != nil {
		return nil, err
	}
	if !p.accept("?") {
		return cond, nil
	}
	then, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	other, err := p.conditional()
	if err != nil {
		return nil, err
	}
	return ast.Conditional{Cond: cond, Then: then, Else: other}, nil
}

// binaryLevels orders the binary operators from loosest to tightest; each
// level is left-associative.
var binaryLevels = [][]struct {
	punct string
	op    ast.BinaryOp
}{
	{{"||", ast.BinaryLogicOr}},
	{{"&&", ast.BinaryLogicAnd}},
	{{"|", ast.BinaryBitOr}},
	{{"^", ast.BinaryBitXor}},
	{{"&", ast.BinaryBitAnd}},
	{{"==", ast.BinaryEquals}, {"!=", ast.BinaryNotEquals}},
	{{"<=", ast.BinaryLessEqual}, {">=", ast.BinaryGreaterEqual}, {"<", ast.BinaryLessThan}, {">", ast.BinaryGreaterThan}},
	{{"<<", ast.BinaryShiftLeft}, {">>", ast.BinaryShiftRight}},
	{{"+", ast.BinaryAdd}, {"-", ast.BinarySubtract}},
	{{"*", ast.BinaryMultiply}, {"/", ast.BinaryDivide}, {"%", ast.BinaryModulo}},
}

func (p *parser) binary(level int) (ast.Expr, error) {
	if level == len(binaryLevels) {
		return p.factor()
	}
	lhs, err := p.binary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, entry := range binaryLevels[level] {
			if p.accept(entry.punct) {
				rhs, err := p.binary(level + 1)
				if err != nil {
					return nil, err
				}
				lhs = ast.Binary{Op: entry.op, Lhs: lhs, Rhs: rhs}
				matched = true
				break
			}
		}
		if !matched {
			return lhs, nil
		}
	}
}

func (p *parser) factor() (ast.Expr, error) {
	tok, err := p.next()
	if err != nil {
		return nil, errors.Wrap(err, "expected an expression")
	}
	switch {
	case tok.Kind == lexer.TokenNumber:
		value, err := strconv.ParseInt(tok.Text, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad integer literal %v", tok)
		}
		return ast.IntLit{Value: value}, nil
	case tok.Kind == lexer.TokenIdent && !isKeyword(tok.Text):
		if p.accept("(") {
			var args []ast.Expr
			if !p.accept(")") {
				for {
					arg, err := p.expression()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.accept(")") {
						break
					}
					if err := p.expect(","); err != nil {
						return nil, err
					}
				}
			}
			return ast.Call{Name: tok.Text, Args: args}, nil
		}
		return ast.Var{Name: tok.Text}, nil
	case tok.Kind == lexer.TokenPunct && tok.Text == "(":
		inner, err := p.expression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tok.Kind == lexer.TokenPunct:
		var op ast.UnaryOp
		switch tok.Text {
		case "-":
			op = ast.UnaryNegate
		case "~":
			op = ast.UnaryComplement
		case "!":
			op = ast.UnaryNot
		default:
			return nil, errors.Errorf("expected an expression, found %v", tok)
		}
		operand, err := p.factor()
		if err != nil {
			return nil, err
		}
		return ast.Unary{Op: op, Operand: operand}, nil
	default:
		return nil, errors.Errorf("expected an expression, found %v", tok)
	}
}
