// Package irgen lowers the ast into SSA IR. Local variables become stack
// cells written and read through Store/Load, so only the values that
// genuinely merge across branches (short-circuit and ternary results) need
// φ nodes.
package irgen

import (
	"github.com/pkg/errors"

	"github.com/tracc-lang/tracc/internal/asm"
	"github.com/tracc-lang/tracc/internal/ast"
	"github.com/tracc-lang/tracc/internal/ir"
)

// CompileProgram lowers a whole translation unit.
func CompileProgram(program *ast.Program) (*ir.IR, error) {
	g := &generator{}
	out := &ir.IR{}
	for _, fn := range program.Functions {
		out.FunctionEntrypoints = append(out.FunctionEntrypoints, ir.BlockBinding(len(g.code)))
		out.FunctionNames = append(out.FunctionNames, fn.Name)
		if err := g.function(fn); err != nil {
			return nil, errors.Wrapf(err, "compiling function %q", fn.Name)
		}
	}
	out.Code = g.code
	out.RebuildGraphs()
	return out, nil
}

type generator struct {
	code       []ir.BasicBlock
	terminated []bool
	cur        ir.BlockBinding
	next       ir.Binding
	scopes     []map[string]ir.Binding
}

func (g *generator) newBlock() ir.BlockBinding {
	g.code = append(g.code, ir.BasicBlock{})
	g.terminated = append(g.terminated, false)
	return ir.BlockBinding(len(g.code) - 1)
}

// define emits an assignment of v to a fresh binding in the current block.
func (g *generator) define(v ir.Value) ir.Binding {
	binding := g.next
	g.next++
	g.code[g.cur].Statements = append(g.code[g.cur].Statements, ir.Assign(binding, v))
	return binding
}

func (g *generator) emitStore(mem, src ir.Binding) {
	g.code[g.cur].Statements = append(g.code[g.cur].Statements, ir.Store(mem, src, ir.U32))
}

func (g *generator) endBlock(end ir.BlockEnd) {
	g.code[g.cur].End = end
	g.terminated[g.cur] = true
}

func (g *generator) function(fn ast.Function) error {
	g.cur = g.newBlock()
	g.scopes = []map[string]ir.Binding{{}}
	if err := g.items(fn.Body); err != nil {
		return err
	}
	if !g.terminated[g.cur] {
		// C lets control fall off the end; the function returns 0 then.
		zero := g.define(ir.Constant(0))
		g.endBlock(ir.Return(zero))
	}
	return nil
}

func (g *generator) items(items []ast.BlockItem) error {
	for _, item := range items {
		if g.terminated[g.cur] {
			// Code past a return is unreachable; it still compiles, into a
			// block nothing jumps to, and the folding pass drops it.
			g.cur = g.newBlock()
		}
		switch node := item.(type) {
		case ast.Decl:
			if err := g.declare(node); err != nil {
				return err
			}
		case ast.Stmt:
			if err := g.statement(node); err != nil {
				return err
			}
		default:
			return errors.Errorf("unknown block item %T", item)
		}
	}
	return nil
}

func (g *generator) declare(decl ast.Decl) error {
	scope := g.scopes[len(g.scopes)-1]
	if _, exists := scope[decl.Name]; exists {
		return errors.Errorf("variable %q redeclared in the same scope", decl.Name)
	}
	cell := g.define(ir.Allocate(int(ir.U32)))
	scope[decl.Name] = cell
	if decl.Init != nil {
		value, err := g.expression(decl.Init)
		if err != nil {
			return err
		}
		g.emitStore(cell, value)
	}
	return nil
}

func (g *generator) lookup(name string) (ir.Binding, error) {
	for i := len(g.scopes) - 1; i >= 0; i-- {
		if cell, ok := g.scopes[i][name]; ok {
			return cell, nil
		}
	}
	return 0, errors.Errorf("use of undeclared variable %q", name)
}

func (g *generator) statement(stmt ast.Stmt) error {
	switch node := stmt.(type) {
	case ast.Return:
		value, err := g.expression(node.Expr)
		if err != nil {
			return err
		}
		g.endBlock(ir.Return(value))
		return nil
	case ast.If:
		return g.ifStatement(node)
	case ast.Compound:
		g.scopes = append(g.scopes, map[string]ir.Binding{})
		err := g.items(node.Items)
		g.scopes = g.scopes[:len(g.scopes)-1]
		return err
	case ast.ExprStmt:
		_, err := g.expression(node.Expr)
		return err
	case ast.Null:
		return nil
	default:
		return errors.Errorf("unknown statement %T", stmt)
	}
}

func (g *generator) ifStatement(node ast.If) error {
	flag, err := g.flagOf(node.Cond)
	if err != nil {
		return err
	}
	condBlock := g.cur

	thenBlock := g.newBlock()
	g.cur = thenBlock
	if err := g.statement(node.Then); err != nil {
		return err
	}
	thenExit := g.cur

	elseBlock := ir.BlockBinding(-1)
	elseExit := ir.BlockBinding(-1)
	if node.Else != nil {
		elseBlock = g.newBlock()
		g.cur = elseBlock
		if err := g.statement(node.Else); err != nil {
			return err
		}
		elseExit = g.cur
	}

	merge := g.newBlock()
	falseTarget := merge
	if elseBlock >= 0 {
		falseTarget = elseBlock
	}
	g.code[condBlock].End = ir.CondBranch(flag, thenBlock, falseTarget)
	g.terminated[condBlock] = true
	if !g.terminated[thenExit] {
		g.code[thenExit].End = ir.Branch(merge)
		g.terminated[thenExit] = true
	}
	if elseExit >= 0 && !g.terminated[elseExit] {
		g.code[elseExit].End = ir.Branch(merge)
		g.terminated[elseExit] = true
	}
	g.cur = merge
	return nil
}

// flagOf compiles a condition into a binding suitable for a conditional
// branch. When the condition already is a comparison ending the current
// block, its binding is reused so the flag tracker can keep it out of the
// register file; otherwise the value is compared against zero.
func (g *generator) flagOf(cond ast.Expr) (ir.Binding, error) {
	value, err := g.expression(cond)
	if err != nil {
		return 0, err
	}
	statements := g.code[g.cur].Statements
	if len(statements) > 0 {
		last := statements[len(statements)-1]
		if last.Kind == ir.StatementAssign && last.Index == value && last.Value.Kind == ir.ValueCmp {
			return value, nil
		}
	}
	return g.define(ir.Cmp(asm.NotEquals, value, ir.Const(0))), nil
}

var comparisonConditions = map[ast.BinaryOp]asm.Condition{
	ast.BinaryEquals:       asm.Equals,
	ast.BinaryNotEquals:    asm.NotEquals,
	ast.BinaryLessThan:     asm.LessThan,
	ast.BinaryLessEqual:    asm.LessEqual,
	ast.BinaryGreaterThan:  asm.GreaterThan,
	ast.BinaryGreaterEqual: asm.GreaterEqual,
}

var arithmeticKinds = map[ast.BinaryOp]ir.ValueKind{
	ast.BinaryAdd:        ir.ValueAdd,
	ast.BinarySubtract:   ir.ValueSubtract,
	ast.BinaryMultiply:   ir.ValueMultiply,
	ast.BinaryDivide:     ir.ValueDivide,
	ast.BinaryShiftLeft:  ir.ValueLsl,
	ast.BinaryShiftRight: ir.ValueLsr,
	ast.BinaryBitAnd:     ir.ValueAnd,
	ast.BinaryBitOr:      ir.ValueOr,
	ast.BinaryBitXor:     ir.ValueXor,
}

func (g *generator) expression(expr ast.Expr) (ir.Binding, error) {
	switch node := expr.(type) {
	case ast.IntLit:
		return g.define(ir.Constant(node.Value)), nil
	case ast.Var:
		cell, err := g.lookup(node.Name)
		if err != nil {
			return 0, err
		}
		return g.define(ir.Load(cell, ir.U32)), nil
	case ast.Assign:
		cell, err := g.lookup(node.Name)
		if err != nil {
			return 0, err
		}
		value, err := g.expression(node.Value)
		if err != nil {
			return 0, err
		}
		g.emitStore(cell, value)
		return value, nil
	case ast.Unary:
		operand, err := g.expression(node.Operand)
		if err != nil {
			return 0, err
		}
		switch node.Op {
		case ast.UnaryNegate:
			return g.define(ir.Negate(operand)), nil
		case ast.UnaryComplement:
			return g.define(ir.FlipBits(operand)), nil
		default: // ast.UnaryNot
			return g.define(ir.Cmp(asm.Equals, operand, ir.Const(0))), nil
		}
	case ast.Binary:
		return g.binary(node)
	case ast.Conditional:
		return g.conditional(node)
	case ast.Call:
		args := make([]ir.Binding, len(node.Args))
		for i, arg := range node.Args {
			value, err := g.expression(arg)
			if err != nil {
				return 0, err
			}
			args[i] = value
		}
		return g.define(ir.Call(node.Name, args...)), nil
	default:
		return 0, errors.Errorf("unknown expression %T", expr)
	}
}

func (g *generator) binary(node ast.Binary) (ir.Binding, error) {
	switch node.Op {
	case ast.BinaryLogicAnd, ast.BinaryLogicOr:
		return g.shortCircuit(node)
	case ast.BinaryModulo:
		// a % b lowers to a - (a/b)*b; the ISA has no remainder.
		lhs, err := g.expression(node.Lhs)
		if err != nil {
			return 0, err
		}
		rhs, err := g.expression(node.Rhs)
		if err != nil {
			return 0, err
		}
		quotient := g.define(ir.Binary(ir.ValueDivide, lhs, ir.Bind(rhs)))
		product := g.define(ir.Binary(ir.ValueMultiply, quotient, ir.Bind(rhs)))
		return g.define(ir.Binary(ir.ValueSubtract, lhs, ir.Bind(product))), nil
	}

	lhs, err := g.expression(node.Lhs)
	if err != nil {
		return 0, err
	}
	rhs, err := g.expression(node.Rhs)
	if err != nil {
		return 0, err
	}
	if cond, ok := comparisonConditions[node.Op]; ok {
		return g.define(ir.Cmp(cond, lhs, ir.Bind(rhs))), nil
	}
	kind, ok := arithmeticKinds[node.Op]
	if !ok {
		return 0, errors.Errorf("unknown binary operator %d", node.Op)
	}
	return g.define(ir.Binary(kind, lhs, ir.Bind(rhs))), nil
}

// shortCircuit builds the diamond for && and ||: one arm evaluates the rhs,
// the other pins the answer the lhs already decided, and a φ merges them.
func (g *generator) shortCircuit(node ast.Binary) (ir.Binding, error) {
	flag, err := g.flagOf(node.Lhs)
	if err != nil {
		return 0, err
	}
	condBlock := g.cur

	rhsBlock := g.newBlock()
	g.cur = rhsBlock
	rhsValue, err := g.flagValue(node.Rhs)
	if err != nil {
		return 0, err
	}
	rhsExit := g.cur

	shortBlock := g.newBlock()
	g.cur = shortBlock
	var shortValue ir.Binding
	if node.Op == ast.BinaryLogicAnd {
		shortValue = g.define(ir.Constant(0))
	} else {
		shortValue = g.define(ir.Constant(1))
	}

	merge := g.newBlock()
	if node.Op == ast.BinaryLogicAnd {
		g.code[condBlock].End = ir.CondBranch(flag, rhsBlock, shortBlock)
	} else {
		g.code[condBlock].End = ir.CondBranch(flag, shortBlock, rhsBlock)
	}
	g.terminated[condBlock] = true
	g.code[rhsExit].End = ir.Branch(merge)
	g.terminated[rhsExit] = true
	g.code[shortBlock].End = ir.Branch(merge)
	g.terminated[shortBlock] = true

	g.cur = merge
	return g.define(ir.Phi(
		ir.PhiDescriptor{Value: rhsValue, BlockFrom: rhsExit},
		ir.PhiDescriptor{Value: shortValue, BlockFrom: shortBlock},
	)), nil
}

// flagValue compiles an expression and normalizes it to 0/1.
func (g *generator) flagValue(expr ast.Expr) (ir.Binding, error) {
	value, err := g.expression(expr)
	if err != nil {
		return 0, err
	}
	statements := g.code[g.cur].Statements
	if len(statements) > 0 {
		last := statements[len(statements)-1]
		if last.Kind == ir.StatementAssign && last.Index == value && last.Value.Kind == ir.ValueCmp {
			return value, nil
		}
	}
	return g.define(ir.Cmp(asm.NotEquals, value, ir.Const(0))), nil
}

func (g *generator) conditional(node ast.Conditional) (ir.Binding, error) {
	flag, err := g.flagOf(node.Cond)
	if err != nil {
		return 0, err
	}
	condBlock := g.cur

	thenBlock := g.newBlock()
	g.cur = thenBlock
	thenValue, err := g.expression(node.Then)
	if err != nil {
		return 0, err
	}
	thenExit := g.cur

	elseBlock := g.newBlock()
	g.cur = elseBlock
	elseValue, err := g.expression(node.Else)
	if err != nil {
		return 0, err
	}
	elseExit := g.cur

	merge := g.newBlock()
	g.code[condBlock].End = ir.CondBranch(flag, thenBlock, elseBlock)
	g.terminated[condBlock] = true
	g.code[thenExit].End = ir.Branch(merge)
	g.terminated[thenExit] = true
	g.code[elseExit].End = ir.Branch(merge)
	g.terminated[elseExit] = true

	g.cur = merge
	return g.define(ir.Phi(
		ir.PhiDescriptor{Value: thenValue, BlockFrom: thenExit},
		ir.PhiDescriptor{Value: elseValue, BlockFrom: elseExit},
	)), nil
}
