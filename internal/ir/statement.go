package ir

import (
	"fmt"
	"strings"

	"github.com/tracc-lang/tracc/internal/asm"
)

// StatementKind discriminates Statement.
type StatementKind uint8

const (
	// StatementAssign defines Index once with the result of Value.
	StatementAssign StatementKind = iota
	// StatementStore writes Src into the memory cell named by Mem.
	StatementStore
)

// Statement is one instruction of a basic block.
type Statement struct {
	Kind StatementKind

	// Assign.
	Index Binding
	Value Value

	// Store.
	Mem  Binding
	Src  Binding
	Size ByteSize
}

// Assign builds an assignment statement defining dst.
func Assign(dst Binding, v Value) Statement {
	return Statement{Kind: StatementAssign, Index: dst, Value: v}
}

// Store builds a store of src into the memory cell mem.
func Store(mem, src Binding, size ByteSize) Statement {
	return Statement{Kind: StatementStore, Mem: mem, Src: src, Size: size}
}

// VisitUsedBindings calls f for every binding the statement reads. The
// defined binding of an assignment is not a use and is not visited.
func (s *Statement) VisitUsedBindings(f func(Binding)) {
	switch s.Kind {
	case StatementAssign:
		s.Value.VisitUsedBindings(f)
	case StatementStore:
		f(s.Mem)
		f(s.Src)
	}
}

// String implements fmt.Stringer.
func (s Statement) String() string {
	switch s.Kind {
	case StatementAssign:
		return fmt.Sprintf("%v = %v", s.Index, s.Value)
	case StatementStore:
		return fmt.Sprintf("store %v, %v (%d bytes)", s.Mem, s.Src, s.Size)
	default:
		return "invalid"
	}
}

// ValueKind discriminates Value.
type ValueKind uint8

const (
	ValueConstant ValueKind = iota
	ValueBinding
	ValuePhi
	ValueAllocate
	ValueCall
	ValueCmp
	ValueLoad
	ValueAdd
	ValueSubtract
	ValueMultiply
	ValueDivide
	ValueLsl
	ValueLsr
	ValueAnd
	ValueOr
	ValueXor
	ValueNegate
	ValueFlipBits
)

// PhiDescriptor is one incoming edge of a φ node: the value to take when
// control arrives from BlockFrom.
type PhiDescriptor struct {
	Value     Binding
	BlockFrom BlockBinding
}

// Value is the right-hand side of an assignment.
type Value struct {
	Kind ValueKind

	Const    int64           // ValueConstant
	Src      Binding         // ValueBinding, ValueNegate, ValueFlipBits
	Phi      []PhiDescriptor // ValuePhi
	Size     int             // ValueAllocate
	Callee   string          // ValueCall
	Args     []Binding       // ValueCall
	Cond     asm.Condition   // ValueCmp
	Lhs      Binding         // ValueCmp and binary operations
	Rhs      Operand         // ValueCmp and binary operations
	MemBind  Binding         // ValueLoad
	ByteSize ByteSize        // ValueLoad
}

// Constant builds a constant value.
func Constant(k int64) Value { return Value{Kind: ValueConstant, Const: k} }

// CopyOf builds a value aliasing another binding.
func CopyOf(b Binding) Value { return Value{Kind: ValueBinding, Src: b} }

// Phi builds a φ merge of the given incoming edges.
func Phi(nodes ...PhiDescriptor) Value { return Value{Kind: ValuePhi, Phi: nodes} }

// Allocate builds a stack cell allocation of the given byte size.
func Allocate(size int) Value { return Value{Kind: ValueAllocate, Size: size} }

// Call builds a call to the named function.
func Call(callee string, args ...Binding) Value {
	return Value{Kind: ValueCall, Callee: callee, Args: args}
}

// Cmp builds a comparison producing a 0/1 value (or, when the flag tracker
// claims it, a bare condition-flag carrier).
func Cmp(cond asm.Condition, lhs Binding, rhs Operand) Value {
	return Value{Kind: ValueCmp, Cond: cond, Lhs: lhs, Rhs: rhs}
}

// Load builds a load from the memory cell mem.
func Load(mem Binding, size ByteSize) Value {
	return Value{Kind: ValueLoad, MemBind: mem, ByteSize: size}
}

// Binary builds a two-operand arithmetic value of the given kind.
func Binary(kind ValueKind, lhs Binding, rhs Operand) Value {
	switch kind {
	case ValueAdd, ValueSubtract, ValueMultiply, ValueDivide, ValueLsl, ValueLsr, ValueAnd, ValueOr, ValueXor:
		return Value{Kind: kind, Lhs: lhs, Rhs: rhs}
	default:
		panic(fmt.Sprintf("BUG: %d is not a binary value kind", kind))
	}
}

// Negate builds the arithmetic negation of a binding.
func Negate(b Binding) Value { return Value{Kind: ValueNegate, Src: b} }

// FlipBits builds the bitwise complement of a binding.
func FlipBits(b Binding) Value { return Value{Kind: ValueFlipBits, Src: b} }

// IsBinary returns true for two-operand arithmetic kinds.
func (v *Value) IsBinary() bool {
	switch v.Kind {
	case ValueAdd, ValueSubtract, ValueMultiply, ValueDivide, ValueLsl, ValueLsr, ValueAnd, ValueOr, ValueXor:
		return true
	}
	return false
}

// VisitUsedBindings calls f for every binding the value reads.
func (v *Value) VisitUsedBindings(f func(Binding)) {
	switch v.Kind {
	case ValueConstant, ValueAllocate:
	case ValueBinding, ValueNegate, ValueFlipBits:
		f(v.Src)
	case ValuePhi:
		for _, node := range v.Phi {
			f(node.Value)
		}
	case ValueCall:
		for _, arg := range v.Args {
			f(arg)
		}
	case ValueLoad:
		f(v.MemBind)
	default: // ValueCmp and the binary operations.
		f(v.Lhs)
		if !v.Rhs.IsConstant {
			f(v.Rhs.Binding)
		}
	}
}

var binaryNames = map[ValueKind]string{
	ValueAdd:      "add",
	ValueSubtract: "sub",
	ValueMultiply: "mul",
	ValueDivide:   "div",
	ValueLsl:      "lsl",
	ValueLsr:      "lsr",
	ValueAnd:      "and",
	ValueOr:       "or",
	ValueXor:      "xor",
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.Kind {
	case ValueConstant:
		return fmt.Sprintf("%d", v.Const)
	case ValueBinding:
		return v.Src.String()
	case ValuePhi:
		parts := make([]string, len(v.Phi))
		for i, node := range v.Phi {
			parts[i] = fmt.Sprintf("[%v, %v]", node.Value, node.BlockFrom)
		}
		return "phi " + strings.Join(parts, ", ")
	case ValueAllocate:
		return fmt.Sprintf("allocate {%d bytes}", v.Size)
	case ValueCall:
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("call %s(%s)", v.Callee, strings.Join(args, ", "))
	case ValueCmp:
		return fmt.Sprintf("cmp %v, %v, %v", v.Cond, v.Lhs, v.Rhs)
	case ValueLoad:
		return fmt.Sprintf("load %v (%d bytes)", v.MemBind, v.ByteSize)
	case ValueNegate:
		return fmt.Sprintf("neg %v", v.Src)
	case ValueFlipBits:
		return fmt.Sprintf("flip %v", v.Src)
	default:
		if name, ok := binaryNames[v.Kind]; ok {
			return fmt.Sprintf("%s %v, %v", name, v.Lhs, v.Rhs)
		}
		return "invalid"
	}
}

// Operand is either a binding or an immediate constant, for the positions
// where the ISA accepts both.
type Operand struct {
	IsConstant bool
	Binding    Binding
	Constant   int64
}

// Bind builds a binding operand.
func Bind(b Binding) Operand { return Operand{Binding: b} }

// Const builds an immediate operand.
func Const(k int64) Operand { return Operand{IsConstant: true, Constant: k} }

// String implements fmt.Stringer.
func (o Operand) String() string {
	if o.IsConstant {
		return fmt.Sprintf("%d", o.Constant)
	}
	return o.Binding.String()
}

// BlockEndKind discriminates BlockEnd.
type BlockEndKind uint8

const (
	// EndUnconditional jumps to Target.
	EndUnconditional BlockEndKind = iota
	// EndConditional branches to TargetTrue or TargetFalse depending on the
	// Flag binding.
	EndConditional
	// EndReturn leaves the function with the Returned binding.
	EndReturn
)

// BlockEnd is a basic block terminator.
type BlockEnd struct {
	Kind BlockEndKind

	Target BlockBinding // EndUnconditional

	Flag        Binding      // EndConditional
	TargetTrue  BlockBinding // EndConditional
	TargetFalse BlockBinding // EndConditional

	Returned Binding // EndReturn
}

// Branch builds an unconditional terminator.
func Branch(target BlockBinding) BlockEnd {
	return BlockEnd{Kind: EndUnconditional, Target: target}
}

// CondBranch builds a conditional terminator on the given flag binding.
func CondBranch(flag Binding, targetTrue, targetFalse BlockBinding) BlockEnd {
	return BlockEnd{Kind: EndConditional, Flag: flag, TargetTrue: targetTrue, TargetFalse: targetFalse}
}

// Return builds a returning terminator.
func Return(b Binding) BlockEnd {
	return BlockEnd{Kind: EndReturn, Returned: b}
}

// String implements fmt.Stringer.
func (e BlockEnd) String() string {
	switch e.Kind {
	case EndUnconditional:
		return fmt.Sprintf("br %v", e.Target)
	case EndConditional:
		return fmt.Sprintf("br-cond %v, %v, %v", e.Flag, e.TargetTrue, e.TargetFalse)
	case EndReturn:
		return fmt.Sprintf("ret %v", e.Returned)
	default:
		return "invalid"
	}
}
