// Package codegen lowers the IR to AArch64 assembly text, honoring the
// contract of the allocator's CodegenHints: callee-saved registers are
// saved around the body, call results move out of r0 when the allocator
// says so, flag carriers ride the CPU flags, and zero constants read the
// zero register.
package codegen

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tracc-lang/tracc/internal/asm"
	"github.com/tracc-lang/tracc/internal/ir"
	"github.com/tracc-lang/tracc/internal/regalloc"
)

// Emit renders the whole program. Spills are identified by the allocator
// but not yet lowered here; a program that needs them is rejected.
func Emit(input *ir.IR, hints *regalloc.CodegenHints) (string, error) {
	if spilled := ir.SortedBindings(hints.CompletelySpilled); len(spilled) > 0 {
		return "", errors.Errorf("spill lowering is not implemented: %v", spilled)
	}
	if saves := ir.SortedBindings(hints.SaveUponCall); len(saves) > 0 {
		return "", errors.Errorf("save-around-call lowering is not implemented: %v", saves)
	}

	e := &emitter{input: input, hints: hints}
	e.raw("\t.text")
	for fn := range input.FunctionEntrypoints {
		if err := e.function(fn); err != nil {
			return "", errors.Wrapf(err, "emitting function %q", input.FunctionNames[fn])
		}
	}
	return e.out.String(), nil
}

type emitter struct {
	input *ir.IR
	hints *regalloc.CodegenHints
	out   strings.Builder

	// Per function state.
	fn          int
	cellOffsets map[ir.Binding]int
	frameSize   int
	savesBase   int
	hasCalls    bool
}

func (e *emitter) raw(line string) {
	e.out.WriteString(line)
	e.out.WriteByte('\n')
}

func (e *emitter) op(format string, args ...interface{}) {
	e.out.WriteByte('\t')
	fmt.Fprintf(&e.out, format, args...)
	e.out.WriteByte('\n')
}

// span returns the block range of a function under the contiguous layout.
func (e *emitter) span(fn int) (ir.BlockBinding, ir.BlockBinding) {
	first := e.input.FunctionEntrypoints[fn]
	last := ir.BlockBinding(len(e.input.Code) - 1)
	if fn+1 < len(e.input.FunctionEntrypoints) {
		last = e.input.FunctionEntrypoints[fn+1] - 1
	}
	return first, last
}

func (e *emitter) regOf(b ir.Binding) (asm.RegisterID, error) {
	reg, ok := e.hints.Registers[b]
	if !ok {
		return 0, errors.Errorf("binding %v was never allocated but needs a register", b)
	}
	if reg == asm.StackPointer {
		if _, isCell := e.cellOffsets[b]; !isCell {
			return 0, errors.Errorf("binding %v is spilled; spill lowering is not implemented", b)
		}
		return 0, errors.Errorf("memory cell %v used where a register value is needed", b)
	}
	return reg, nil
}

const wordSize = int(ir.U32)

func (e *emitter) function(fn int) error {
	e.fn = fn
	first, last := e.span(fn)

	// Frame layout: the Allocate cells first, then the callee-saved
	// spill area, the whole thing 16-byte aligned.
	e.cellOffsets = map[ir.Binding]int{}
	cells := 0
	e.hasCalls = false
	for b := first; b <= last; b++ {
		for _, stmt := range e.input.Code[b].Statements {
			if stmt.Kind != ir.StatementAssign {
				continue
			}
			switch stmt.Value.Kind {
			case ir.ValueAllocate:
				e.cellOffsets[stmt.Index] = cells
				size := stmt.Value.Size
				if size < wordSize {
					size = wordSize
				}
				cells += size
			case ir.ValueCall:
				e.hasCalls = true
			}
		}
	}
	e.savesBase = align(cells, 8)
	saved := e.hints.CalleeSavedPerFunction[fn]
	e.frameSize = align(e.savesBase+8*len(saved), 16)

	name := e.input.FunctionNames[fn]
	e.raw("")
	e.op(".globl %s", name)
	e.raw(name + ":")
	if e.hasCalls {
		e.op("stp x29, x30, [sp, #-16]!")
		e.op("mov x29, sp")
	}
	if e.frameSize > 0 {
		e.op("sub sp, sp, #%d", e.frameSize)
	}
	for i, reg := range saved {
		e.op("str %s, [sp, #%d]", reg.X(), e.savesBase+8*i)
	}

	for b := first; b <= last; b++ {
		if b != first {
			e.raw(e.label(b) + ":")
		}
		block := &e.input.Code[b]
		for i := range block.Statements {
			if err := e.statement(&block.Statements[i]); err != nil {
				return errors.Wrapf(err, "in %v", b)
			}
		}
		if err := e.terminator(b); err != nil {
			return errors.Wrapf(err, "in %v", b)
		}
	}
	return nil
}

func (e *emitter) label(b ir.BlockBinding) string {
	return fmt.Sprintf(".LBB%d", int(b))
}

// epilogue tears the frame down; emitted before every ret.
func (e *emitter) epilogue() {
	saved := e.hints.CalleeSavedPerFunction[e.fn]
	for i, reg := range saved {
		e.op("ldr %s, [sp, #%d]", reg.X(), e.savesBase+8*i)
	}
	if e.frameSize > 0 {
		e.op("add sp, sp, #%d", e.frameSize)
	}
	if e.hasCalls {
		e.op("ldp x29, x30, [sp], #16")
	}
	e.op("ret")
}

func (e *emitter) statement(stmt *ir.Statement) error {
	if stmt.Kind == ir.StatementStore {
		offset, ok := e.cellOffsets[stmt.Mem]
		if !ok {
			return errors.Errorf("store into %v, which is not a stack cell", stmt.Mem)
		}
		src, err := e.regOf(stmt.Src)
		if err != nil {
			return err
		}
		e.op("str %s, [sp, #%d]", src.W(), offset)
		return nil
	}

	dst := stmt.Index
	value := &stmt.Value

	// Flag carriers live in the CPU flags: the cmp below is all they need.
	if _, carriesFlag := e.hints.StoresCondition[dst]; carriesFlag {
		if value.Kind != ir.ValueCmp {
			return errors.Errorf("flag carrier %v is not defined by a comparison", dst)
		}
		return e.compare(value)
	}

	switch value.Kind {
	case ir.ValueAllocate, ir.ValuePhi:
		// Cells are sp offsets; φ destinations share their operands'
		// register by construction. Neither emits code.
		return nil
	case ir.ValueConstant:
		reg, err := e.regOf(dst)
		if err != nil {
			return err
		}
		if reg == asm.ZeroRegister {
			// Zero already reads as zero; the load is elided.
			return nil
		}
		e.op("mov %s, #%d", reg.W(), value.Const)
		return nil
	case ir.ValueBinding:
		return e.move(dst, value.Src)
	case ir.ValueCall:
		return e.call(dst, value)
	case ir.ValueCmp:
		if err := e.compare(value); err != nil {
			return err
		}
		reg, err := e.regOf(dst)
		if err != nil {
			return err
		}
		e.op("cset %s, %v", reg.W(), value.Cond)
		return nil
	case ir.ValueLoad:
		offset, ok := e.cellOffsets[value.MemBind]
		if !ok {
			return errors.Errorf("load from %v, which is not a stack cell", value.MemBind)
		}
		reg, err := e.regOf(dst)
		if err != nil {
			return err
		}
		e.op("ldr %s, [sp, #%d]", reg.W(), offset)
		return nil
	case ir.ValueNegate, ir.ValueFlipBits:
		reg, err := e.regOf(dst)
		if err != nil {
			return err
		}
		src, err := e.regOf(value.Src)
		if err != nil {
			return err
		}
		mnemonic := "neg"
		if value.Kind == ir.ValueFlipBits {
			mnemonic = "mvn"
		}
		e.op("%s %s, %s", mnemonic, reg.W(), src.W())
		return nil
	default:
		return e.binary(dst, value)
	}
}

func (e *emitter) move(dst, src ir.Binding) error {
	dstReg, err := e.regOf(dst)
	if err != nil {
		return err
	}
	srcReg, err := e.regOf(src)
	if err != nil {
		return err
	}
	if dstReg != srcReg {
		e.op("mov %s, %s", dstReg.W(), srcReg.W())
	}
	return nil
}

func (e *emitter) call(dst ir.Binding, value *ir.Value) error {
	if len(value.Args) > 8 {
		return errors.Errorf("call to %q passes %d arguments; only 8 fit in registers", value.Callee, len(value.Args))
	}
	for i, arg := range value.Args {
		reg, err := e.regOf(arg)
		if err != nil {
			return err
		}
		if reg != asm.Gpr(uint8(i)) {
			e.op("mov w%d, %s", i, reg.W())
		}
	}
	e.op("bl %s", value.Callee)
	reg, err := e.regOf(dst)
	if err != nil {
		return err
	}
	if reg != asm.Gpr(0) {
		// The result cannot stay in r0 (it is live across another call);
		// the allocator recorded the move in NeedMoveFromR0.
		e.op("mov %s, w0", reg.W())
	}
	return nil
}

var binaryMnemonics = map[ir.ValueKind]string{
	ir.ValueAdd:      "add",
	ir.ValueSubtract: "sub",
	ir.ValueMultiply: "mul",
	ir.ValueDivide:   "sdiv",
	ir.ValueLsl:      "lsl",
	ir.ValueLsr:      "lsr",
	ir.ValueAnd:      "and",
	ir.ValueOr:       "orr",
	ir.ValueXor:      "eor",
}

// immediateOperand reports whether the instruction accepts an immediate in
// its second source position.
func immediateOperand(kind ir.ValueKind) bool {
	switch kind {
	case ir.ValueMultiply, ir.ValueDivide:
		return false
	}
	return true
}

func (e *emitter) binary(dst ir.Binding, value *ir.Value) error {
	mnemonic, ok := binaryMnemonics[value.Kind]
	if !ok {
		return errors.Errorf("cannot emit value %v", *value)
	}
	reg, err := e.regOf(dst)
	if err != nil {
		return err
	}
	lhs, err := e.regOf(value.Lhs)
	if err != nil {
		return err
	}
	if value.Rhs.IsConstant {
		if immediateOperand(value.Kind) {
			e.op("%s %s, %s, #%d", mnemonic, reg.W(), lhs.W(), value.Rhs.Constant)
			return nil
		}
		// mul/sdiv take registers only. The destination is free as a
		// scratch: operands outlive the defining statement, so the
		// allocator never aliases it with either source.
		e.op("mov %s, #%d", reg.W(), value.Rhs.Constant)
		e.op("%s %s, %s, %s", mnemonic, reg.W(), lhs.W(), reg.W())
		return nil
	}
	rhs, err := e.regOf(value.Rhs.Binding)
	if err != nil {
		return err
	}
	e.op("%s %s, %s, %s", mnemonic, reg.W(), lhs.W(), rhs.W())
	return nil
}

func (e *emitter) compare(value *ir.Value) error {
	lhs, err := e.regOf(value.Lhs)
	if err != nil {
		return err
	}
	if value.Rhs.IsConstant {
		e.op("cmp %s, #%d", lhs.W(), value.Rhs.Constant)
		return nil
	}
	rhs, err := e.regOf(value.Rhs.Binding)
	if err != nil {
		return err
	}
	e.op("cmp %s, %s", lhs.W(), rhs.W())
	return nil
}

func (e *emitter) terminator(b ir.BlockBinding) error {
	switch end := e.input.Code[b].End; end.Kind {
	case ir.EndUnconditional:
		if end.Target != b+1 {
			e.op("b %s", e.label(end.Target))
		}
		return nil
	case ir.EndConditional:
		if cond, carriesFlag := e.hints.StoresCondition[end.Flag]; carriesFlag {
			// The cmp just before this terminator left the flags live.
			e.op("b.%v %s", cond, e.label(end.TargetTrue))
		} else {
			reg, err := e.regOf(end.Flag)
			if err != nil {
				return err
			}
			e.op("cbnz %s, %s", reg.W(), e.label(end.TargetTrue))
		}
		if end.TargetFalse != b+1 {
			e.op("b %s", e.label(end.TargetFalse))
		}
		return nil
	case ir.EndReturn:
		reg, err := e.regOf(end.Returned)
		if err != nil {
			return err
		}
		switch reg {
		case asm.Gpr(0):
		case asm.ZeroRegister:
			e.op("mov w0, wzr")
		default:
			e.op("mov w0, %s", reg.W())
		}
		e.epilogue()
		return nil
	default:
		return errors.Errorf("block %v has no terminator", b)
	}
}

func align(n, to int) int {
	return (n + to - 1) / to * to
}
