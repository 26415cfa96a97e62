package asm

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

// golangAsmRegister maps a RegisterID onto golang-asm's arm64 register
// namespace, which is the single authority for register numbering and
// naming in this package.
func golangAsmRegister(r RegisterID) int16 {
	switch {
	case r.IsGpr():
		return arm64.REG_R0 + int16(r)
	case r == ZeroRegister:
		return arm64.REGZERO
	case r == StackPointer:
		return arm64.REGSP
	default:
		return 0
	}
}

// String implements fmt.Stringer using the assembler's register names (R0,
// ZR, RSP). These are the names that show up in traces and diagnostics; the
// GNU-syntax names used in emitted assembly come from W()/X().
func (r RegisterID) String() string {
	reg := golangAsmRegister(r)
	if reg == 0 {
		return "invalid"
	}
	return obj.Rconv(int(reg))
}
