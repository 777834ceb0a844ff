// Package callconv implements the calling-convention abstraction of spec
// §4.E: a per-ABI CCAssignment walker plus CallBuilder/RetBuilder helpers
// that move argument and return values between the value model (internal
// /assign) and ABI-designated locations.
package callconv

import "github.com/orizon-lang/baseco/internal/adaptor"

// IntExt bit layout (spec §4.E): bit 7 is the sign bit, bits 0-5 the source
// width in bits that must be extended from.
const (
	IntExtSignBit   = 0x80
	IntExtWidthMask = 0x3f
)

// CCAssignment describes one logical argument or return part to be placed
// by a CallingConvention (spec §4.E).
type CCAssignment struct {
	Bank  adaptor.Bank
	Size  uint32
	Align uint32
	IntExt uint8

	// Consecutive, when > 0, forces this part and the next Consecutive-1
	// parts into contiguous registers, or — if they do not all fit — onto
	// the stack entirely (no register used for any of them).
	Consecutive int

	// SRet marks this argument as the indirect-return pointer.
	SRet bool
	// ByVal marks a pointer-passed-by-copy argument; Size is the number of
	// bytes copied onto the stack.
	ByVal bool

	// Filled in by AssignArg/AssignRet:
	Reg      uint32
	RegValid bool
	StackOff uint32
}

// CallingConvention is the abstract per-ABI assigner interface (spec §4.E).
type CallingConvention interface {
	Reset()
	AssignArg(cca *CCAssignment)
	AssignRet(cca *CCAssignment)
	StackSize() uint32
	IsVararg() bool
}

// SignExtend reports whether IntExt requests sign- (true) or zero- (false)
// extension, and from how many bits.
func (c *CCAssignment) SignExtend() (signed bool, fromBits int) {
	return c.IntExt&IntExtSignBit != 0, int(c.IntExt & IntExtWidthMask)
}
