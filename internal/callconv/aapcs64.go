package callconv

import "github.com/orizon-lang/baseco/internal/adaptor"

// AAPCS64 implements the AArch64 procedure-call standard: integer/pointer
// arguments in x0..x7, FP/vector arguments in v0..v7, the indirect-result
// pointer in x8 (spec §8 S4: "argument 0 is the indirect-return pointer
// from the ABI's designated register" — on AAPCS64 that register sits
// outside the eight general argument registers, unlike SysV's sret-via-rdi
// convention), remaining parts on the stack at 8-byte granularity.
type AAPCS64 struct {
	vararg bool

	nextGPR, nextVec int
	stackOff         uint32
	sretUsed         bool
}

func NewAAPCS64(vararg bool) *AAPCS64 { return &AAPCS64{vararg: vararg} }

const (
	aapcsMaxIntArgRegs = 8
	aapcsMaxVecArgRegs = 8
	// aapcsSRetReg is x8's index space, kept distinct from the 0..7 integer
	// argument register indices; internal/backend/arm64 maps it to the
	// physical x8.
	aapcsSRetReg = 8
)

func (c *AAPCS64) Reset() { c.nextGPR, c.nextVec, c.stackOff, c.sretUsed = 0, 0, 0, false }

func (c *AAPCS64) IsVararg() bool    { return c.vararg }
func (c *AAPCS64) StackSize() uint32 { return alignUp(c.stackOff, 16) }

func (c *AAPCS64) AssignArg(cca *CCAssignment) {
	if cca.SRet {
		cca.Reg = aapcsSRetReg
		cca.RegValid = true
		c.sretUsed = true
		return
	}
	c.assign(cca, aapcsMaxIntArgRegs, aapcsMaxVecArgRegs)
}

func (c *AAPCS64) AssignRet(cca *CCAssignment) {
	if cca.SRet {
		// The pointer comes back in x0, per AAPCS64 (§8 S4: "the function's
		// normal return register holds the same pointer").
		cca.Reg, cca.RegValid = 0, true
		return
	}
	c.assign(cca, 2, 4)
}

func (c *AAPCS64) assign(cca *CCAssignment, maxInt, maxVec int) {
	if cca.ByVal {
		cca.StackOff = alignUp(c.stackOff, maxu32(cca.Align, 8))
		c.stackOff = cca.StackOff + alignUp(cca.Size, 8)
		cca.RegValid = false
		return
	}
	if cca.Consecutive > 1 {
		if c.fits(cca, maxInt, maxVec) {
			c.assignReg(cca)
			return
		}
		cca.StackOff = alignUp(c.stackOff, maxu32(cca.Align, 8))
		c.stackOff = cca.StackOff + alignUp(cca.Size, 8)
		cca.RegValid = false
		return
	}
	switch cca.Bank {
	case adaptor.BankGPR:
		if c.nextGPR < maxInt {
			c.assignReg(cca)
			return
		}
	case adaptor.BankVec:
		if c.nextVec < maxVec {
			c.assignReg(cca)
			return
		}
	}
	cca.StackOff = alignUp(c.stackOff, maxu32(cca.Align, 8))
	c.stackOff = cca.StackOff + alignUp(cca.Size, 8)
	cca.RegValid = false
}

func (c *AAPCS64) fits(cca *CCAssignment, maxInt, maxVec int) bool {
	switch cca.Bank {
	case adaptor.BankGPR:
		return c.nextGPR+cca.Consecutive <= maxInt
	case adaptor.BankVec:
		return c.nextVec+cca.Consecutive <= maxVec
	}
	return false
}

func (c *AAPCS64) assignReg(cca *CCAssignment) {
	switch cca.Bank {
	case adaptor.BankGPR:
		cca.Reg = uint32(c.nextGPR)
		c.nextGPR++
	case adaptor.BankVec:
		cca.Reg = uint32(c.nextVec)
		c.nextVec++
	}
	cca.RegValid = true
}
