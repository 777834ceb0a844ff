package callconv

import "github.com/orizon-lang/baseco/internal/adaptor"

// SysVAMD64 implements the x86-64 SysV calling convention: integer/pointer
// arguments in rdi, rsi, rdx, rcx, r8, r9 (reported here as GPR indices
// 0..5, which internal/backend/amd64 maps to the real physical registers),
// SSE arguments in xmm0..xmm7, remaining parts on the stack at 8-byte
// granularity, 16-byte aligned overall.
type SysVAMD64 struct {
	vararg bool

	nextGPR, nextVec int
	stackOff         uint32
}

// NewSysVAMD64 builds the assigner; vararg functions still use the same
// register set for fixed arguments (the AL-count-of-vector-args convention
// lives in the backend's call-sequence emission, not here).
func NewSysVAMD64(vararg bool) *SysVAMD64 { return &SysVAMD64{vararg: vararg} }

const (
	sysvMaxIntArgRegs = 6
	sysvMaxVecArgRegs = 8
)

func (c *SysVAMD64) Reset() {
	c.nextGPR, c.nextVec, c.stackOff = 0, 0, 0
}

func (c *SysVAMD64) IsVararg() bool   { return c.vararg }
func (c *SysVAMD64) StackSize() uint32 { return alignUp(c.stackOff, 16) }

func (c *SysVAMD64) AssignArg(cca *CCAssignment) {
	c.assign(cca, sysvMaxIntArgRegs, sysvMaxVecArgRegs)
}

func (c *SysVAMD64) AssignRet(cca *CCAssignment) {
	// Returns use the same register classes, just rax/rdx (2 int) and
	// xmm0/xmm1 (2 vec) in the real backend mapping; the assigner only
	// needs to cap how many logical parts can be returned in registers.
	c.assign(cca, 2, 2)
}

func (c *SysVAMD64) assign(cca *CCAssignment, maxInt, maxVec int) {
	if cca.ByVal {
		cca.StackOff = alignUp(c.stackOff, maxu32(cca.Align, 8))
		c.stackOff = cca.StackOff + alignUp(cca.Size, 8)
		cca.RegValid = false
		return
	}

	if cca.Consecutive > 1 {
		if c.fitsConsecutive(cca, maxInt, maxVec) {
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

func (c *SysVAMD64) fitsConsecutive(cca *CCAssignment, maxInt, maxVec int) bool {
	switch cca.Bank {
	case adaptor.BankGPR:
		return c.nextGPR+cca.Consecutive <= maxInt
	case adaptor.BankVec:
		return c.nextVec+cca.Consecutive <= maxVec
	}
	return false
}

func (c *SysVAMD64) assignReg(cca *CCAssignment) {
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

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
