// Package backend implements spec §4.G: per-architecture machine code
// emission built on github.com/twitchyliquid64/golang-asm, the byte-level
// instruction encoder this module treats as an external collaborator (the
// driver never encodes opcodes itself).
package backend

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/callconv"
	"github.com/orizon-lang/baseco/internal/elfobj"
)

// Arch names a supported target architecture.
type Arch uint8

const (
	AMD64 Arch = iota
	ARM64
)

// Reg is a raw, architecture-specific physical register index as assigned
// by internal/regfile (0-based within each bank).
type Reg uint32

// Label is a not-yet-placed jump target inside the function being emitted.
type Label uint32

// Cond is an architecture-neutral comparison kind used by both Cmp/SetCC
// (materialise into a register) and CondJump (fused compare-and-branch,
// spec's InstFused path).
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondULT
	CondULE
	CondUGT
	CondUGE
)

// BinOp names an architecture-neutral two-operand arithmetic/logic op.
type BinOp uint8

const (
	OpAdd BinOp = iota
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
)

// Target bundles everything about one compilation target that is fixed for
// the lifetime of a compiler instance (spec §4.H): architecture, stack
// growth direction, pointer size, register-bank fixed-assignment quotas,
// and the calling convention to use.
type Target struct {
	Arch           Arch
	PointerSize    uint32
	StackGrowsDown bool
	NumFixedGPR    uint32
	NumFixedVec    uint32
	NewCC          func(vararg bool) callconv.CallingConvention

	// CalleeSavedGPR is the bitmask, in the architecture's Reg index space,
	// of general-purpose registers the ABI requires a callee to preserve.
	// Vector registers are treated as entirely caller-saved by this baseline
	// backend (true for SysV's xmm0-15; a simplification for AAPCS64, whose
	// v8-v15 are technically callee-saved but whose low 64 bits only need
	// preserving — omitted here since this backend never allocates a value
	// across a call without spilling it through the ordinary evict path
	// first).
	CalleeSavedGPR uint32

	// AllocatableGPR/AllocatableVec are the registers internal/driver's
	// register file treats as available to the allocator; the frame-pointer
	// pair and stack pointer are excluded.
	AllocatableGPR uint32
	AllocatableVec uint32

	// ArgPhysReg/RetPhysReg translate a callconv.CCAssignment's logical
	// register index (0-based within its bank, assigned in ABI argument or
	// return order) into the physical Reg internal/driver's register file
	// and Emitter speak. Argument and return classes use different
	// physical registers on amd64 (rdi.. vs rax/rdx), so the two need
	// separate translations even though both are identity maps on arm64.
	ArgPhysReg func(bank adaptor.Bank, idx int) Reg
	RetPhysReg func(bank adaptor.Bank, idx int) Reg
}

func AMD64Target() Target {
	return Target{
		Arch: AMD64, PointerSize: 8, StackGrowsDown: true,
		NumFixedGPR: 2, NumFixedVec: 0,
		NewCC: func(vararg bool) callconv.CallingConvention { return callconv.NewSysVAMD64(vararg) },
		// rbx(3), r12-r15(12-15); rbp(6)/rsp(7) are excluded from allocation
		// entirely, not just from the callee-saved set.
		CalleeSavedGPR: 1<<3 | 1<<12 | 1<<13 | 1<<14 | 1<<15,
		AllocatableGPR: 0xFFFF &^ (1<<6) &^ (1<<7),
		AllocatableVec: 0xFFFF,
		ArgPhysReg: func(bank adaptor.Bank, idx int) Reg {
			if bank == adaptor.BankVec {
				return AMD64VecArgPhysReg(idx)
			}
			return AMD64IntArgPhysReg(idx)
		},
		// rax/rdx sit at indices 0/1 of amd64GPR itself, and xmm0/xmm1 at
		// indices 0/1 of amd64Vec, so the return-register translation is
		// just the identity on this Reg space.
		RetPhysReg: func(_ adaptor.Bank, idx int) Reg { return Reg(idx) },
	}
}

func ARM64TargetCfg() Target {
	var calleeSaved uint32
	for i := 19; i <= 28; i++ {
		calleeSaved |= 1 << uint(i)
	}
	return Target{
		Arch: ARM64, PointerSize: 8, StackGrowsDown: true,
		NumFixedGPR: 2, NumFixedVec: 0,
		NewCC: func(vararg bool) callconv.CallingConvention { return callconv.NewAAPCS64(vararg) },
		// x19-x28; x29(FP)/x30(LR)/sp are excluded from allocation entirely.
		CalleeSavedGPR: calleeSaved,
		AllocatableGPR: (uint32(1)<<31 - 1) &^ (1 << 29) &^ (1 << 30),
		AllocatableVec: 0xFFFFFFFF,
		ArgPhysReg: func(bank adaptor.Bank, idx int) Reg {
			if bank == adaptor.BankVec {
				return ARM64VecArgPhysReg(idx)
			}
			return ARM64IntArgPhysReg(idx)
		},
		RetPhysReg: func(bank adaptor.Bank, idx int) Reg {
			if bank == adaptor.BankVec {
				return ARM64VecArgPhysReg(idx)
			}
			return ARM64IntArgPhysReg(idx)
		},
	}
}

// Emitter is the per-function machine code emission surface the driver
// drives (spec §4.G). One Emitter compiles exactly one function's body.
type Emitter interface {
	NewLabel() Label
	BindLabel(l Label)

	// Mov copies a value between two physical registers of the same bank,
	// widthBytes wide.
	Mov(bank adaptor.Bank, dst, src Reg, widthBytes uint32)
	LoadImm64(dst Reg, v uint64)
	// LoadStack/StoreStack spill/reload a register to/from a stack-frame
	// byte offset (relative to the frame base, sign per Target.StackGrowsDown).
	LoadStack(bank adaptor.Bank, dst Reg, frameOff int32, widthBytes uint32)
	StoreStack(bank adaptor.Bank, src Reg, frameOff int32, widthBytes uint32)
	// LoadFrameAddr materialises the address of a stack slot into dst.
	LoadFrameAddr(dst Reg, frameOff int32)
	// LoadMem/StoreMem access memory through a pointer held in a register
	// (base) plus a constant displacement, the general form the IR's own
	// load/store instructions and byval argument copies lower to, as
	// opposed to LoadStack/StoreStack's implicit frame-base addressing.
	LoadMem(bank adaptor.Bank, dst, base Reg, offset int32, widthBytes uint32)
	StoreMem(bank adaptor.Bank, src, base Reg, offset int32, widthBytes uint32)

	SignExtend(dst, src Reg, fromBits, toBits uint32)
	ZeroExtend(dst, src Reg, fromBits, toBits uint32)

	BinOp(op BinOp, bank adaptor.Bank, dst, lhs, rhs Reg, widthBytes uint32)
	// Cmp compares lhs and rhs and sets dst to 0/1 (unfused path).
	Cmp(cond Cond, dst, lhs, rhs Reg, widthBytes uint32)
	// CondJump compares lhs/rhs and branches to target if cond holds, the
	// fused compare-and-branch path (adaptor.InstFused).
	CondJump(cond Cond, lhs, rhs Reg, widthBytes uint32, target Label)
	Jump(target Label)

	// CallDirect/CallIndirect emit a call sequence; the CallBuilder/
	// RetBuilder in internal/callconv have already placed arguments/return
	// values before these run.
	CallDirect(sym elfobj.SymRef)
	CallIndirect(target Reg)
	Ret()

	// Prologue/Epilogue emit the function's frame setup/teardown with CFI
	// directives recorded against fde (spec §4.G: "CFI directives via
	// §4.A").
	Prologue(fde *elfobj.FDE, frameSize uint32, calleeSaved []Reg, bank adaptor.Bank)
	Epilogue(fde *elfobj.FDE, frameSize uint32, calleeSaved []Reg, bank adaptor.Bank)

	// Mark records the current emission point and returns an opaque handle;
	// golang-asm only assigns real program counters once Assemble runs
	// (Finish), so the handle resolves to a byte offset lazily via the
	// Resolve function Finish returns.
	Mark() Marker

	// Finish assembles the accumulated instructions, appends them to
	// .text via asm, defines funcSym at the resulting offset/size, applies
	// every CFI directive recorded through Prologue/Epilogue against fde at
	// its now-known offset, and returns the function's byte length plus a
	// Resolve closure for any Markers the caller took (e.g. call-site
	// start/end offsets for except_encode_func).
	Finish(asm *elfobj.Assembler, funcSym elfobj.SymRef, fde *elfobj.FDE) (size uint64, resolve func(Marker) uint32, err error)
}

// Marker is an opaque emission-point handle; only internal/backend
// implementations construct and resolve them.
type Marker uint32

// NewEmitter constructs the concrete Emitter for target.Arch.
func NewEmitter(target Target) Emitter {
	switch target.Arch {
	case ARM64:
		return newARM64Emitter()
	default:
		return newAMD64Emitter()
	}
}
