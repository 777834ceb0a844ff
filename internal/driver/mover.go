package driver

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/assign"
	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/callconv"
)

// mover implements callconv.Mover on top of one function's Manager/Emitter,
// the bridge spec §4.E's CallBuilder/RetBuilder drive (spec §4.F, "lower a
// call instruction").
//
// MoveIntoReg always evicts and reloads through the target register rather
// than special-casing a value already sitting in the right place; this
// backend never tries to be clever about call-argument placement, matching
// its baseline, non-optimizing scope.
type mover struct {
	mgr    *assign.Manager
	emit   backend.Emitter
	target backend.Target

	// outArgsOff is the frame offset of the current call's reserved
	// outgoing stack-argument area, set by Context.ReserveCallArgs.
	outArgsOff uint32

	// heldArgRegs holds every register MoveIntoReg fixed+locked for the
	// call in progress; finishCall releases them once the call
	// instruction itself has been emitted.
	heldArgRegs []assign.ScratchReg
}

func newMover(mgr *assign.Manager, emit backend.Emitter, target backend.Target) *mover {
	return &mover{mgr: mgr, emit: emit, target: target}
}

func (mv *mover) MoveIntoReg(bank adaptor.Bank, abiReg uint32, part assign.ValuePartRef, intExt uint8) {
	target := uint32(mv.target.ArgPhysReg(bank, int(abiReg)))
	scratch := assign.AllocScratchSpecific(mv.mgr, bank, target)
	src := part.Load()
	mv.applyIntoReg(bank, target, src, part.Size(), intExt)
	mv.heldArgRegs = append(mv.heldArgRegs, scratch)
}

func (mv *mover) applyIntoReg(bank adaptor.Bank, target, src, size uint32, intExt uint8) {
	cca := callconv.CCAssignment{IntExt: intExt}
	if signed, fromBits := cca.SignExtend(); fromBits != 0 {
		if src != target {
			mv.emit.Mov(bank, backend.Reg(target), backend.Reg(src), size)
		}
		toBits := size * 8
		if signed {
			mv.emit.SignExtend(backend.Reg(target), backend.Reg(target), uint32(fromBits), toBits)
		} else {
			mv.emit.ZeroExtend(backend.Reg(target), backend.Reg(target), uint32(fromBits), toBits)
		}
		return
	}
	if src != target {
		mv.emit.Mov(bank, backend.Reg(target), backend.Reg(src), size)
	}
}

func (mv *mover) StoreToStack(stackOff uint32, part assign.ValuePartRef, intExt uint8) {
	src := part.Load()
	bank := part.Bank()
	size := part.Size()
	dstOff := -int32(mv.outArgsOff + stackOff)

	cca := callconv.CCAssignment{IntExt: intExt}
	if signed, fromBits := cca.SignExtend(); fromBits != 0 {
		scratch := assign.AllocScratch(mv.mgr, bank)
		tmp := scratch.Reg()
		mv.emit.Mov(bank, backend.Reg(tmp), backend.Reg(src), size)
		toBits := size * 8
		if signed {
			mv.emit.SignExtend(backend.Reg(tmp), backend.Reg(tmp), uint32(fromBits), toBits)
		} else {
			mv.emit.ZeroExtend(backend.Reg(tmp), backend.Reg(tmp), uint32(fromBits), toBits)
		}
		mv.emit.StoreStack(bank, backend.Reg(tmp), dstOff, size)
		scratch.Close(mv.mgr)
		return
	}
	mv.emit.StoreStack(bank, backend.Reg(src), dstOff, size)
}

func (mv *mover) CopyBytes(stackOff uint32, part assign.ValuePartRef, size uint32) {
	srcPtr := part.Load()
	scratch := assign.AllocScratch(mv.mgr, adaptor.BankGPR)
	tmp := scratch.Reg()

	var off uint32
	for chunk := uint32(8); chunk >= 1; chunk >>= 1 {
		for off+chunk <= size {
			mv.emit.LoadMem(adaptor.BankGPR, backend.Reg(tmp), backend.Reg(srcPtr), int32(off), chunk)
			mv.emit.StoreStack(adaptor.BankGPR, backend.Reg(tmp), -int32(mv.outArgsOff+stackOff+off), chunk)
			off += chunk
		}
	}
	scratch.Close(mv.mgr)
}

// EvictCallClobbered spills and frees every used, non-fixed register the
// callee is free to clobber (spec §4.E). Registers MoveIntoReg already
// fixed for this call's own argument placement are skipped, since fixed
// registers are by construction never eviction candidates.
func (mv *mover) EvictCallClobbered() {
	mv.evictBank(adaptor.BankGPR, mv.target.CalleeSavedGPR)
	mv.evictBank(adaptor.BankVec, 0)
}

func (mv *mover) evictBank(bank adaptor.Bank, calleeSavedMask uint32) {
	raw := uint8(bank)
	for _, reg := range mv.mgr.Regs.AllUsed(raw) {
		if mv.mgr.Regs.IsFixed(raw, reg) {
			continue
		}
		if calleeSavedMask&(uint32(1)<<reg) != 0 {
			continue
		}
		localIdx, partIdx := mv.mgr.Regs.Owner(raw, reg)
		a := mv.mgr.Get(localIdx)
		if a == nil {
			continue
		}
		assign.NewValueRef(mv.mgr, a).Part(int(partIdx)).Evict()
	}
}

// MoveFromReg binds part directly to the ABI return register, evicting
// whatever stray occupant (left over from argument placement or an earlier
// return part) is already sitting there.
func (mv *mover) MoveFromReg(bank adaptor.Bank, abiReg uint32, part assign.ValuePartRef) {
	target := uint32(mv.target.RetPhysReg(bank, int(abiReg)))
	if mv.mgr.Regs.IsUsed(uint8(bank), target) {
		s := assign.AllocScratchSpecific(mv.mgr, bank, target)
		s.Close(mv.mgr)
	}
	part.BindRegister(target)
}

// finishCall releases every register MoveIntoReg fixed for this call, once
// the call instruction itself has been emitted and those registers are no
// longer needed (spec §4.F, "lower a call instruction").
func (mv *mover) finishCall() {
	for i := range mv.heldArgRegs {
		mv.heldArgRegs[i].Close(mv.mgr)
	}
	mv.heldArgRegs = mv.heldArgRegs[:0]
}
