package callconv

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/assign"
)

// Mover is the narrow backend surface CallBuilder and RetBuilder drive
// (spec §4.E): moving a value part into an ABI register or the outgoing
// stack area, and evicting registers the callee is free to clobber.
type Mover interface {
	// MoveIntoReg moves part into the physical register the backend maps
	// abiReg to, evicting or salvaging first, then applying int_ext.
	MoveIntoReg(bank adaptor.Bank, abiReg uint32, part assign.ValuePartRef, intExt uint8)
	// StoreToStack materialises part (with extension applied) at stackOff
	// in the outgoing argument area.
	StoreToStack(stackOff uint32, part assign.ValuePartRef, intExt uint8)
	// CopyBytes copies a byval argument's size bytes from part's address to
	// stackOff.
	CopyBytes(stackOff uint32, part assign.ValuePartRef, size uint32)
	// EvictCallClobbered evicts every currently used, non-fixed register
	// the callee is free to clobber, before the call instruction is
	// emitted.
	EvictCallClobbered()
	// MoveFromReg is RetBuilder's symmetric counterpart: moves the ABI
	// return register into part's assignment.
	MoveFromReg(bank adaptor.Bank, abiReg uint32, part assign.ValuePartRef)
}

// CallArg pairs one logical call argument with the CC metadata describing
// how it is classified.
type CallArg struct {
	CCA  CCAssignment
	Part assign.ValuePartRef
}

// CallBuilder walks a call's argument list, consults a CallingConvention,
// and drives a Mover to place every argument (spec §4.E, "CallBuilder").
type CallBuilder struct {
	CC    CallingConvention
	Mover Mover
}

// Build assigns and places every argument, then evicts callee-clobbered
// registers still held by the caller, in that order (spec §4.E).
func (b *CallBuilder) Build(args []CallArg) {
	b.CC.Reset()
	for i := range args {
		a := &args[i]
		b.CC.AssignArg(&a.CCA)
	}
	for _, a := range args {
		switch {
		case a.CCA.ByVal:
			b.Mover.CopyBytes(a.CCA.StackOff, a.Part, a.CCA.Size)
		case a.CCA.RegValid:
			b.Mover.MoveIntoReg(a.CCA.Bank, a.CCA.Reg, a.Part, a.CCA.IntExt)
		default:
			b.Mover.StoreToStack(a.CCA.StackOff, a.Part, a.CCA.IntExt)
		}
	}
	b.Mover.EvictCallClobbered()
}

// RetBuilder symmetrically moves return values into ABI-designated
// registers (spec §4.E, "RetBuilder").
type RetBuilder struct {
	CC    CallingConvention
	Mover Mover
}

// RetValue pairs one logical return part with its CC classification.
type RetValue struct {
	CCA  CCAssignment
	Part assign.ValuePartRef
}

// Build assigns and moves every return value into place. The caller
// invokes the backend's epilogue emission afterwards.
func (b *RetBuilder) Build(rets []RetValue) {
	b.CC.Reset()
	for i := range rets {
		r := &rets[i]
		b.CC.AssignRet(&r.CCA)
	}
	for _, r := range rets {
		if r.CCA.RegValid {
			b.Mover.MoveFromReg(r.CCA.Bank, r.CCA.Reg, r.Part)
		}
	}
}
