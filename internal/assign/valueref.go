package assign

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
)

// ValueRef is a reference-counted handle to an Assignment (spec §4.D).
// Go has no destructors, so release is explicit: callers must call
// Release exactly once, normally via defer, mirroring the teacher's own
// explicit-cleanup emitter helpers rather than attempting an RAII imitation
// that would fight the language.
type ValueRef struct {
	mgr *Manager
	a   *Assignment
}

// NewValueRef wraps an already-created Assignment; it does not itself touch
// the reference count (the Assignment's initial ReferencesLeft already
// accounts for every operand occurrence plus the implicit definition ref).
func NewValueRef(mgr *Manager, a *Assignment) ValueRef { return ValueRef{mgr: mgr, a: a} }

// Assignment exposes the underlying record for components (callconv,
// driver) that need direct field access.
func (v ValueRef) Assignment() *Assignment { return v.a }

// Release decrements references_left, freeing (or delay-queueing) the
// assignment on reaching zero.
func (v ValueRef) Release() { v.mgr.Release(v.a) }

// Part returns a ValuePartRef over part index i of this value.
func (v ValueRef) Part(i int) ValuePartRef {
	return ValuePartRef{mgr: v.mgr, a: v.a, idx: i}
}

// ValuePartRef references one part of an assignment and knows how to bring
// it into a register, spill it, and whether it may be salvaged (its
// register taken over directly) by a consumer instead of being copied.
type ValuePartRef struct {
	mgr *Manager
	a   *Assignment
	idx int
}

func (r ValuePartRef) part() *Part { return &r.a.Parts[r.idx] }

// Bank returns the register bank this part lives in.
func (r ValuePartRef) Bank() adaptor.Bank { return r.part().Bank }

// Size returns the part's size in bytes.
func (r ValuePartRef) Size() uint32 { return r.part().Size }

// Salvageable reports whether this part's register may be taken over by a
// write (rather than copied into a fresh register): true when this is the
// last remaining reference and the register is not a fixed assignment.
func (r ValuePartRef) Salvageable() bool {
	p := r.part()
	return r.a.ReferencesLeft == 1 && p.RegisterValid && !p.FixedAssignment
}

// Load ensures the part is materialised in a register and returns it,
// reloading from the spill slot, recomputing a stack-variable address, or
// calling back into the target for a custom variable reference as needed
// (spec §4.D, "reload_to_reg").
func (r ValuePartRef) Load() uint32 {
	p := r.part()
	if p.RegisterValid {
		return p.Register
	}
	reg := SelectRegEvict(r.mgr, p.Bank, 0)
	r.mgr.Regs.MarkUsed(adaptorBankToRaw(p.Bank), reg, r.a.LocalIdx, uint8(r.idx))
	p.Register = reg
	p.RegisterValid = true

	switch {
	case r.a.StackVariable:
		r.mgr.Hooks.LoadAddressOfStackVar(p.Bank, reg, r.a.FrameOff)
		p.StackValid = true
	case r.a.VariableRef:
		r.mgr.Hooks.ReloadVariableRef(p.Bank, reg, r.a.LocalIdx)
	default:
		r.mgr.Hooks.LoadFromStack(p.Bank, reg, r.a.FrameOff+p.PartOffset, p.Size)
	}
	return reg
}

// BindRegister claims reg directly for this part with no copy, for values
// that already arrive in a specific physical register and need no move to
// get there: an incoming ABI argument bound during the prologue, or a call's
// return value taken over from its ABI register (spec §4.F step 4, "binds
// each argument to a register... initialising the corresponding
// Assignment"). reg must not already be in use.
func (r ValuePartRef) BindRegister(reg uint32) {
	p := r.part()
	if p.RegisterValid {
		panic("assign: bind_register on a part that already has a register")
	}
	r.mgr.Regs.MarkUsed(adaptorBankToRaw(p.Bank), reg, r.a.LocalIdx, uint8(r.idx))
	p.Register = reg
	p.RegisterValid = true
	p.Modified = true
}

// Spill is a no-op if the part is already stack-valid or a variable ref;
// otherwise it allocates a slot if needed and stores the register's bytes
// (spec §4.D, "Spill discipline").
func (r ValuePartRef) Spill() {
	p := r.part()
	if p.StackValid || r.a.VariableRef {
		return
	}
	if r.a.FrameOff == 0 {
		r.a.FrameOff = r.mgr.Stack.Allocate(r.a.MaxPartSize)
	}
	r.mgr.Hooks.SpillReg(p.Bank, p.Register, r.a.FrameOff+p.PartOffset, p.Size)
	p.StackValid = true
	p.Modified = false
}

// Evict spills then frees the register (spec §4.D, "evict").
func (r ValuePartRef) Evict() {
	p := r.part()
	if !p.RegisterValid {
		return
	}
	r.Spill()
	r.mgr.Regs.UnmarkUsed(adaptorBankToRaw(p.Bank), p.Register)
	p.RegisterValid = false
}

// FreeReg frees the register without spilling; it asserts the part is not
// modified (its last write must already be reflected on the stack) unless
// it is a variable ref, which owns no mutable register state to lose.
func (r ValuePartRef) FreeReg() {
	p := r.part()
	if !p.RegisterValid {
		return
	}
	if p.Modified && !r.a.VariableRef {
		panic("assign: free_reg on modified, unspilled part")
	}
	r.mgr.Regs.UnmarkUsed(adaptorBankToRaw(p.Bank), p.Register)
	p.RegisterValid = false
}

// MarkModified records that the register holds bytes not yet reflected on
// the stack, clearing StackValid.
func (r ValuePartRef) MarkModified() {
	p := r.part()
	p.Modified = true
	p.StackValid = false
}

// ScratchReg is an RAII-style (but explicitly released) wrapper owning a
// fixed, locked register for a temporary that is not tied to any SSA
// value (spec §4.D).
type ScratchReg struct {
	bank  adaptor.Bank
	reg   uint32
	valid bool
}

// AllocScratch selects a free or evictable register in bank, fixes and
// locks it, and returns the wrapper. Construction never allocates before
// this call, matching the spec's "constructor does not allocate" note.
func AllocScratch(mgr *Manager, bank adaptor.Bank) ScratchReg {
	reg := SelectRegEvict(mgr, bank, 0)
	return lockScratch(mgr, bank, reg)
}

// AllocScratchSpecific takes reg specifically, evicting its current
// occupant first if needed.
func AllocScratchSpecific(mgr *Manager, bank adaptor.Bank, reg uint32) ScratchReg {
	if mgr.Regs.IsUsed(adaptorBankToRaw(bank), reg) {
		evictSpecific(mgr, bank, reg)
	}
	return lockScratch(mgr, bank, reg)
}

func lockScratch(mgr *Manager, bank adaptor.Bank, reg uint32) ScratchReg {
	mgr.Regs.MarkUsed(adaptorBankToRaw(bank), reg, ^uint32(0), 0)
	mgr.Regs.MarkFixed(adaptorBankToRaw(bank), reg)
	mgr.Regs.IncLockCount(adaptorBankToRaw(bank), reg)
	return ScratchReg{bank: bank, reg: reg, valid: true}
}

// Reg returns the held register.
func (s ScratchReg) Reg() uint32 { return s.reg }

// Release hands the register off to a new owner without unfixing it; the
// caller becomes responsible for eventually marking it used for a real
// value (spec §4.D, "release returns the register without unfixing") and
// for unfixing it itself once that value stops needing a fixed register.
func (s *ScratchReg) Release(mgr *Manager) uint32 {
	if !s.valid {
		panic("assign: release of already-released scratch register")
	}
	mgr.Regs.DecLockCount(adaptorBankToRaw(s.bank), s.reg)
	mgr.Regs.UnmarkUsed(adaptorBankToRaw(s.bank), s.reg)
	s.valid = false
	return s.reg
}

// Close is the Go stand-in for the spec's destructor: unfixes and unmarks
// the register outright. Call it (typically via defer) when the scratch
// register's lifetime ends without a handoff.
func (s *ScratchReg) Close(mgr *Manager) {
	if !s.valid {
		return
	}
	mgr.Regs.DecLockCount(adaptorBankToRaw(s.bank), s.reg)
	mgr.Regs.UnmarkFixed(adaptorBankToRaw(s.bank), s.reg)
	mgr.Regs.UnmarkUsed(adaptorBankToRaw(s.bank), s.reg)
	s.valid = false
}

// Expr is a target-agnostic memory operand: base + index*scale + disp
// (spec §4.D, "GenericValuePart").
type Expr struct {
	Bank                   adaptor.Bank
	Base, Index            uint32
	BaseValid, IndexValid  bool
	Scale                  uint8
	Disp                   int64
}

// GVPKind tags which alternative a GenericValuePart currently holds.
type GVPKind uint8

const (
	GVPNone GVPKind = iota
	GVPPartRef
	GVPScratch
	GVPExpr
)

// GenericValuePart is the sum type backends use to describe an operand
// uniformly, whether it is a materialised value, a temporary, or a raw
// memory expression (spec §4.D).
type GenericValuePart struct {
	Kind    GVPKind
	PartRef ValuePartRef
	Scratch ScratchReg
	Expr    Expr
}

func FromPartRef(r ValuePartRef) GenericValuePart { return GenericValuePart{Kind: GVPPartRef, PartRef: r} }
func FromScratch(s ScratchReg) GenericValuePart    { return GenericValuePart{Kind: GVPScratch, Scratch: s} }
func FromExpr(e Expr) GenericValuePart             { return GenericValuePart{Kind: GVPExpr, Expr: e} }
