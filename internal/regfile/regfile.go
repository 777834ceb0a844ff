// Package regfile implements the bitset-backed register file described in
// spec §4.B: per-bank used/fixed/clobbered/lock-count state plus the
// lowest-free and lowest-non-fixed-used register queries the allocator
// drives eviction and selection from.
package regfile

import (
	"fmt"
	"math/bits"
)

// MaxRegsPerBank bounds a bank to one machine word of bitset state. Both
// targets in scope (16 GPRs on SysV, 31 on AAPCS64, 16-32 vector registers) fit.
const MaxRegsPerBank = 32

// regMeta is the per-register metadata the spec keeps alongside the
// used/fixed/clobbered bitmasks.
type regMeta struct {
	localIdx uint32
	part     uint8
	lockCnt  uint16
}

// Bank is one register file partition (e.g. GPR or vector).
type Bank struct {
	name string

	used       uint32
	fixed      uint32
	clobbered  uint32
	allocatable uint32

	meta [MaxRegsPerBank]regMeta
}

// NewBank creates a bank whose allocatable registers are the set bits of
// allocatableMask out of MaxRegsPerBank slots; the rest are permanently excluded (e.g. SP/FP on
// AAPCS, RSP/RBP on SysV, which the backend reserves outside the allocator).
func NewBank(name string, allocatableMask uint32) *Bank {
	return &Bank{name: name, allocatable: allocatableMask}
}

// File bundles the banks a target needs; spec §2 names exactly two in scope
// (general-purpose and vector), but the type is not hardcoded to two so a
// future bank (e.g. mask registers) would not require an API change.
type File struct {
	Banks map[adaptorBank]*Bank
}

// adaptorBank mirrors adaptor.Bank without importing it, to keep regfile
// free of a dependency on the IR layer; internal/assign bridges the two.
type adaptorBank = uint8

// NewFile builds an empty register file over the given banks.
func NewFile(banks map[adaptorBank]*Bank) *File {
	return &File{Banks: banks}
}

func (f *File) bank(b adaptorBank) *Bank {
	bk, ok := f.Banks[b]
	if !ok {
		panic(fmt.Sprintf("regfile: unknown bank %d", b))
	}
	return bk
}

// FindFirstFreeExcluding returns the lowest free, allocatable register in
// bank not in exclude, or (0, false) if none remain.
func (f *File) FindFirstFreeExcluding(b adaptorBank, exclude uint32) (uint32, bool) {
	bk := f.bank(b)
	candidates := bk.allocatable &^ bk.used &^ exclude
	if candidates == 0 {
		return 0, false
	}
	return uint32(bits.TrailingZeros32(candidates)), true
}

// FindFirstNonFixedExcluding returns the lowest used-but-not-fixed register
// in bank not in exclude, the candidate set for forced eviction.
func (f *File) FindFirstNonFixedExcluding(b adaptorBank, exclude uint32) (uint32, bool) {
	bk := f.bank(b)
	candidates := bk.allocatable & bk.used &^ bk.fixed &^ exclude
	if candidates == 0 {
		return 0, false
	}
	return uint32(bits.TrailingZeros32(candidates)), true
}

// MarkUsed records reg as holding part of value localIdx. It asserts reg
// was previously free.
func (f *File) MarkUsed(b adaptorBank, reg uint32, localIdx uint32, part uint8) {
	bk := f.bank(b)
	bitMask := uint32(1) << reg
	if bk.used&bitMask != 0 {
		panic(fmt.Sprintf("regfile: mark_used on already-used register %d in bank %q", reg, bk.name))
	}
	bk.used |= bitMask
	bk.clobbered |= bitMask
	bk.meta[reg] = regMeta{localIdx: localIdx, part: part}
}

// UnmarkUsed frees reg. It asserts reg was previously used and not locked.
func (f *File) UnmarkUsed(b adaptorBank, reg uint32) {
	bk := f.bank(b)
	bitMask := uint32(1) << reg
	if bk.used&bitMask == 0 {
		panic(fmt.Sprintf("regfile: unmark_used on already-free register %d in bank %q", reg, bk.name))
	}
	if bk.meta[reg].lockCnt != 0 {
		panic(fmt.Sprintf("regfile: unmark_used on locked register %d in bank %q", reg, bk.name))
	}
	bk.used &^= bitMask
	bk.meta[reg] = regMeta{}
}

// MarkFixed sets the do-not-evict bit for reg, which must be used.
func (f *File) MarkFixed(b adaptorBank, reg uint32) {
	bk := f.bank(b)
	bitMask := uint32(1) << reg
	if bk.used&bitMask == 0 {
		panic(fmt.Sprintf("regfile: mark_fixed on free register %d in bank %q", reg, bk.name))
	}
	if bk.fixed&bitMask != 0 {
		panic(fmt.Sprintf("regfile: mark_fixed on already-fixed register %d in bank %q", reg, bk.name))
	}
	bk.fixed |= bitMask
}

// UnmarkFixed clears the do-not-evict bit for reg, which must be fixed.
func (f *File) UnmarkFixed(b adaptorBank, reg uint32) {
	bk := f.bank(b)
	bitMask := uint32(1) << reg
	if bk.fixed&bitMask == 0 {
		panic(fmt.Sprintf("regfile: unmark_fixed on non-fixed register %d in bank %q", reg, bk.name))
	}
	bk.fixed &^= bitMask
}

// IsFixed reports whether reg is currently fixed in bank b.
func (f *File) IsFixed(b adaptorBank, reg uint32) bool {
	bk := f.bank(b)
	return bk.fixed&(uint32(1)<<reg) != 0
}

// IsUsed reports whether reg is currently used in bank b.
func (f *File) IsUsed(b adaptorBank, reg uint32) bool {
	bk := f.bank(b)
	return bk.used&(uint32(1)<<reg) != 0
}

// Owner returns the (localIdx, part) currently held by reg; only valid if
// IsUsed(b, reg).
func (f *File) Owner(b adaptorBank, reg uint32) (localIdx uint32, part uint8) {
	bk := f.bank(b)
	m := bk.meta[reg]
	return m.localIdx, m.part
}

// MarkClobbered records that the prologue must save/restore reg because the
// function body assigned it at least once.
func (f *File) MarkClobbered(b adaptorBank, reg uint32) {
	bk := f.bank(b)
	bk.clobbered |= uint32(1) << reg
}

// Clobbered returns the bitmask of registers the prologue must save.
func (f *File) Clobbered(b adaptorBank) uint32 {
	return f.bank(b).clobbered
}

// IncLockCount records one more nested temporary hold on reg beyond a
// single scratch use, preventing UnmarkUsed until matched by DecLockCount.
func (f *File) IncLockCount(b adaptorBank, reg uint32) {
	bk := f.bank(b)
	bk.meta[reg].lockCnt++
}

// DecLockCount releases one nested temporary hold on reg.
func (f *File) DecLockCount(b adaptorBank, reg uint32) {
	bk := f.bank(b)
	if bk.meta[reg].lockCnt == 0 {
		panic(fmt.Sprintf("regfile: dec_lock_count underflow on register %d in bank %q", reg, bk.name))
	}
	bk.meta[reg].lockCnt--
}

// LockCount returns the nested-hold count for reg.
func (f *File) LockCount(b adaptorBank, reg uint32) uint16 {
	return f.bank(b).meta[reg].lockCnt
}

// Reset clears all per-function state (used/fixed/clobbered/lock) in every
// bank, keeping the allocatable masks, ready for the next function.
func (f *File) Reset() {
	for _, bk := range f.Banks {
		bk.used = 0
		bk.fixed = 0
		bk.clobbered = 0
		for i := range bk.meta {
			bk.meta[i] = regMeta{}
		}
	}
}

// AllUsed returns, for bank b, every currently used register index.
func (f *File) AllUsed(b adaptorBank) []uint32 {
	bk := f.bank(b)
	var out []uint32
	rem := bk.used
	for rem != 0 {
		idx := uint32(bits.TrailingZeros32(rem))
		out = append(out, idx)
		rem &^= uint32(1) << idx
	}
	return out
}
