package assign

import "github.com/orizon-lang/baseco/internal/adaptor"

// evictScore computes the spec §4.D eviction-candidate score for the part
// at (localIdx, partIdx) given the assignment's liveness and the current
// block index. Variable-ref values use an infinite ("stop looking, take
// this one") score instead of the formula.
//
// The formula is the packed bitfield the spec names verbatim:
//
//	score = (stack_valid ? 2^31 : 0)
//	      | clamp(0x8000 - last_use_distance, 0) << 16
//	      | clamp(0x10000 - references_left, 1)
//
// clamp(0x8000-dist, 0)'s maximum value (0x8000) shifted left 16 aliases
// the stack_valid bit exactly; a part whose last use is in the current
// block scores as high via distance alone as one that merely happens to
// already be spilled. That is intentional in the source this is ported
// from: both signal "cheap to evict right now".
const infiniteScore = ^uint32(0)

func clampU32(v, lo int64) uint32 {
	if v < lo {
		return uint32(lo)
	}
	return uint32(v)
}

func (m *Manager) score(localIdx uint32, partIdx int) uint32 {
	a := m.valuePtrs[localIdx]
	if a == nil {
		return 0
	}
	if a.VariableRef {
		return infiniteScore
	}
	p := &a.Parts[partIdx]
	lv := m.Liveness[localIdx]
	lastUseDistance := int64(lv.Last - m.curBlock)

	var stackBit uint32
	if p.StackValid {
		stackBit = 1 << 31
	}
	distScore := clampU32(0x8000-lastUseDistance, 0) << 16
	refsScore := clampU32(0x10000-int64(a.ReferencesLeft), 1)

	return stackBit | distScore | refsScore
}

// SelectRegEvict picks the highest-scoring used, non-fixed register in bank
// not in exclude, spills (if needed) and frees it, and returns it ready for
// a new owner. It panics with an "out of registers" message if none is
// available — spec §7 classifies register-allocator exhaustion as a fatal
// bug, never a reportable per-function error.
func SelectRegEvict(mgr *Manager, bank adaptor.Bank, exclude uint32) uint32 {
	if reg, ok := mgr.Regs.FindFirstFreeExcluding(adaptorBankToRaw(bank), exclude); ok {
		return reg
	}

	var (
		bestReg   uint32
		bestScore uint32
		found     bool
	)
	for _, reg := range mgr.Regs.AllUsed(adaptorBankToRaw(bank)) {
		if mgr.Regs.IsFixed(adaptorBankToRaw(bank), reg) {
			continue
		}
		if exclude&(uint32(1)<<reg) != 0 {
			continue
		}
		if mgr.Regs.LockCount(adaptorBankToRaw(bank), reg) != 0 {
			continue
		}
		localIdx, partIdx := mgr.Regs.Owner(adaptorBankToRaw(bank), reg)
		s := mgr.score(localIdx, int(partIdx))
		if !found || s > bestScore {
			found, bestScore, bestReg = true, s, reg
		}
		if s == infiniteScore {
			break
		}
	}
	if !found {
		panic("assign: out of registers")
	}

	localIdx, partIdx := mgr.Regs.Owner(adaptorBankToRaw(bank), bestReg)
	a := mgr.valuePtrs[localIdx]
	p := &a.Parts[partIdx]
	if !a.VariableRef {
		ValuePartRef{mgr: mgr, a: a, idx: int(partIdx)}.Spill()
	}
	mgr.Regs.UnmarkUsed(adaptorBankToRaw(bank), bestReg)
	p.RegisterValid = false
	return bestReg
}

// evictSpecific forces eviction of whatever currently occupies reg, for
// AllocScratchSpecific and ABI moves that must land in one exact register.
func evictSpecific(mgr *Manager, bank adaptor.Bank, reg uint32) {
	if mgr.Regs.IsFixed(adaptorBankToRaw(bank), reg) {
		panic("assign: cannot evict a fixed register")
	}
	localIdx, partIdx := mgr.Regs.Owner(adaptorBankToRaw(bank), reg)
	a := mgr.valuePtrs[localIdx]
	if a != nil {
		p := &a.Parts[partIdx]
		if !a.VariableRef {
			ValuePartRef{mgr: mgr, a: a, idx: int(partIdx)}.Spill()
		}
		p.RegisterValid = false
	}
	mgr.Regs.UnmarkUsed(adaptorBankToRaw(bank), reg)
}
