// Package assign implements the value/assignment model of spec §3 and §4.D:
// per-value Assignments split into register Parts, reference-counted
// lifetimes, fixed registers, scratch registers, and the stack slot
// allocator (stackframe.go). The spec's C++ destructors are replaced by
// explicit Release calls, since Go has no RAII; callers are expected to
// release a ValueRef/ValuePartRef/ScratchReg exactly once, typically via
// defer, the same shape Orizon's own codegen passes use for its emitter
// cleanup helpers.
package assign

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/regfile"
)

// Part is one register-sized chunk of an Assignment (spec §3, "Each part of
// an assignment").
type Part struct {
	Bank adaptor.Bank
	Size uint32

	Register      uint32
	RegisterValid bool
	StackValid    bool
	Modified      bool
	FixedAssignment bool
	PartOffset    uint32
}

// Assignment is the per-value bookkeeping record created on first
// definition (spec §3, "Value assignment").
type Assignment struct {
	LocalIdx       uint32
	Parts          []Part
	MaxPartSize    uint32
	FrameOff       uint32
	ReferencesLeft uint32
	DelayFree      bool
	VariableRef    bool
	StackVariable  bool
	PendingFree    bool

	// next chains variable-ref assignments for bulk teardown, and chains
	// delayed-free entries on a block's queue; spec §3's "list link".
	next *Assignment
}

// Hooks is the narrow callback surface the value model needs from a target
// backend (spec §4.G is the full backend surface; this is the slice of it
// the spill/reload/evict machinery calls into).
type Hooks interface {
	SpillReg(bank adaptor.Bank, reg uint32, frameOff, size uint32)
	LoadFromStack(bank adaptor.Bank, reg uint32, frameOff, size uint32)
	LoadAddressOfStackVar(bank adaptor.Bank, reg uint32, frameOff uint32)
	Mov(bank adaptor.Bank, dst, src uint32, size uint32)
	// ReloadVariableRef recomputes an address for a non-stack variable ref
	// (e.g. a global) directly into reg, bypassing the spill slot.
	ReloadVariableRef(bank adaptor.Bank, reg uint32, localIdx uint32)
}

// Liveness is the per-value liveness record the analyser produces (spec
// §3); assign only needs First/Last/LastFull/RefCount, duplicated here
// rather than importing internal/analysis to avoid a cycle (the analyser
// does not need the value model).
type Liveness struct {
	First, Last int
	LastFull    bool
	RefCount    uint32
}

// Manager owns every Assignment for the function currently being compiled,
// the register file, and the stack frame. One Manager is created per
// internal/driver.Compiler and Reset between functions.
type Manager struct {
	Regs  *regfile.File
	Stack *StackFrame
	Hooks Hooks

	// Liveness is set by the driver once per function, from the analyser's
	// output, keyed by adaptor-local value index.
	Liveness map[uint32]Liveness

	// valuePtrs is indexed by local value index; spec testable property 1
	// requires every entry be nil again once compile_func returns.
	valuePtrs []*Assignment

	variableRefHead *Assignment

	// delayedFree queues assignments whose free was deferred to the end of
	// the block indexed by liveness.Last (spec §3, "Lifecycle").
	delayedFree map[int][]*Assignment

	// fixedCount tracks how many fixed assignments are outstanding per
	// bank, for the NUM_FIXED quota in spec §4.D.
	fixedCount map[adaptor.Bank]int
	numFixed   map[adaptor.Bank]int

	curBlock int
}

// NewManager builds a Manager over the given register file and stack
// frame, with per-bank fixed-assignment quotas.
func NewManager(regs *regfile.File, stack *StackFrame, hooks Hooks, numFixed map[adaptor.Bank]int) *Manager {
	return &Manager{
		Regs:       regs,
		Stack:      stack,
		Hooks:      hooks,
		numFixed:   numFixed,
		fixedCount: make(map[adaptor.Bank]int),
	}
}

// Reset prepares the Manager for a new function: the value-pointer table is
// resized, delayed-free queues cleared, and any still-chained variable refs
// torn down (their frame slots stay allocated only if StackVariable, since
// allocas own their slot for the function's whole life until here).
func (m *Manager) Reset(highestValIdx uint32, liveness map[uint32]Liveness) {
	m.valuePtrs = make([]*Assignment, highestValIdx+1)
	m.delayedFree = make(map[int][]*Assignment)
	m.variableRefHead = nil
	m.Liveness = liveness
	m.fixedCount = make(map[adaptor.Bank]int)
	m.curBlock = 0
}

// SetCurrentBlock records which block index (in analyser layout order) is
// currently being compiled, used for eviction-scoring distance and for
// deciding which delayed-free queue a release lands on.
func (m *Manager) SetCurrentBlock(idx int) { m.curBlock = idx }

// Create materialises a fresh Assignment for localIdx with the given parts
// layout, registers it in valuePtrs, and sets its reference count and
// delay-free flag from the liveness table (spec §3, "created on first
// definition").
func (m *Manager) Create(localIdx uint32, parts []Part) *Assignment {
	lv := m.Liveness[localIdx]
	a := &Assignment{
		LocalIdx:       localIdx,
		Parts:          parts,
		ReferencesLeft: lv.RefCount,
		DelayFree:      lv.LastFull,
	}
	for _, p := range parts {
		if p.Size > a.MaxPartSize {
			a.MaxPartSize = p.Size
		}
	}
	if int(localIdx) >= len(m.valuePtrs) {
		grown := make([]*Assignment, localIdx+1)
		copy(grown, m.valuePtrs)
		m.valuePtrs = grown
	}
	m.valuePtrs[localIdx] = a
	return a
}

// CreateVariableRef materialises a variable-ref assignment (alloca or
// global address) up front; it persists for the whole function and is
// chained for bulk teardown (spec §3, "Lifecycle").
func (m *Manager) CreateVariableRef(localIdx uint32, bank adaptor.Bank, ptrSize uint32, stackVariable bool, frameOff uint32) *Assignment {
	a := &Assignment{
		LocalIdx:      localIdx,
		Parts:         []Part{{Bank: bank, Size: ptrSize}},
		VariableRef:   true,
		StackVariable: stackVariable,
		FrameOff:      frameOff,
		MaxPartSize:   ptrSize,
	}
	if int(localIdx) >= len(m.valuePtrs) {
		grown := make([]*Assignment, localIdx+1)
		copy(grown, m.valuePtrs)
		m.valuePtrs = grown
	}
	m.valuePtrs[localIdx] = a
	a.next = m.variableRefHead
	m.variableRefHead = a
	return a
}

// Get returns the Assignment for localIdx, or nil if it has not been
// created (or has already been released).
func (m *Manager) Get(localIdx uint32) *Assignment {
	if int(localIdx) >= len(m.valuePtrs) {
		return nil
	}
	return m.valuePtrs[localIdx]
}

// AddRef increments references_left for one extra outstanding use of a.
// Nothing in this repository calls it: an Assignment is created with the
// liveness ref_count, which already counts every operand occurrence.
func (m *Manager) AddRef(a *Assignment) { a.ReferencesLeft++ }

// Release decrements references_left and, on reaching zero, either frees
// the assignment immediately or queues it for end-of-block processing if
// DelayFree is set (spec §3, "An assignment is released when its
// references_left reaches zero").
func (m *Manager) Release(a *Assignment) {
	if a.VariableRef {
		return // variable refs live for the whole function; never freed early.
	}
	if a.ReferencesLeft == 0 {
		panic("assign: release on assignment with no references left")
	}
	a.ReferencesLeft--
	if a.ReferencesLeft != 0 {
		return
	}
	if a.DelayFree {
		lv := m.Liveness[a.LocalIdx]
		a.PendingFree = true
		m.delayedFree[lv.Last] = append(m.delayedFree[lv.Last], a)
		return
	}
	m.free(a)
}

// DrainBlockQueue processes the delayed-free queue for block index idx,
// freeing every assignment queued there (spec §4.F, "Per-block", step 3).
func (m *Manager) DrainBlockQueue(idx int) {
	for _, a := range m.delayedFree[idx] {
		if a.PendingFree {
			m.free(a)
		}
	}
	delete(m.delayedFree, idx)
}

func (m *Manager) free(a *Assignment) {
	for i := range a.Parts {
		p := &a.Parts[i]
		if p.RegisterValid {
			m.Regs.UnmarkUsed(adaptorBankToRaw(p.Bank), p.Register)
			if p.FixedAssignment {
				m.Regs.UnmarkFixed(adaptorBankToRaw(p.Bank), p.Register)
				m.fixedCount[p.Bank]--
			}
			p.RegisterValid = false
		}
	}
	if a.FrameOff != 0 && !a.StackVariable {
		m.Stack.Free(a.MaxPartSize, a.FrameOff)
	}
	a.PendingFree = false
	m.valuePtrs[a.LocalIdx] = nil
}

// ReleaseAllVariableRefs tears down every variable-ref assignment chained
// during the function, called by the driver after the last block (spec
// §4.F, "Per-function", step 7: "clear variable-ref assignments").
func (m *Manager) ReleaseAllVariableRefs() {
	for a := m.variableRefHead; a != nil; {
		next := a.next
		for i := range a.Parts {
			p := &a.Parts[i]
			if p.RegisterValid {
				m.Regs.UnmarkUsed(adaptorBankToRaw(p.Bank), p.Register)
				if p.FixedAssignment {
					m.Regs.UnmarkFixed(adaptorBankToRaw(p.Bank), p.Register)
				}
				p.RegisterValid = false
			}
		}
		m.valuePtrs[a.LocalIdx] = nil
		a = next
	}
	m.variableRefHead = nil
}

// AllReleased reports whether every value_ptrs entry is nil, the invariant
// spec §8 property 1 requires after compile_func returns.
func (m *Manager) AllReleased() bool {
	for _, a := range m.valuePtrs {
		if a != nil {
			return false
		}
	}
	return true
}

func adaptorBankToRaw(b adaptor.Bank) uint8 { return uint8(b) }

// TryGrantFixed decides whether part 0 of a single-part assignment may take
// a fixed (never-evicted) register, subject to the per-bank quota
// (definitions_in_childs + current_fixed <= NUM_FIXED, spec §4.D), and on
// success counts it against that quota. It binds and marks no register
// itself. It returns false if the quota is exhausted, the value has more
// than one part, or the value does not live beyond the current block.
func (m *Manager) TryGrantFixed(a *Assignment, definitionsInChilds int) bool {
	if len(a.Parts) != 1 {
		return false
	}
	lv := m.Liveness[a.LocalIdx]
	if lv.Last <= m.curBlock {
		return false // does not live beyond the current block.
	}
	bank := a.Parts[0].Bank
	quota := m.numFixed[bank]
	if definitionsInChilds+m.fixedCount[bank] > quota {
		return false
	}
	m.fixedCount[bank]++
	return true
}
