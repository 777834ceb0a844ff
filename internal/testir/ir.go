// Package testir implements a minimal, hand-built SSA-shaped IR (module,
// function, block, instruction, value, PHI) and an adaptor.Adaptor
// implementation over it. An external frontend IR is spec §1's own
// collaborator, out of this module's scope; this package exists solely so
// internal/driver and internal/backend can be exercised by this module's own
// test battery. It carries just enough opcode surface to cover every path
// named in spec §4 and §8: constants, binary ops, loads/stores, calls,
// branches, PHIs, and static allocas.
package testir

import "github.com/orizon-lang/baseco/internal/adaptor"

// Opcode names one of this package's instruction shapes.
type Opcode uint8

const (
	OpConstInt Opcode = iota
	OpBin
	OpLoad
	OpStore
	OpCall
	OpBr
	OpCondBr
	OpRet
	OpUnreachable
)

func (o Opcode) String() string {
	switch o {
	case OpConstInt:
		return "const_int"
	case OpBin:
		return "bin"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpCall:
		return "call"
	case OpBr:
		return "br"
	case OpCondBr:
		return "cond_br"
	case OpRet:
		return "ret"
	case OpUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// BinKind names a binary arithmetic/logic opcode, mapped 1:1 onto backend.BinOp.
type BinKind uint8

const (
	BinAdd BinKind = iota
	BinSub
	BinMul
	BinAnd
	BinOr
	BinXor
	BinShl
	BinShr
	BinSar
)

// Cond names a comparison kind for a conditional branch, mapped 1:1 onto
// backend.Cond.
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

// PhiEdge is one predecessor/value pair of a PHI's incoming list.
type PhiEdge struct {
	Pred  adaptor.BlockID
	Value adaptor.ValID
}

// ByvalInfo describes a call argument passed by value (spec testable
// property S3), keyed by its position in the call's argument sub-list.
type ByvalInfo struct {
	Size, Align uint32
}

// Value is one SSA value: a function argument, an instruction result, a
// PHI, or a static alloca's pointer.
type Value struct {
	ID          adaptor.ValID
	Parts       []adaptor.Part
	Size, Align uint32

	IsPhi    bool
	Incoming []PhiEdge

	// Byval/Sret classify an incoming function argument (spec §4.F's
	// bindArgs). This backend rejects a byval incoming argument outright;
	// Byval exists so that rejection path itself can be exercised.
	Byval      bool
	ByvalAlign uint32
	ByvalSize  uint32
	Sret       bool
}

// Inst is one instruction: its opcode, operand values, result values, and
// whatever opcode-specific fields it needs. Only the fields relevant to Op
// are meaningful.
type Inst struct {
	ID       adaptor.InstID
	Op       Opcode
	Operands []adaptor.ValID
	Results  []adaptor.ValID
	Fused    bool

	ConstVal uint64  // OpConstInt
	Bin      BinKind // OpBin
	MemSize  uint32  // OpLoad/OpStore

	// OpCall: when Indirect is true, Operands[0] is the callee pointer and
	// Operands[1:] are the arguments; otherwise every operand is an
	// argument and CalleeExtern names the direct target. ByvalOperand keys
	// are indices into the argument sub-list (i.e. already offset past the
	// indirect-target slot, if any).
	Indirect      bool
	CalleeExtern  string
	Vararg        bool
	ByvalOperand  map[int]ByvalInfo
	HasLandingPad bool
	LandingPad    adaptor.BlockID
	// CatchType, if set, registers one action-table entry whose type filter
	// names this (undefined) symbol; empty means a cleanup-only call site.
	CatchType string

	CondKind Cond // OpCondBr
}

// Block is one basic block: its own PHI list, then straight-line
// instructions, with the terminator always last in Insts.
type Block struct {
	ID      adaptor.BlockID
	Phis    []adaptor.ValID
	Insts   []adaptor.InstID
	Succs   []adaptor.BlockID
	scratch uint64
}

// Function is one compiled function. Blocks/Values/Insts are the function's
// complete, exported inventory (spec §6.3: cmd/baseco's -in format is a
// JSON-encoded Module, so every piece a driver run needs must round-trip
// through plain exported fields rather than a map built only by Builder);
// blockByID/valByID/instByID are a lookup cache built lazily by index, valid
// whether the Function came from Builder or from json.Unmarshal.
type Function struct {
	Name          string
	Extern        bool
	OnlyLocal     bool
	Weak          bool
	Vararg        bool
	NeedsUnwind   bool
	Args          []adaptor.ValID
	StaticAllocas []adaptor.ValID
	Entry         adaptor.BlockID

	Blocks []*Block
	Values []*Value
	Insts  []*Inst

	blockByID map[adaptor.BlockID]*Block
	valByID   map[adaptor.ValID]*Value
	instByID  map[adaptor.InstID]*Inst
}

// index lazily builds the by-ID lookup maps from Blocks/Values/Insts. A
// Function built incrementally through Builder and one decoded from JSON
// both rely on this running once, from IRAdaptor.SwitchFunc, before any
// other Adaptor method is called for that function.
func (f *Function) index() {
	if f.blockByID != nil {
		return
	}
	f.blockByID = make(map[adaptor.BlockID]*Block, len(f.Blocks))
	for _, b := range f.Blocks {
		f.blockByID[b.ID] = b
	}
	f.valByID = make(map[adaptor.ValID]*Value, len(f.Values))
	for _, v := range f.Values {
		f.valByID[v.ID] = v
	}
	f.instByID = make(map[adaptor.InstID]*Inst, len(f.Insts))
	for _, in := range f.Insts {
		f.instByID[in.ID] = in
	}
}

// Module is a whole compilation unit: cmd/baseco's -in flag decodes exactly
// this type from JSON (spec §6.3).
type Module struct {
	IRVersion string
	Funcs     []*Function
}
