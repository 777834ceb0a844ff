// Package adaptor defines the fixed query interface through which the
// compiler driver (internal/driver) reads an external SSA IR without
// depending on it directly. The IR source itself is an external
// collaborator (spec §1, §6.1); this package only names the contract.
// internal/testir supplies the one implementation this repository ships,
// used exclusively by the test battery.
package adaptor

// FuncID, BlockID, ValID and InstID are adaptor-assigned opaque handles.
// Globals receive contiguous ValIDs first; function-local values (arguments
// then instructions) occupy the range above CurHighestValIdx's boundary and
// are reset between functions, per spec §3.
type (
	FuncID  uint32
	BlockID uint32
	ValID   uint32
	InstID  uint32
)

// Bank identifies a physical register bank a value part is assigned from.
type Bank uint8

const (
	BankInvalid Bank = iota
	BankGPR
	BankVec
)

// Part describes one register-sized (or smaller) chunk of a decomposed IR
// type, per the parts-of-type contract in spec §3.
type Part struct {
	Bank Bank
	// Size is the part's size in bytes; it determines which physical
	// register width within Bank the part occupies.
	Size uint32
	// PadAfter is the number of alignment padding bytes following this part
	// in the type's in-memory layout (not its register layout).
	PadAfter uint32
	// NestingDelta is +1 when this part opens a nested aggregate, -1 when it
	// closes one, and 0 otherwise; EndsValue is true on the part that
	// completes a single source-level value (relevant for multi-value
	// results such as a wide return split across two parts).
	NestingDelta int
	EndsValue    bool
}

// TypeLayout is the parts decomposition of one IR value's type.
type TypeLayout struct {
	Parts []Part
	// Size and Align describe the type's in-memory (not register) layout.
	Size  uint32
	Align uint32
	// IncompatibleLayout is set when the register layout a Parts
	// decomposition implies would not equal the in-memory layout (e.g. a
	// vector type needing lane reordering). Such types are only legal
	// within a function; the driver rejects them at ABI boundaries with
	// errors.KindIncompatibleLayout.
	IncompatibleLayout bool
}

// Adaptor is the fixed interface the driver queries IR through.
type Adaptor interface {
	// IRFormatVersion returns a semver-compatible string the driver checks
	// against its supported-version constraint before compiling anything.
	IRFormatVersion() string

	Funcs() []FuncID
	FuncsToCompile() []FuncID

	// SwitchFunc prepares per-function data and returns false if the
	// function uses a feature this adaptor (or its pre-pass) cannot expose.
	SwitchFunc(f FuncID) bool

	CurArgs() []ValID
	CurStaticAllocas() []ValID
	CurHasDynamicAlloca() bool
	CurIsVararg() bool
	CurEntryBlock() BlockID
	CurBlocks() []BlockID
	CurHighestValIdx() uint32
	CurNeedsUnwindInfo() bool

	BlockSuccs(b BlockID) []BlockID
	BlockInsts(b BlockID) []InstID
	BlockPhis(b BlockID) []ValID

	// BlockInfo/BlockSetInfo is driver scratch storage keyed by block.
	// Nothing in this repository calls it; internal/analysis keeps its
	// per-block layout/loop indices in its own maps.
	BlockInfo(b BlockID) uint64
	BlockSetInfo(b BlockID, v uint64)

	ValLocalIdx(v ValID) uint32
	ValParts(v ValID) TypeLayout
	ValIsPhi(v ValID) bool
	// ValIncomingFromSlot returns the phi's incoming value for predecessor
	// slot i (slot order matches BlockSuccs of predecessors as recorded by
	// the adaptor's pre-pass).
	ValIncomingFromSlot(phi ValID, slot int) ValID
	// ValIncomingFromBlock returns the phi's incoming value for a specific
	// predecessor block, binary-searching large incoming lists the
	// pre-pass has sorted by block id.
	ValIncomingFromBlock(phi ValID, pred BlockID) ValID

	InstOperands(i InstID) []ValID
	InstResults(i InstID) []ValID
	InstFused(i InstID) bool
	InstSetFused(i InstID, fused bool)

	CurArgIsByval(v ValID) bool
	CurArgByvalAlign(v ValID) uint32
	CurArgByvalSize(v ValID) uint32
	CurArgIsSret(v ValID) bool

	FuncLinkName(f FuncID) string
	FuncExtern(f FuncID) bool
	FuncOnlyLocal(f FuncID) bool
	FuncHasWeakLinkage(f FuncID) bool
}

// ValIncomingSearchThreshold is the incoming-list length above which the
// adaptor's pre-pass sorts incoming edges by block id so
// ValIncomingFromBlock can binary search instead of scanning, per spec §6.1.
const ValIncomingSearchThreshold = 8
