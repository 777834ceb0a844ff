package testir

import "github.com/orizon-lang/baseco/internal/adaptor"

// IRAdaptor implements adaptor.Adaptor over a Module, one function at a time
// via SwitchFunc. It is the one adaptor implementation this repository
// ships, used exclusively by this module's own test battery (spec §6.1).
type IRAdaptor struct {
	mod *Module
	cur *Function
}

// NewAdaptor wraps mod for driver consumption.
func NewAdaptor(mod *Module) *IRAdaptor { return &IRAdaptor{mod: mod} }

func (a *IRAdaptor) IRFormatVersion() string { return a.mod.IRVersion }

func (a *IRAdaptor) Funcs() []adaptor.FuncID {
	out := make([]adaptor.FuncID, len(a.mod.Funcs))
	for i := range a.mod.Funcs {
		out[i] = adaptor.FuncID(i)
	}
	return out
}

func (a *IRAdaptor) FuncsToCompile() []adaptor.FuncID {
	var out []adaptor.FuncID
	for i, fn := range a.mod.Funcs {
		if !fn.Extern {
			out = append(out, adaptor.FuncID(i))
		}
	}
	return out
}

// SwitchFunc always succeeds: this adaptor has no feature this backend
// cannot expose to reject. It indexes the function's lookup maps on first
// use, whether fn was built incrementally through Builder or decoded whole
// from JSON (spec §6.3's -in format).
func (a *IRAdaptor) SwitchFunc(f adaptor.FuncID) bool {
	a.cur = a.mod.Funcs[f]
	a.cur.index()
	return true
}

func (a *IRAdaptor) CurArgs() []adaptor.ValID          { return a.cur.Args }
func (a *IRAdaptor) CurStaticAllocas() []adaptor.ValID { return a.cur.StaticAllocas }
func (a *IRAdaptor) CurHasDynamicAlloca() bool         { return false }
func (a *IRAdaptor) CurIsVararg() bool                 { return a.cur.Vararg }
func (a *IRAdaptor) CurEntryBlock() adaptor.BlockID    { return a.cur.Entry }
func (a *IRAdaptor) CurNeedsUnwindInfo() bool          { return a.cur.NeedsUnwind }

func (a *IRAdaptor) CurBlocks() []adaptor.BlockID {
	out := make([]adaptor.BlockID, len(a.cur.Blocks))
	for i, b := range a.cur.Blocks {
		out[i] = b.ID
	}
	return out
}

// CurHighestValIdx returns the function's maximum local value index
// (inclusive), not a count: Builder hands out ValIDs contiguously from zero
// across every value the function owns, so the highest index is exactly
// one less than how many values exist.
func (a *IRAdaptor) CurHighestValIdx() uint32 {
	if len(a.cur.Values) == 0 {
		return 0
	}
	return uint32(len(a.cur.Values) - 1)
}

func (a *IRAdaptor) BlockSuccs(b adaptor.BlockID) []adaptor.BlockID { return a.cur.blockByID[b].Succs }
func (a *IRAdaptor) BlockInsts(b adaptor.BlockID) []adaptor.InstID  { return a.cur.blockByID[b].Insts }
func (a *IRAdaptor) BlockPhis(b adaptor.BlockID) []adaptor.ValID    { return a.cur.blockByID[b].Phis }

// BlockInfo/BlockSetInfo back the analyser's scratch storage hook; nothing
// in this repository currently reads it, so a plain field suffices.
func (a *IRAdaptor) BlockInfo(b adaptor.BlockID) uint64       { return a.cur.blockByID[b].scratch }
func (a *IRAdaptor) BlockSetInfo(b adaptor.BlockID, v uint64) { a.cur.blockByID[b].scratch = v }

// ValLocalIdx is the identity map: Builder already assigns contiguous,
// per-function-unique ValIDs in definition order, so the ValID itself is
// the local register-allocation index.
func (a *IRAdaptor) ValLocalIdx(v adaptor.ValID) uint32 { return uint32(v) }

func (a *IRAdaptor) ValParts(v adaptor.ValID) adaptor.TypeLayout {
	val := a.cur.valByID[v]
	return adaptor.TypeLayout{Parts: val.Parts, Size: val.Size, Align: val.Align}
}

func (a *IRAdaptor) ValIsPhi(v adaptor.ValID) bool { return a.cur.valByID[v].IsPhi }

func (a *IRAdaptor) ValIncomingFromSlot(phi adaptor.ValID, slot int) adaptor.ValID {
	return a.cur.valByID[phi].Incoming[slot].Value
}

func (a *IRAdaptor) ValIncomingFromBlock(phi adaptor.ValID, pred adaptor.BlockID) adaptor.ValID {
	for _, e := range a.cur.valByID[phi].Incoming {
		if e.Pred == pred {
			return e.Value
		}
	}
	panic("testir: no incoming edge from predecessor block")
}

func (a *IRAdaptor) InstOperands(i adaptor.InstID) []adaptor.ValID { return a.cur.instByID[i].Operands }
func (a *IRAdaptor) InstResults(i adaptor.InstID) []adaptor.ValID  { return a.cur.instByID[i].Results }
func (a *IRAdaptor) InstFused(i adaptor.InstID) bool               { return a.cur.instByID[i].Fused }
func (a *IRAdaptor) InstSetFused(i adaptor.InstID, fused bool)     { a.cur.instByID[i].Fused = fused }

func (a *IRAdaptor) CurArgIsByval(v adaptor.ValID) bool      { return a.cur.valByID[v].Byval }
func (a *IRAdaptor) CurArgByvalAlign(v adaptor.ValID) uint32 { return a.cur.valByID[v].ByvalAlign }
func (a *IRAdaptor) CurArgByvalSize(v adaptor.ValID) uint32  { return a.cur.valByID[v].ByvalSize }
func (a *IRAdaptor) CurArgIsSret(v adaptor.ValID) bool       { return a.cur.valByID[v].Sret }

func (a *IRAdaptor) FuncLinkName(f adaptor.FuncID) string     { return a.mod.Funcs[f].Name }
func (a *IRAdaptor) FuncExtern(f adaptor.FuncID) bool         { return a.mod.Funcs[f].Extern }
func (a *IRAdaptor) FuncOnlyLocal(f adaptor.FuncID) bool      { return a.mod.Funcs[f].OnlyLocal }
func (a *IRAdaptor) FuncHasWeakLinkage(f adaptor.FuncID) bool { return a.mod.Funcs[f].Weak }

// Inst exposes one instruction's full record to this package's own
// InstLowerer, which needs opcode-specific fields adaptor.Adaptor itself
// does not carry (the interface is deliberately opaque to opcodes beyond
// what the driver's generic algorithm needs).
func (a *IRAdaptor) Inst(i adaptor.InstID) *Inst { return a.cur.instByID[i] }

// Value exposes one value's full record, symmetric to Inst.
func (a *IRAdaptor) Value(v adaptor.ValID) *Value { return a.cur.valByID[v] }
