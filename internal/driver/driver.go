// Package driver implements the compiler driver of spec §4.F: the
// per-module, per-function, and per-block walk that ties the analyser
// (internal/analysis), the value/assignment model (internal/assign), the
// calling-convention assigner (internal/callconv), and a target backend
// (internal/backend) together, calling out to an InstLowerer for every
// opcode-specific decision.
package driver

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/analysis"
	"github.com/orizon-lang/baseco/internal/assign"
	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/callconv"
	"github.com/orizon-lang/baseco/internal/elfobj"
	orizonerrors "github.com/orizon-lang/baseco/internal/errors"
	"github.com/orizon-lang/baseco/internal/regfile"
)

// Compiler owns one target configuration and ELF assembler across however
// many modules it is asked to compile (spec §5: single-threaded,
// non-reentrant per instance).
type Compiler struct {
	Target backend.Target
	Asm    *elfobj.Assembler

	// MinIRVersion, if set, rejects a module whose IRFormatVersion does not
	// satisfy the constraint before any function is compiled.
	MinIRVersion *semver.Constraints
}

// NewCompiler builds a Compiler targeting t, writing into asm.
func NewCompiler(t backend.Target, asm *elfobj.Assembler) *Compiler {
	return &Compiler{Target: t, Asm: asm}
}

// CompileModule implements spec §4.F's "Per-module" algorithm: define every
// function's symbol up front, compile each non-extern function in turn,
// and finalise the assembler. It returns one error per function that
// failed to compile; a non-empty result does not stop later functions from
// being attempted (spec §5: "the driver reports which function failed and
// continues").
func (c *Compiler) CompileModule(ad adaptor.Adaptor, lowerer InstLowerer) []error {
	if c.MinIRVersion != nil {
		v, err := semver.NewVersion(ad.IRFormatVersion())
		if err != nil {
			return []error{fmt.Errorf("driver: unparsable IR format version %q: %w", ad.IRFormatVersion(), err)}
		}
		if !c.MinIRVersion.Check(v) {
			return []error{fmt.Errorf("driver: IR format version %s does not satisfy %s", v, c.MinIRVersion)}
		}
	}

	textSec := c.Asm.Writer(".text").Ref()
	syms := make(map[adaptor.FuncID]elfobj.SymRef)
	for _, f := range ad.Funcs() {
		name := ad.FuncLinkName(f)
		switch {
		case ad.FuncExtern(f):
			syms[f] = c.Asm.DefineUndefGlobal(name)
		case ad.FuncOnlyLocal(f):
			syms[f] = c.Asm.DefineLocal(name, textSec, 0, 0, elfobj.STT_FUNC)
		case ad.FuncHasWeakLinkage(f):
			syms[f] = c.Asm.DefineWeak(name, textSec, 0, 0, elfobj.STT_FUNC)
		default:
			syms[f] = c.Asm.DefineGlobal(name, textSec, 0, 0, elfobj.STT_FUNC)
		}
	}

	var errs []error
	for _, f := range ad.FuncsToCompile() {
		if err := c.compileFunc(ad, f, syms[f], lowerer); err != nil {
			errs = append(errs, err)
		}
	}
	c.Asm.Finalize()
	return errs
}

// compileFunc implements spec §4.F's "Per-function" algorithm. Because the
// prologue's frame size and callee-saved register set are only known once
// the whole body has been compiled (stack slots and register clobbers
// accumulate as instructions lower), this runs the body twice: a
// measurement pass against a throwaway Manager/Emitter purely to learn the
// final frame size and clobbered-register set, then a real pass that
// emits the prologue first (now that those numbers are known) followed by
// the identical body. Both passes are fully deterministic given the same
// adaptor state, so the real pass reproduces exactly the layout the
// measurement pass computed.
func (c *Compiler) compileFunc(ad adaptor.Adaptor, f adaptor.FuncID, funcSym elfobj.SymRef, lowerer InstLowerer) error {
	fname := ad.FuncLinkName(f)
	if ad.FuncExtern(f) {
		return nil
	}
	if !ad.SwitchFunc(f) {
		return orizonerrors.Unsupported(fname, "function uses a feature this adaptor cannot expose")
	}
	if ad.CurHasDynamicAlloca() {
		return orizonerrors.Unsupported(fname, "dynamic alloca is not supported by this backend")
	}

	result := analysis.Analyze(ad)

	measureEmit := backend.NewEmitter(c.Target)
	measureMgr := c.newManager()
	if _, err := c.runBody(measureMgr, measureEmit, ad, f, fname, result, lowerer); err != nil {
		return err
	}
	frameSize := measureMgr.Stack.FinalSize()
	calleeSaved := clobberedCalleeSaved(measureMgr, c.Target)

	emit := backend.NewEmitter(c.Target)
	mgr := c.newManager()

	// The CIE and this function's FDE are only built when unwind info is
	// actually needed (spec §4.A: built lazily, the first time any function
	// needs it); a function that never needs it gets no .eh_frame entry.
	var fde *elfobj.FDE
	if ad.CurNeedsUnwindInfo() {
		fde = c.Asm.BeginFDE(funcSym)
	}
	emit.Prologue(fde, frameSize, calleeSaved, adaptor.BankGPR)
	ctx, err := c.runBody(mgr, emit, ad, f, fname, result, lowerer)
	if err != nil {
		return err
	}
	emit.Epilogue(fde, frameSize, calleeSaved, adaptor.BankGPR)

	size, resolve, err := emit.Finish(c.Asm, funcSym, fde)
	if err != nil {
		return orizonerrors.Unsupported(fname, "code emission failed").Wrap(err)
	}

	if fde != nil && ctx.Except != nil && len(ctx.pendingSites) > 0 {
		for _, ps := range ctx.pendingSites {
			startOff := uint64(resolve(ps.start))
			endOff := uint64(resolve(ps.end))
			var landingOff uint64
			if ps.hasLanding {
				landingOff = uint64(resolve(ctx.blockMarkers[ps.landingBlock]))
			}
			ctx.Except.AddCallSite(elfobj.CallSite{
				StartOff: startOff, Length: endOff - startOff,
				LandingPad: landingOff, Action: ps.action,
			})
		}
		lsda := c.Asm.EncodeExceptFunc(fname, ctx.Except)
		fde.SetLSDA(lsda)
	}

	if fde != nil {
		c.Asm.EndFDE(fde, size)
	}
	return nil
}

func (c *Compiler) newManager() *assign.Manager {
	regs := regfile.NewFile(map[uint8]*regfile.Bank{
		uint8(adaptor.BankGPR): regfile.NewBank("gpr", c.Target.AllocatableGPR),
		uint8(adaptor.BankVec): regfile.NewBank("vec", c.Target.AllocatableVec),
	})
	stack := assign.NewStackFrame(c.Target.StackGrowsDown)
	hooks := &driverHooks{}
	numFixed := map[adaptor.Bank]int{
		adaptor.BankGPR: int(c.Target.NumFixedGPR),
		adaptor.BankVec: int(c.Target.NumFixedVec),
	}
	return assign.NewManager(regs, stack, hooks, numFixed)
}

func clobberedCalleeSaved(mgr *assign.Manager, t backend.Target) []backend.Reg {
	var out []backend.Reg
	clobbered := mgr.Regs.Clobbered(uint8(adaptor.BankGPR)) & t.CalleeSavedGPR
	for reg := uint32(0); reg < 32; reg++ {
		if clobbered&(uint32(1)<<reg) != 0 {
			out = append(out, backend.Reg(reg))
		}
	}
	return out
}

// runBody implements spec §4.F "Per-function" steps 1, 3-7: reset state,
// pre-create labels and PHI storage, bind arguments and allocas, walk the
// block layout, then release variable-ref assignments.
func (c *Compiler) runBody(mgr *assign.Manager, emit backend.Emitter, ad adaptor.Adaptor, f adaptor.FuncID, fname string, result *analysis.Result, lowerer InstLowerer) (*Context, error) {
	mgr.Reset(ad.CurHighestValIdx(), convertLiveness(result.Liveness))
	hooks := mgr.Hooks.(*driverHooks)
	hooks.emit = emit

	ctx := &Context{
		Ad:           ad,
		Mgr:          mgr,
		Emit:         emit,
		Target:       c.Target,
		Asm:          c.Asm,
		Result:       result,
		BlockLabels:  make(map[adaptor.BlockID]backend.Label, len(result.Layout)),
		Func:         f,
		blockMarkers: make(map[adaptor.BlockID]backend.Marker, len(result.Layout)),
	}
	ctx.mv = newMover(mgr, emit, c.Target)
	ctx.Mover = ctx.mv

	for _, b := range result.Layout {
		ctx.BlockLabels[b] = emit.NewLabel()
	}

	for _, b := range result.Layout {
		for _, phi := range ad.BlockPhis(b) {
			layout := ad.ValParts(phi)
			if layout.IncompatibleLayout {
				return nil, orizonerrors.IncompatibleLayout(fname, "a PHI value's register layout does not match its in-memory layout")
			}
			mgr.Create(ad.ValLocalIdx(phi), partsFromLayout(layout))
		}
	}

	if err := c.bindArgs(ctx, ad, fname); err != nil {
		return nil, err
	}
	if err := c.bindAllocas(ctx, ad); err != nil {
		return nil, err
	}

	for idx, b := range result.Layout {
		if err := c.compileBlock(ctx, ad, result, idx, b, lowerer); err != nil {
			return nil, orizonerrors.Unsupported(fname, "block %d", b).Wrap(err)
		}
	}

	mgr.ReleaseAllVariableRefs()
	return ctx, nil
}

// bindArgs implements spec §4.F step 4: the CC assigner classifies every
// argument and the driver binds each part directly to its ABI register
// (spec §4.D's bind_register). Stack-passed incoming arguments (register
// classes exhausted, or an explicit byval argument) are rejected: a
// correct implementation needs a second, positive-offset addressing
// convention this baseline never models, since every call site this
// backend emits only ever needs the negative, frame-relative convention
// for its own outgoing arguments.
func (c *Compiler) bindArgs(ctx *Context, ad adaptor.Adaptor, fname string) error {
	cc := ctx.NewCC(ad.CurIsVararg())
	cc.Reset()
	for _, v := range ad.CurArgs() {
		if ad.CurArgIsByval(v) {
			return orizonerrors.Unsupported(fname, "byval arguments are not supported")
		}
		layout := ad.ValParts(v)
		if layout.IncompatibleLayout {
			return orizonerrors.IncompatibleLayout(fname, "an argument's register layout does not match its in-memory layout")
		}
		parts := partsFromLayout(layout)
		a := ctx.Mgr.Create(ad.ValLocalIdx(v), parts)
		for i, p := range layout.Parts {
			cca := callconv.CCAssignment{Bank: p.Bank, Size: p.Size, Align: p.Size, SRet: ad.CurArgIsSret(v)}
			cc.AssignArg(&cca)
			if !cca.RegValid {
				return orizonerrors.Unsupported(fname, "stack-passed incoming arguments are not supported")
			}
			phys := ctx.Target.ArgPhysReg(cca.Bank, int(cca.Reg))
			assign.NewValueRef(ctx.Mgr, a).Part(i).BindRegister(uint32(phys))
		}
	}
	return nil
}

// bindAllocas implements spec §4.F step 5.
func (c *Compiler) bindAllocas(ctx *Context, ad adaptor.Adaptor) error {
	for _, v := range ad.CurStaticAllocas() {
		layout := ad.ValParts(v)
		size := layout.Size
		if size == 0 {
			size = 1
		}
		off := ctx.Mgr.Stack.Allocate(size)
		ctx.Mgr.CreateVariableRef(ad.ValLocalIdx(v), adaptor.BankGPR, ctx.Target.PointerSize, true, off)
	}
	return nil
}

// compileBlock implements spec §4.F's "Per-block" algorithm.
func (c *Compiler) compileBlock(ctx *Context, ad adaptor.Adaptor, result *analysis.Result, idx int, b adaptor.BlockID, lowerer InstLowerer) error {
	ctx.CurBlock = b
	ctx.CurLayoutIdx = idx
	ctx.Mgr.SetCurrentBlock(idx)
	ctx.Emit.BindLabel(ctx.Label(b))
	ctx.blockMarkers[b] = ctx.Emit.Mark()

	insts := ad.BlockInsts(b)
	for i, inst := range insts {
		if ad.InstFused(inst) {
			continue
		}
		if i == len(insts)-1 {
			succs := ad.BlockSuccs(b)
			c.prepareTerminator(ctx, ad, result, b, idx, succs)
			if err := lowerer.LowerTerminator(ctx, inst, succs); err != nil {
				return err
			}
			continue
		}
		rest := InstRange{insts: insts, pos: i}
		if err := lowerer.LowerInst(ctx, inst, rest); err != nil {
			return err
		}
	}

	ctx.Mgr.DrainBlockQueue(idx)
	return nil
}

// prepareTerminator runs spec §4.F's "Branch handling"/"PHI resolution"
// (when the block has successors) or "Return & unreachable" handling
// (when it has none — the only opcode-agnostic signal the driver has for
// "this is a return or unreachable instruction").
func (c *Compiler) prepareTerminator(ctx *Context, ad adaptor.Adaptor, result *analysis.Result, b adaptor.BlockID, idx int, succs []adaptor.BlockID) {
	if len(succs) == 0 {
		c.releaseRegsAfterReturn(ctx)
		return
	}
	for _, s := range succs {
		if phis := ad.BlockPhis(s); len(phis) > 0 {
			c.moveToPhiNodes(ctx, ad, b, phis)
		}
	}
	c.spillBeforeBranch(ctx, result, idx, succs)
}

// spillBeforeBranch implements spec §4.F's "Branch handling" paragraph.
func (c *Compiler) spillBeforeBranch(ctx *Context, result *analysis.Result, curIdx int, succs []adaptor.BlockID) {
	if len(succs) == 1 {
		nextIdx := curIdx + 1
		if nextIdx < len(result.Layout) && result.Layout[nextIdx] == succs[0] {
			if meta := result.Blocks[succs[0]]; meta != nil && meta.IncomingCount <= 1 {
				return // sole fall-through successor with one predecessor: state carries over.
			}
		}
	}
	for _, bank := range []adaptor.Bank{adaptor.BankGPR, adaptor.BankVec} {
		raw := uint8(bank)
		for _, reg := range ctx.Mgr.Regs.AllUsed(raw) {
			if ctx.Mgr.Regs.IsFixed(raw, reg) {
				continue
			}
			localIdx, partIdx := ctx.Mgr.Regs.Owner(raw, reg)
			a := ctx.Mgr.Get(localIdx)
			if a == nil {
				continue
			}
			if lv, ok := ctx.Mgr.Liveness[localIdx]; !ok || lv.Last <= curIdx {
				continue
			}
			assign.NewValueRef(ctx.Mgr, a).Part(int(partIdx)).Evict()
		}
	}
}

// releaseRegsAfterReturn implements spec §4.F's "Return & unreachable"
// paragraph: every non-fixed used register is freed directly, bypassing
// the ordinary spill-on-modified check, since no code after a return or
// unreachable instruction will ever observe these values again.
func (c *Compiler) releaseRegsAfterReturn(ctx *Context) {
	for _, bank := range []adaptor.Bank{adaptor.BankGPR, adaptor.BankVec} {
		raw := uint8(bank)
		for _, reg := range ctx.Mgr.Regs.AllUsed(raw) {
			if ctx.Mgr.Regs.IsFixed(raw, reg) {
				continue
			}
			localIdx, partIdx := ctx.Mgr.Regs.Owner(raw, reg)
			if a := ctx.Mgr.Get(localIdx); a != nil {
				a.Parts[partIdx].RegisterValid = false
			}
			ctx.Mgr.Regs.UnmarkUsed(raw, reg)
		}
	}
}

// tempValue is a scratch copy of a value's parts, spilled to fresh stack
// slots, used only to break a cycle in moveToPhiNodes.
type tempValue struct {
	parts []tempPart
}

type tempPart struct {
	bank adaptor.Bank
	size uint32
	off  uint32
}

// moveToPhiNodes implements spec §4.F's "PHI resolution" paragraph: phis is
// the target block's own PHI list, pred is the block branching into it. It
// builds the phi-to-phi dependence graph (an edge phi_a <- phi_b when
// incoming_value(phi_a) == phi_b and both belong to phis), resolves
// zero-in-degree nodes repeatedly, and breaks any remaining cycle by
// copying the cycle entry's source to a temporary stack slot first.
func (c *Compiler) moveToPhiNodes(ctx *Context, ad adaptor.Adaptor, pred adaptor.BlockID, phis []adaptor.ValID) {
	isPhi := make(map[adaptor.ValID]bool, len(phis))
	for _, p := range phis {
		isPhi[p] = true
	}
	incomingOf := make(map[adaptor.ValID]adaptor.ValID, len(phis))
	for _, p := range phis {
		incomingOf[p] = ad.ValIncomingFromBlock(p, pred)
	}

	inDegree := map[adaptor.ValID]int{}
	dependents := map[adaptor.ValID][]adaptor.ValID{}
	for _, p := range phis {
		src := incomingOf[p]
		if src == p {
			continue
		}
		if isPhi[src] {
			inDegree[p]++
			dependents[src] = append(dependents[src], p)
		}
	}

	done := make(map[adaptor.ValID]bool, len(phis))
	var queue []adaptor.ValID
	for _, p := range phis {
		if inDegree[p] == 0 {
			queue = append(queue, p)
		}
	}

	moveOne := func(p adaptor.ValID, tmp *tempValue) {
		src := incomingOf[p]
		if src != p {
			if tmp != nil {
				c.movePhiFromTemp(ctx, ad, p, *tmp)
			} else {
				c.movePhiValue(ctx, ad, p, src)
			}
		}
		done[p] = true
		for _, dep := range dependents[p] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	remaining := len(phis)
	for remaining > 0 {
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if done[p] {
				continue
			}
			moveOne(p, nil)
			remaining--
		}
		if remaining == 0 {
			break
		}
		var cyclePhi adaptor.ValID
		found := false
		for _, p := range phis {
			if !done[p] {
				cyclePhi, found = p, true
				break
			}
		}
		if !found {
			break
		}
		tmp := c.spillToTemp(ctx, ad, incomingOf[cyclePhi])
		moveOne(cyclePhi, &tmp)
		remaining--
	}
}

// movePhiValue implements the straight-line case: the incoming value's
// current register is spilled directly into the PHI's own spill slot. This
// baseline never grants a PHI a fixed register, so every PHI move goes
// through its stack slot rather than a register-to-register copy.
func (c *Compiler) movePhiValue(ctx *Context, ad adaptor.Adaptor, phi, incoming adaptor.ValID) {
	phiA := ctx.Mgr.Get(ad.ValLocalIdx(phi))
	incA := ctx.Mgr.Get(ad.ValLocalIdx(incoming))
	if phiA == nil || incA == nil {
		return
	}
	for i := range phiA.Parts {
		p := &phiA.Parts[i]
		srcRef := assign.NewValueRef(ctx.Mgr, incA).Part(i)
		reg := srcRef.Load()
		if phiA.FrameOff == 0 {
			phiA.FrameOff = ctx.Mgr.Stack.Allocate(phiA.MaxPartSize)
		}
		ctx.Mgr.Hooks.SpillReg(p.Bank, reg, phiA.FrameOff+p.PartOffset, p.Size)
		p.StackValid = true
	}
	assign.NewValueRef(ctx.Mgr, incA).Release()
}

// spillToTemp copies v's current value out to fresh, dedicated stack slots,
// used to break a PHI dependence cycle before any of its members' registers
// get overwritten by another member's move.
func (c *Compiler) spillToTemp(ctx *Context, ad adaptor.Adaptor, v adaptor.ValID) tempValue {
	a := ctx.Mgr.Get(ad.ValLocalIdx(v))
	tmp := tempValue{parts: make([]tempPart, len(a.Parts))}
	for i := range a.Parts {
		ref := assign.NewValueRef(ctx.Mgr, a).Part(i)
		reg := ref.Load()
		size := ref.Size()
		off := ctx.Mgr.Stack.Allocate(size)
		ctx.Mgr.Hooks.SpillReg(ref.Bank(), reg, off, size)
		tmp.parts[i] = tempPart{bank: ref.Bank(), size: size, off: off}
	}
	return tmp
}

// movePhiFromTemp finishes a cycle-breaking move: the value was already
// copied out by spillToTemp, so this only needs to relocate it into the
// PHI's own slot via a scratch register.
func (c *Compiler) movePhiFromTemp(ctx *Context, ad adaptor.Adaptor, phi adaptor.ValID, tmp tempValue) {
	phiA := ctx.Mgr.Get(ad.ValLocalIdx(phi))
	if phiA == nil {
		return
	}
	for i := range phiA.Parts {
		p := &phiA.Parts[i]
		if phiA.FrameOff == 0 {
			phiA.FrameOff = ctx.Mgr.Stack.Allocate(phiA.MaxPartSize)
		}
		tp := tmp.parts[i]
		scratch := assign.AllocScratch(ctx.Mgr, tp.bank)
		ctx.Mgr.Hooks.LoadFromStack(tp.bank, scratch.Reg(), tp.off, tp.size)
		ctx.Mgr.Hooks.SpillReg(p.Bank, scratch.Reg(), phiA.FrameOff+p.PartOffset, p.Size)
		scratch.Close(ctx.Mgr)
		ctx.Mgr.Stack.Free(tp.size, tp.off)
		p.StackValid = true
	}
}

// convertLiveness adapts the analyser's Liveness record into assign's
// identically-shaped one; the two packages intentionally don't share the
// type (assign avoids importing analysis to keep the value model usable
// without a full analysis pass), so the driver bridges them here.
func convertLiveness(in map[uint32]analysis.Liveness) map[uint32]assign.Liveness {
	out := make(map[uint32]assign.Liveness, len(in))
	for k, v := range in {
		out[k] = assign.Liveness{First: v.First, Last: v.Last, LastFull: v.LastFull, RefCount: v.RefCount}
	}
	return out
}

// partsFromLayout translates an adaptor.TypeLayout into the assign.Part
// slice a Manager Assignment is built from, computing each part's
// in-memory offset from the running size+padding total (spec §3's parts
// decomposition).
func partsFromLayout(layout adaptor.TypeLayout) []assign.Part {
	parts := make([]assign.Part, len(layout.Parts))
	var off uint32
	for i, p := range layout.Parts {
		parts[i] = assign.Part{Bank: p.Bank, Size: p.Size, PartOffset: off}
		off += p.Size + p.PadAfter
	}
	return parts
}
