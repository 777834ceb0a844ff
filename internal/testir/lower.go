package testir

import (
	"fmt"

	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/assign"
	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/callconv"
	"github.com/orizon-lang/baseco/internal/driver"
	"github.com/orizon-lang/baseco/internal/elfobj"
)

// Lowerer implements driver.InstLowerer over this package's opcode set; it
// is the opcode-specific half of spec §4.F's per-block walk (the other
// half, opcode-agnostic block/PHI/branch bookkeeping, lives entirely in
// internal/driver).
type Lowerer struct{}

func ir(c *driver.Context) *IRAdaptor { return c.Ad.(*IRAdaptor) }

func (Lowerer) LowerInst(c *driver.Context, instID adaptor.InstID, _ driver.InstRange) error {
	ta := ir(c)
	in := ta.Inst(instID)
	switch in.Op {
	case OpConstInt:
		return lowerConstInt(c, ta, in)
	case OpBin:
		return lowerBin(c, ta, in)
	case OpLoad:
		return lowerLoad(c, ta, in)
	case OpStore:
		return lowerStore(c, in)
	case OpCall:
		return lowerCall(c, ta, in)
	default:
		return fmt.Errorf("testir: %s is not a valid non-terminator instruction", in.Op)
	}
}

func (Lowerer) LowerTerminator(c *driver.Context, instID adaptor.InstID, succs []adaptor.BlockID) error {
	ta := ir(c)
	in := ta.Inst(instID)
	switch in.Op {
	case OpBr:
		c.Emit.Jump(c.Label(succs[0]))
		return nil
	case OpCondBr:
		return lowerCondBr(c, in, succs)
	case OpRet:
		return lowerRet(c, ta, in)
	case OpUnreachable:
		return nil
	default:
		return fmt.Errorf("testir: %s is not a valid terminator instruction", in.Op)
	}
}

// assignParts mirrors internal/driver's own partsFromLayout: it is not
// exported, so this package (an external adaptor/lowerer pairing, same as
// any real frontend would be) recomputes the in-memory offsets itself.
func assignParts(parts []adaptor.Part) []assign.Part {
	out := make([]assign.Part, len(parts))
	var off uint32
	for i, p := range parts {
		out[i] = assign.Part{Bank: p.Bank, Size: p.Size, PartOffset: off}
		off += p.Size + p.PadAfter
	}
	return out
}

func createResult(c *driver.Context, v adaptor.ValID, parts []adaptor.Part) *assign.Assignment {
	return c.Mgr.Create(c.Ad.ValLocalIdx(v), assignParts(parts))
}

func getValueRef(c *driver.Context, v adaptor.ValID) assign.ValueRef {
	a := c.Mgr.Get(c.Ad.ValLocalIdx(v))
	return assign.NewValueRef(c.Mgr, a)
}

func toBinOp(k BinKind) backend.BinOp {
	switch k {
	case BinAdd:
		return backend.OpAdd
	case BinSub:
		return backend.OpSub
	case BinMul:
		return backend.OpMul
	case BinAnd:
		return backend.OpAnd
	case BinOr:
		return backend.OpOr
	case BinXor:
		return backend.OpXor
	case BinShl:
		return backend.OpShl
	case BinShr:
		return backend.OpShr
	case BinSar:
		return backend.OpSar
	default:
		panic(fmt.Sprintf("testir: unknown BinKind %d", k))
	}
}

func toCond(k Cond) backend.Cond {
	switch k {
	case CondEQ:
		return backend.CondEQ
	case CondNE:
		return backend.CondNE
	case CondLT:
		return backend.CondLT
	case CondLE:
		return backend.CondLE
	case CondGT:
		return backend.CondGT
	case CondGE:
		return backend.CondGE
	case CondULT:
		return backend.CondULT
	case CondULE:
		return backend.CondULE
	case CondUGT:
		return backend.CondUGT
	case CondUGE:
		return backend.CondUGE
	default:
		panic(fmt.Sprintf("testir: unknown Cond %d", k))
	}
}

func lowerConstInt(c *driver.Context, ta *IRAdaptor, in *Inst) error {
	res := ta.Value(in.Results[0])
	a := createResult(c, res.ID, res.Parts)
	pr := assign.NewValueRef(c.Mgr, a).Part(0)
	reg := assign.SelectRegEvict(c.Mgr, pr.Bank(), 0)
	pr.BindRegister(reg)
	c.Emit.LoadImm64(backend.Reg(reg), in.ConstVal)
	pr.MarkModified()
	return nil
}

// lowerBin always copies its left operand into a fresh destination register
// rather than attempting to salvage it; this backend is a non-optimizing
// baseline and call/phi lowering already follow the same always-copy shape.
func lowerBin(c *driver.Context, ta *IRAdaptor, in *Inst) error {
	lhsVR := getValueRef(c, in.Operands[0])
	rhsVR := getValueRef(c, in.Operands[1])
	lhsReg := lhsVR.Part(0).Load()
	rhsReg := rhsVR.Part(0).Load()

	res := ta.Value(in.Results[0])
	dstA := createResult(c, res.ID, res.Parts)
	dstPR := assign.NewValueRef(c.Mgr, dstA).Part(0)
	dstReg := assign.SelectRegEvict(c.Mgr, dstPR.Bank(), 0)
	dstPR.BindRegister(dstReg)

	size := dstPR.Size()
	c.Emit.Mov(dstPR.Bank(), backend.Reg(dstReg), backend.Reg(lhsReg), size)
	c.Emit.BinOp(toBinOp(in.Bin), dstPR.Bank(), backend.Reg(dstReg), backend.Reg(dstReg), backend.Reg(rhsReg), size)
	dstPR.MarkModified()

	lhsVR.Release()
	rhsVR.Release()
	return nil
}

func lowerLoad(c *driver.Context, ta *IRAdaptor, in *Inst) error {
	ptrVR := getValueRef(c, in.Operands[0])
	ptrReg := ptrVR.Part(0).Load()

	res := ta.Value(in.Results[0])
	dstA := createResult(c, res.ID, res.Parts)
	dstPR := assign.NewValueRef(c.Mgr, dstA).Part(0)
	dstReg := assign.SelectRegEvict(c.Mgr, dstPR.Bank(), 0)
	dstPR.BindRegister(dstReg)

	c.Emit.LoadMem(dstPR.Bank(), backend.Reg(dstReg), backend.Reg(ptrReg), 0, in.MemSize)
	dstPR.MarkModified()

	ptrVR.Release()
	return nil
}

func lowerStore(c *driver.Context, in *Inst) error {
	ptrVR := getValueRef(c, in.Operands[0])
	valVR := getValueRef(c, in.Operands[1])
	ptrReg := ptrVR.Part(0).Load()
	valPR := valVR.Part(0)
	valReg := valPR.Load()

	c.Emit.StoreMem(valPR.Bank(), backend.Reg(valReg), backend.Reg(ptrReg), 0, in.MemSize)

	ptrVR.Release()
	valVR.Release()
	return nil
}

// lowerCall builds the CallArg/RetValue lists spec §4.E's CallBuilder/
// RetBuilder need and drives them through driver.Context.EmitCall. A call
// flagged HasLandingPad wraps the call in BeginCallSite/EndCallSite so the
// driver's exception-table wiring (spec §4.A, testable property S5) has a
// region to record.
func lowerCall(c *driver.Context, ta *IRAdaptor, in *Inst) error {
	cc := c.NewCC(in.Vararg)

	ops := in.Operands
	argStart := 0
	var indirectVR assign.ValueRef
	if in.Indirect {
		indirectVR = getValueRef(c, ops[0])
		argStart = 1
	}

	var args []callconv.CallArg
	var argVRs []assign.ValueRef
	for oi := argStart; oi < len(ops); oi++ {
		opID := ops[oi]
		vr := getValueRef(c, opID)
		argVRs = append(argVRs, vr)
		argIdx := oi - argStart
		if bv, ok := in.ByvalOperand[argIdx]; ok {
			cca := callconv.CCAssignment{Bank: adaptor.BankGPR, Size: bv.Size, Align: bv.Align, ByVal: true}
			args = append(args, callconv.CallArg{CCA: cca, Part: vr.Part(0)})
			continue
		}
		v := ta.Value(opID)
		for pi, p := range v.Parts {
			cca := callconv.CCAssignment{Bank: p.Bank, Size: p.Size, Align: p.Size}
			args = append(args, callconv.CallArg{CCA: cca, Part: vr.Part(pi)})
		}
	}

	var rets []callconv.RetValue
	for _, resID := range in.Results {
		res := ta.Value(resID)
		dstA := createResult(c, res.ID, res.Parts)
		rvr := assign.NewValueRef(c.Mgr, dstA)
		for pi, p := range res.Parts {
			cca := callconv.CCAssignment{Bank: p.Bank, Size: p.Size, Align: p.Size}
			rets = append(rets, callconv.RetValue{CCA: cca, Part: rvr.Part(pi)})
		}
	}

	cs := driver.CallSite{CC: cc, Args: args, Rets: rets}
	if in.Indirect {
		cs.Indirect = true
		cs.IndirectTarget = indirectVR.Part(0)
	} else {
		cs.Direct = c.Asm.DefineUndefGlobal(in.CalleeExtern)
	}

	var start backend.Marker
	var action uint32
	if in.HasLandingPad {
		if in.CatchType != "" {
			sym := c.Asm.DefineUndefGlobal(in.CatchType)
			ti := c.TypeIndex(sym)
			action = c.AddAction(elfobj.ActionEntry{TypeFilter: ti, Next: 0})
		}
		start = c.BeginCallSite()
	}

	c.EmitCall(cs)

	if in.HasLandingPad {
		c.EndCallSite(start, in.LandingPad, true, action)
	}

	for _, vr := range argVRs {
		vr.Release()
	}
	if in.Indirect {
		indirectVR.Release()
	}
	return nil
}

func lowerCondBr(c *driver.Context, in *Inst, succs []adaptor.BlockID) error {
	lhsVR := getValueRef(c, in.Operands[0])
	rhsVR := getValueRef(c, in.Operands[1])
	lhsPR := lhsVR.Part(0)
	rhsPR := rhsVR.Part(0)
	lhsReg := lhsPR.Load()
	rhsReg := rhsPR.Load()

	c.Emit.CondJump(toCond(in.CondKind), lhsReg, rhsReg, lhsPR.Size(), c.Label(succs[0]))
	c.Emit.Jump(c.Label(succs[1]))

	lhsVR.Release()
	rhsVR.Release()
	return nil
}

// lowerRet places every return operand via spec §4.E's RetBuilder, using
// the function's own calling convention (not a call site's). An sret
// function passes its own sret argument Value back through Ret; Value.Sret
// being true drives AssignRet's indirect-result-pointer classification
// (spec §8 S4).
func lowerRet(c *driver.Context, ta *IRAdaptor, in *Inst) error {
	if len(in.Operands) == 0 {
		return nil
	}
	cc := c.NewCC(false)
	var rets []callconv.RetValue
	var vrs []assign.ValueRef
	for _, opID := range in.Operands {
		vr := getValueRef(c, opID)
		vrs = append(vrs, vr)
		v := ta.Value(opID)
		for pi, p := range v.Parts {
			cca := callconv.CCAssignment{Bank: p.Bank, Size: p.Size, Align: p.Size, SRet: v.Sret}
			rets = append(rets, callconv.RetValue{CCA: cca, Part: vr.Part(pi)})
		}
	}
	rb := callconv.RetBuilder{CC: cc, Mover: c.Mover}
	rb.Build(rets)
	for _, vr := range vrs {
		vr.Release()
	}
	return nil
}
