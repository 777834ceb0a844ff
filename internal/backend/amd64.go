package backend

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/elfobj"
)

// amd64GPR maps our DWARF-numbered Reg space (spec's elfobj.DWReg*
// constants) to golang-asm's x86 register operands, SysV order.
var amd64GPR = [16]int16{
	x86.REG_AX, x86.REG_DX, x86.REG_CX, x86.REG_BX,
	x86.REG_SI, x86.REG_DI, x86.REG_BP, x86.REG_SP,
	x86.REG_R8, x86.REG_R9, x86.REG_R10, x86.REG_R11,
	x86.REG_R12, x86.REG_R13, x86.REG_R14, x86.REG_R15,
}

var amd64Vec = [16]int16{
	x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3,
	x86.REG_X4, x86.REG_X5, x86.REG_X6, x86.REG_X7,
	x86.REG_X8, x86.REG_X9, x86.REG_X10, x86.REG_X11,
	x86.REG_X12, x86.REG_X13, x86.REG_X14, x86.REG_X15,
}

// AMD64IntArgPhysReg/AMD64VecArgPhysReg translate a callconv.CCAssignment
// register index into the physical Reg internal/driver passes to Emitter,
// for the SysV argument classes (spec §4.E wiring into §4.G).
func AMD64IntArgPhysReg(idx int) Reg {
	order := [6]int16{x86.REG_DI, x86.REG_SI, x86.REG_DX, x86.REG_CX, x86.REG_R8, x86.REG_R9}
	return amd64RegFromRaw(order[idx], amd64GPR[:])
}

func AMD64VecArgPhysReg(idx int) Reg { return Reg(idx) }

func amd64RegFromRaw(raw int16, table []int16) Reg {
	for i, r := range table {
		if r == raw {
			return Reg(i)
		}
	}
	panic("backend: register not in table")
}

func physGPR(r Reg) int16 { return amd64GPR[r] }
func physVec(r Reg) int16 { return amd64Vec[r] }

func widthAs(op64, op32 obj.As, widthBytes uint32) obj.As {
	if widthBytes <= 4 {
		return op32
	}
	return op64
}

type amd64Label struct {
	bound   *obj.Prog
	pending []*obj.Prog
}

type amd64Emitter struct {
	b          *goasm.Builder
	labels     []amd64Label
	callFixups []callFixup
	cfiEvents  []cfiEvent
	markers    []*obj.Prog
}

func newAMD64Emitter() *amd64Emitter {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		panic(fmt.Sprintf("backend: failed to create amd64 assembly builder: %v", err))
	}
	return &amd64Emitter{b: b}
}

func (e *amd64Emitter) NewLabel() Label {
	e.labels = append(e.labels, amd64Label{})
	return Label(len(e.labels) - 1)
}

func (e *amd64Emitter) BindLabel(l Label) {
	p := e.b.NewProg()
	p.As = obj.ANOP
	e.b.AddInstruction(p)
	lbl := &e.labels[l]
	lbl.bound = p
	for _, br := range lbl.pending {
		br.To.SetTarget(p)
	}
	lbl.pending = nil
}

func (e *amd64Emitter) branchTo(prog *obj.Prog, l Label) {
	lbl := &e.labels[l]
	if lbl.bound != nil {
		prog.To.SetTarget(lbl.bound)
		return
	}
	lbl.pending = append(lbl.pending, prog)
}

func (e *amd64Emitter) regReg(as obj.As, dst, src int16) {
	p := e.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	e.b.AddInstruction(p)
}

func (e *amd64Emitter) Mov(bank adaptor.Bank, dst, src Reg, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.regReg(x86.AMOVSD, physVec(dst), physVec(src))
		return
	}
	e.regReg(widthAs(x86.AMOVQ, x86.AMOVL, widthBytes), physGPR(dst), physGPR(src))
}

func (e *amd64Emitter) LoadImm64(dst Reg, v uint64) {
	p := e.b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(v)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = physGPR(dst)
	e.b.AddInstruction(p)
}

func (e *amd64Emitter) memReg(as obj.As, memReg int16, off int32, reg int16, loadToReg bool) {
	p := e.b.NewProg()
	p.As = as
	if loadToReg {
		p.From.Type = obj.TYPE_MEM
		p.From.Reg = memReg
		p.From.Offset = int64(off)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
	} else {
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = memReg
		p.To.Offset = int64(off)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
	}
	e.b.AddInstruction(p)
}

func (e *amd64Emitter) LoadStack(bank adaptor.Bank, dst Reg, frameOff int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(x86.AMOVSD, x86.REG_BP, frameOff, physVec(dst), true)
		return
	}
	e.memReg(widthAs(x86.AMOVQ, x86.AMOVL, widthBytes), x86.REG_BP, frameOff, physGPR(dst), true)
}

func (e *amd64Emitter) StoreStack(bank adaptor.Bank, src Reg, frameOff int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(x86.AMOVSD, x86.REG_BP, frameOff, physVec(src), false)
		return
	}
	e.memReg(widthAs(x86.AMOVQ, x86.AMOVL, widthBytes), x86.REG_BP, frameOff, physGPR(src), false)
}

func (e *amd64Emitter) LoadMem(bank adaptor.Bank, dst, base Reg, offset int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(x86.AMOVSD, physGPR(base), offset, physVec(dst), true)
		return
	}
	e.memReg(widthAs(x86.AMOVQ, x86.AMOVL, widthBytes), physGPR(base), offset, physGPR(dst), true)
}

func (e *amd64Emitter) StoreMem(bank adaptor.Bank, src, base Reg, offset int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(x86.AMOVSD, physGPR(base), offset, physVec(src), false)
		return
	}
	e.memReg(widthAs(x86.AMOVQ, x86.AMOVL, widthBytes), physGPR(base), offset, physGPR(src), false)
}

func (e *amd64Emitter) LoadFrameAddr(dst Reg, frameOff int32) {
	p := e.b.NewProg()
	p.As = x86.ALEAQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = x86.REG_BP
	p.From.Offset = int64(frameOff)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = physGPR(dst)
	e.b.AddInstruction(p)
}

func (e *amd64Emitter) SignExtend(dst, src Reg, fromBits, toBits uint32) {
	as := x86.AMOVLQSX
	switch fromBits {
	case 8:
		as = x86.AMOVBQSX
	case 16:
		as = x86.AMOVWQSX
	case 32:
		as = x86.AMOVLQSX
	}
	if toBits <= 32 {
		switch fromBits {
		case 8:
			as = x86.AMOVBLSX
		case 16:
			as = x86.AMOVWLSX
		}
	}
	e.regReg(as, physGPR(dst), physGPR(src))
}

func (e *amd64Emitter) ZeroExtend(dst, src Reg, fromBits, toBits uint32) {
	if fromBits == 32 {
		// MOVL into a 64-bit destination already zero-extends on amd64.
		e.regReg(x86.AMOVL, physGPR(dst), physGPR(src))
		return
	}
	as := x86.AMOVLQZX
	switch fromBits {
	case 8:
		as = x86.AMOVBQZX
	case 16:
		as = x86.AMOVWQZX
	}
	if toBits <= 32 {
		switch fromBits {
		case 8:
			as = x86.AMOVBLZX
		case 16:
			as = x86.AMOVWLZX
		}
	}
	e.regReg(as, physGPR(dst), physGPR(src))
}

var binOpAs = map[BinOp][2]obj.As{ // [64-bit, 32-bit]
	OpAdd: {x86.AADDQ, x86.AADDL},
	OpSub: {x86.ASUBQ, x86.ASUBL},
	OpMul: {x86.AIMULQ, x86.AIMULL},
	OpAnd: {x86.AANDQ, x86.AANDL},
	OpOr:  {x86.AORQ, x86.AORL},
	OpXor: {x86.AXORQ, x86.AXORL},
	OpShl: {x86.ASHLQ, x86.ASHLL},
	OpShr: {x86.ASHRQ, x86.ASHRL},
	OpSar: {x86.ASARQ, x86.ASARL},
}

func (e *amd64Emitter) BinOp(op BinOp, bank adaptor.Bank, dst, lhs, rhs Reg, widthBytes uint32) {
	as := binOpAs[op]
	chosen := as[0]
	if widthBytes <= 4 {
		chosen = as[1]
	}
	if dst != lhs {
		e.Mov(bank, dst, lhs, widthBytes)
	}
	e.regReg(chosen, physGPR(dst), physGPR(rhs))
}

func (e *amd64Emitter) cmp(lhs, rhs Reg, widthBytes uint32) {
	e.regReg(widthAs(x86.ACMPQ, x86.ACMPL, widthBytes), physGPR(lhs), physGPR(rhs))
}

var condJcc = map[Cond]obj.As{
	CondEQ: x86.AJEQ, CondNE: x86.AJNE,
	CondLT: x86.AJLT, CondLE: x86.AJLE, CondGT: x86.AJGT, CondGE: x86.AJGE,
	CondULT: x86.AJCS, CondULE: x86.AJLS, CondUGT: x86.AJHI, CondUGE: x86.AJCC,
}

func (e *amd64Emitter) jcc(cond Cond, target Label) {
	p := e.b.NewProg()
	p.As = condJcc[cond]
	p.To.Type = obj.TYPE_BRANCH
	e.branchTo(p, target)
	e.b.AddInstruction(p)
}

// Cmp materialises cond(lhs, rhs) into dst as 0/1 using a branch sequence
// rather than SETcc, to avoid needing byte-sized register aliases.
func (e *amd64Emitter) Cmp(cond Cond, dst, lhs, rhs Reg, widthBytes uint32) {
	e.cmp(lhs, rhs, widthBytes)
	skip := e.NewLabel()
	done := e.NewLabel()
	e.jcc(cond, skip)
	e.LoadImm64(dst, 0)
	e.jmp(done)
	e.BindLabel(skip)
	e.LoadImm64(dst, 1)
	e.BindLabel(done)
}

func (e *amd64Emitter) jmp(target Label) {
	p := e.b.NewProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_BRANCH
	e.branchTo(p, target)
	e.b.AddInstruction(p)
}

func (e *amd64Emitter) Jump(target Label) { e.jmp(target) }

func (e *amd64Emitter) CondJump(cond Cond, lhs, rhs Reg, widthBytes uint32, target Label) {
	e.cmp(lhs, rhs, widthBytes)
	e.jcc(cond, target)
}

func (e *amd64Emitter) CallDirect(sym elfobj.SymRef) {
	p := e.b.NewProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_BRANCH
	// The real target is an as-yet-unknown ELF symbol, not another
	// instruction in this function; branch to self so golang-asm encodes a
	// resolvable near CALL rel32, then overwrite the displacement with an
	// ELF relocation to sym in Finish.
	p.To.SetTarget(p)
	e.b.AddInstruction(p)
	e.callFixups = append(e.callFixups, callFixup{prog: p, sym: sym})
}

func (e *amd64Emitter) CallIndirect(target Reg) {
	p := e.b.NewProg()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = physGPR(target)
	e.b.AddInstruction(p)
}

func (e *amd64Emitter) Ret() {
	p := e.b.NewProg()
	p.As = obj.ARET
	e.b.AddInstruction(p)
}

// recordCFI inserts a zero-effect NOP marker right after the instruction(s)
// that just changed frame state, so its eventual Prog.Pc (known only once
// Assemble runs, in Finish) is the byte offset the CFI directive applies
// from.
func (e *amd64Emitter) recordCFI(apply func(*elfobj.FDE)) {
	marker := e.b.NewProg()
	marker.As = obj.ANOP
	e.b.AddInstruction(marker)
	e.cfiEvents = append(e.cfiEvents, cfiEvent{prog: marker, apply: apply})
}

func (e *amd64Emitter) Prologue(fde *elfobj.FDE, frameSize uint32, calleeSaved []Reg, bank adaptor.Bank) {
	push := e.b.NewProg()
	push.As = x86.APUSHQ
	push.From.Type = obj.TYPE_REG
	push.From.Reg = x86.REG_BP
	e.b.AddInstruction(push)
	e.recordCFI(func(f *elfobj.FDE) {
		f.DefCFAOffset(16)
		f.Offset(elfobj.DWRegRBP, 2)
	})

	e.regReg(x86.AMOVQ, x86.REG_BP, x86.REG_SP)
	e.recordCFI(func(f *elfobj.FDE) { f.DefCFARegister(elfobj.DWRegRBP) })

	// reserveSize covers both the spill/alloca area sized by frameSize and
	// the callee-saved register slots stored below it; RSP must drop far
	// enough that a later CALL's return-address push lands below both.
	reserveSize := frameSize + uint32(len(calleeSaved))*8
	if reserveSize > 0 {
		p := e.b.NewProg()
		p.As = x86.ASUBQ
		p.From.Type = obj.TYPE_CONST
		p.From.Offset = int64(reserveSize)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = x86.REG_SP
		e.b.AddInstruction(p)
	}
	for i, r := range calleeSaved {
		off := -int32(frameSize) - int32(i+1)*8
		e.StoreStack(bank, r, off, 8)
		idx := i
		reg := r
		e.recordCFI(func(f *elfobj.FDE) { f.Offset(uint8(reg), uint64(idx)+3) })
	}
}

func (e *amd64Emitter) Epilogue(fde *elfobj.FDE, frameSize uint32, calleeSaved []Reg, bank adaptor.Bank) {
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		off := -int32(frameSize) - int32(i+1)*8
		e.LoadStack(bank, calleeSaved[i], off, 8)
	}
	leave := e.b.NewProg()
	leave.As = obj.ALEAVE
	e.b.AddInstruction(leave)
	e.Ret()
}

func (e *amd64Emitter) Mark() Marker {
	marker := e.b.NewProg()
	marker.As = obj.ANOP
	e.b.AddInstruction(marker)
	e.markers = append(e.markers, marker)
	return Marker(len(e.markers) - 1)
}

type callFixup struct {
	prog *obj.Prog
	sym  elfobj.SymRef
}

type cfiEvent struct {
	prog  *obj.Prog
	apply func(*elfobj.FDE)
}

func (e *amd64Emitter) Finish(asm *elfobj.Assembler, funcSym elfobj.SymRef, fde *elfobj.FDE) (uint64, func(Marker) uint32, error) {
	code := e.b.Assemble()
	if fde != nil {
		for _, ev := range e.cfiEvents {
			fde.AdvanceLoc(uint32(ev.prog.Pc))
			ev.apply(fde)
		}
	}
	w := asm.Writer(".text")
	start := w.WriteBytes(code)
	for _, fx := range e.callFixups {
		off := start + uint64(fx.prog.Pc)
		asm.Reloc(w.Ref(), fx.sym, asm.Target().CallReloc, off+1, -4)
	}
	asm.SetSymbolValue(funcSym, start)
	asm.SetSymbolSize(funcSym, uint64(len(code)))
	markers := e.markers
	resolve := func(m Marker) uint32 { return uint32(markers[m].Pc) }
	return uint64(len(code)), resolve, nil
}
