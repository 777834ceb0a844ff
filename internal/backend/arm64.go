package backend

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/elfobj"
)

// arm64GPR maps our DWARF-numbered Reg space (elfobj.DWReg* constants,
// x0..x30) to golang-asm's arm64 register operands.
var arm64GPR = [31]int16{
	arm64.REG_R0, arm64.REG_R1, arm64.REG_R2, arm64.REG_R3,
	arm64.REG_R4, arm64.REG_R5, arm64.REG_R6, arm64.REG_R7,
	arm64.REG_R8, arm64.REG_R9, arm64.REG_R10, arm64.REG_R11,
	arm64.REG_R12, arm64.REG_R13, arm64.REG_R14, arm64.REG_R15,
	arm64.REG_R16, arm64.REG_R17, arm64.REG_R18, arm64.REG_R19,
	arm64.REG_R20, arm64.REG_R21, arm64.REG_R22, arm64.REG_R23,
	arm64.REG_R24, arm64.REG_R25, arm64.REG_R26, arm64.REG_R27,
	arm64.REG_R28, arm64.REG_R29, arm64.REG_R30,
}

var arm64Vec = [32]int16{
	arm64.REG_F0, arm64.REG_F1, arm64.REG_F2, arm64.REG_F3,
	arm64.REG_F4, arm64.REG_F5, arm64.REG_F6, arm64.REG_F7,
	arm64.REG_F8, arm64.REG_F9, arm64.REG_F10, arm64.REG_F11,
	arm64.REG_F12, arm64.REG_F13, arm64.REG_F14, arm64.REG_F15,
	arm64.REG_F16, arm64.REG_F17, arm64.REG_F18, arm64.REG_F19,
	arm64.REG_F20, arm64.REG_F21, arm64.REG_F22, arm64.REG_F23,
	arm64.REG_F24, arm64.REG_F25, arm64.REG_F26, arm64.REG_F27,
	arm64.REG_F28, arm64.REG_F29, arm64.REG_F30, arm64.REG_F31,
}

// ARM64IntArgPhysReg/ARM64VecArgPhysReg translate a callconv.CCAssignment
// register index into the physical Reg internal/driver passes to Emitter,
// for the AAPCS64 argument classes (spec §4.E wiring into §4.G).
func ARM64IntArgPhysReg(idx int) Reg { return Reg(idx) } // x0..x7, same index space as elfobj DWReg
func ARM64VecArgPhysReg(idx int) Reg { return Reg(idx) } // v0..v7

func arm64physGPR(r Reg) int16 { return arm64GPR[r] }
func arm64physVec(r Reg) int16 { return arm64Vec[r] }

func arm64WidthAs(op64, op32 obj.As, widthBytes uint32) obj.As {
	if widthBytes <= 4 {
		return op32
	}
	return op64
}

type arm64Label struct {
	bound   *obj.Prog
	pending []*obj.Prog
}

type arm64Emitter struct {
	b          *goasm.Builder
	labels     []arm64Label
	callFixups []callFixup
	cfiEvents  []cfiEvent
	markers    []*obj.Prog
}

func newARM64Emitter() *arm64Emitter {
	b, err := goasm.NewBuilder("arm64", 1024)
	if err != nil {
		panic(fmt.Sprintf("backend: failed to create arm64 assembly builder: %v", err))
	}
	return &arm64Emitter{b: b}
}

func (e *arm64Emitter) NewLabel() Label {
	e.labels = append(e.labels, arm64Label{})
	return Label(len(e.labels) - 1)
}

func (e *arm64Emitter) BindLabel(l Label) {
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

func (e *arm64Emitter) branchTo(prog *obj.Prog, l Label) {
	lbl := &e.labels[l]
	if lbl.bound != nil {
		prog.To.SetTarget(lbl.bound)
		return
	}
	lbl.pending = append(lbl.pending, prog)
}

func (e *arm64Emitter) regReg(as obj.As, dst, src int16) {
	p := e.b.NewProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) Mov(bank adaptor.Bank, dst, src Reg, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.regReg(arm64.AFMOVD, arm64physVec(dst), arm64physVec(src))
		return
	}
	e.regReg(arm64WidthAs(arm64.AMOVD, arm64.AMOVW, widthBytes), arm64physGPR(dst), arm64physGPR(src))
}

func (e *arm64Emitter) LoadImm64(dst Reg, v uint64) {
	p := e.b.NewProg()
	p.As = arm64.AMOVD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(v)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64physGPR(dst)
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) memReg(as obj.As, base int16, off int32, reg int16, loadToReg bool) {
	p := e.b.NewProg()
	p.As = as
	if loadToReg {
		p.From.Type = obj.TYPE_MEM
		p.From.Reg = base
		p.From.Offset = int64(off)
		p.To.Type = obj.TYPE_REG
		p.To.Reg = reg
	} else {
		p.To.Type = obj.TYPE_MEM
		p.To.Reg = base
		p.To.Offset = int64(off)
		p.From.Type = obj.TYPE_REG
		p.From.Reg = reg
	}
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) LoadStack(bank adaptor.Bank, dst Reg, frameOff int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(arm64.AFMOVD, arm64.REGFP, frameOff, arm64physVec(dst), true)
		return
	}
	e.memReg(arm64WidthAs(arm64.AMOVD, arm64.AMOVW, widthBytes), arm64.REGFP, frameOff, arm64physGPR(dst), true)
}

func (e *arm64Emitter) StoreStack(bank adaptor.Bank, src Reg, frameOff int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(arm64.AFMOVD, arm64.REGFP, frameOff, arm64physVec(src), false)
		return
	}
	e.memReg(arm64WidthAs(arm64.AMOVD, arm64.AMOVW, widthBytes), arm64.REGFP, frameOff, arm64physGPR(src), false)
}

func (e *arm64Emitter) LoadMem(bank adaptor.Bank, dst, base Reg, offset int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(arm64.AFMOVD, arm64physGPR(base), offset, arm64physVec(dst), true)
		return
	}
	e.memReg(arm64WidthAs(arm64.AMOVD, arm64.AMOVW, widthBytes), arm64physGPR(base), offset, arm64physGPR(dst), true)
}

func (e *arm64Emitter) StoreMem(bank adaptor.Bank, src, base Reg, offset int32, widthBytes uint32) {
	if bank == adaptor.BankVec {
		e.memReg(arm64.AFMOVD, arm64physGPR(base), offset, arm64physVec(src), false)
		return
	}
	e.memReg(arm64WidthAs(arm64.AMOVD, arm64.AMOVW, widthBytes), arm64physGPR(base), offset, arm64physGPR(src), false)
}

// LoadFrameAddr materialises a stack slot address via ADD dst, FP, #off
// (AArch64 has no LEA-equivalent memory-only addressing instruction).
func (e *arm64Emitter) LoadFrameAddr(dst Reg, frameOff int32) {
	p := e.b.NewProg()
	p.As = arm64.AADD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(frameOff)
	p.Reg = arm64.REGFP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64physGPR(dst)
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) SignExtend(dst, src Reg, fromBits, toBits uint32) {
	as := arm64.AMOVW
	switch fromBits {
	case 8:
		as = arm64.AMOVB
	case 16:
		as = arm64.AMOVH
	case 32:
		as = arm64.AMOVW
	}
	e.regReg(as, arm64physGPR(dst), arm64physGPR(src))
}

func (e *arm64Emitter) ZeroExtend(dst, src Reg, fromBits, toBits uint32) {
	as := arm64.AMOVWU
	switch fromBits {
	case 8:
		as = arm64.AMOVBU
	case 16:
		as = arm64.AMOVHU
	case 32:
		as = arm64.AMOVWU
	}
	e.regReg(as, arm64physGPR(dst), arm64physGPR(src))
}

// arm64BinOpAs maps a BinOp to its 64-bit (X) and 32-bit (W) three-operand
// forms: To = dst, Reg = lhs ("Rn"), From = rhs ("Rm"), so e.g. SUB computes
// dst = lhs - rhs.
var arm64BinOpAs = map[BinOp][2]obj.As{
	OpAdd: {arm64.AADD, arm64.AADDW},
	OpSub: {arm64.ASUB, arm64.ASUBW},
	OpMul: {arm64.AMUL, arm64.AMULW},
	OpAnd: {arm64.AAND, arm64.AANDW},
	OpOr:  {arm64.AORR, arm64.AORRW},
	OpXor: {arm64.AEOR, arm64.AEORW},
	OpShl: {arm64.ALSL, arm64.ALSLW},
	OpShr: {arm64.ALSR, arm64.ALSRW},
	OpSar: {arm64.AASR, arm64.AASRW},
}

func (e *arm64Emitter) BinOp(op BinOp, bank adaptor.Bank, dst, lhs, rhs Reg, widthBytes uint32) {
	as := arm64BinOpAs[op]
	chosen := as[0]
	if widthBytes <= 4 {
		chosen = as[1]
	}
	p := e.b.NewProg()
	p.As = chosen
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64physGPR(dst)
	p.Reg = arm64physGPR(lhs)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = arm64physGPR(rhs)
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) cmp(lhs, rhs Reg, widthBytes uint32) {
	p := e.b.NewProg()
	p.As = arm64WidthAs(arm64.ACMP, arm64.ACMPW, widthBytes)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = arm64physGPR(rhs)
	p.Reg = arm64physGPR(lhs)
	e.b.AddInstruction(p)
}

var arm64CondB = map[Cond]obj.As{
	CondEQ: arm64.ABEQ, CondNE: arm64.ABNE,
	CondLT: arm64.ABLT, CondLE: arm64.ABLE, CondGT: arm64.ABGT, CondGE: arm64.ABGE,
	CondULT: arm64.ABLO, CondULE: arm64.ABLS, CondUGT: arm64.ABHI, CondUGE: arm64.ABHS,
}

func (e *arm64Emitter) bcc(cond Cond, target Label) {
	p := e.b.NewProg()
	p.As = arm64CondB[cond]
	p.To.Type = obj.TYPE_BRANCH
	e.branchTo(p, target)
	e.b.AddInstruction(p)
}

// Cmp materialises cond(lhs, rhs) into dst as 0/1 via CSET, the same
// condition-flag-setting idiom CompileConditionalRegisterSet in the
// enrichment pack's arm64 assembler wrapper uses.
func (e *arm64Emitter) Cmp(cond Cond, dst, lhs, rhs Reg, widthBytes uint32) {
	e.cmp(lhs, rhs, widthBytes)
	p := e.b.NewProg()
	p.As = arm64.ACSET
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64physGPR(dst)
	p.From.Type = obj.TYPE_REG
	p.From.Reg = arm64CondReg[cond]
	e.b.AddInstruction(p)
}

var arm64CondReg = map[Cond]int16{
	CondEQ: arm64.COND_EQ, CondNE: arm64.COND_NE,
	CondLT: arm64.COND_LT, CondLE: arm64.COND_LE, CondGT: arm64.COND_GT, CondGE: arm64.COND_GE,
	CondULT: arm64.COND_LO, CondULE: arm64.COND_LS, CondUGT: arm64.COND_HI, CondUGE: arm64.COND_HS,
}

func (e *arm64Emitter) jmp(target Label) {
	p := e.b.NewProg()
	p.As = arm64.AB
	p.To.Type = obj.TYPE_BRANCH
	e.branchTo(p, target)
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) Jump(target Label) { e.jmp(target) }

func (e *arm64Emitter) CondJump(cond Cond, lhs, rhs Reg, widthBytes uint32, target Label) {
	e.cmp(lhs, rhs, widthBytes)
	e.bcc(cond, target)
}

func (e *arm64Emitter) CallDirect(sym elfobj.SymRef) {
	p := e.b.NewProg()
	p.As = arm64.ABL
	p.To.Type = obj.TYPE_BRANCH
	// Same branch-to-self trick as amd64: the real target is an ELF symbol
	// golang-asm knows nothing about. BL's displacement is re-derived purely
	// from the relocation's symbol+addend at link time (Elf64_Rela), so the
	// inline bits this self-branch encodes are never read by the linker.
	p.To.SetTarget(p)
	e.b.AddInstruction(p)
	e.callFixups = append(e.callFixups, callFixup{prog: p, sym: sym})
}

func (e *arm64Emitter) CallIndirect(target Reg) {
	p := e.b.NewProg()
	p.As = arm64.ABL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64physGPR(target)
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) Ret() {
	p := e.b.NewProg()
	p.As = obj.ARET
	e.b.AddInstruction(p)
}

// recordCFI mirrors amd64Emitter.recordCFI: a NOP marker whose Prog.Pc is
// only real once Finish runs Assemble, deferring fde application until then.
func (e *arm64Emitter) recordCFI(apply func(*elfobj.FDE)) {
	marker := e.b.NewProg()
	marker.As = obj.ANOP
	e.b.AddInstruction(marker)
	e.cfiEvents = append(e.cfiEvents, cfiEvent{prog: marker, apply: apply})
}

func (e *arm64Emitter) subSP(amount int32) {
	p := e.b.NewProg()
	p.As = arm64.ASUB
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(amount)
	p.Reg = arm64.REGSP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64.REGSP
	e.b.AddInstruction(p)
}

func (e *arm64Emitter) addSP(amount int32) {
	p := e.b.NewProg()
	p.As = arm64.AADD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(amount)
	p.Reg = arm64.REGSP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64.REGSP
	e.b.AddInstruction(p)
}

// Prologue reserves a 16-byte saved frame-pointer/link-register slot (stored
// as two individual words rather than one STP, to avoid the pair-operand
// encoding this module does not otherwise need), establishes the frame
// pointer, reserves locals, then spills callee-saved registers, recording
// CFI directives against fde the same way amd64Emitter.Prologue does.
func (e *arm64Emitter) Prologue(fde *elfobj.FDE, frameSize uint32, calleeSaved []Reg, bank adaptor.Bank) {
	e.subSP(16)
	e.recordCFI(func(f *elfobj.FDE) { f.DefCFAOffset(16) })

	e.memReg(arm64.AMOVD, arm64.REGSP, 0, arm64physGPR(Reg(elfobj.DWRegX29)), false)
	e.recordCFI(func(f *elfobj.FDE) { f.Offset(elfobj.DWRegX29, 2) })
	e.memReg(arm64.AMOVD, arm64.REGSP, 8, arm64physGPR(Reg(elfobj.DWRegX30)), false)
	e.recordCFI(func(f *elfobj.FDE) { f.Offset(elfobj.DWRegX30, 1) })

	p := e.b.NewProg()
	p.As = arm64.AADD
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = 0
	p.Reg = arm64.REGSP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = arm64physGPR(Reg(elfobj.DWRegX29))
	e.b.AddInstruction(p)
	e.recordCFI(func(f *elfobj.FDE) { f.DefCFARegister(elfobj.DWRegX29) })

	// reserveSize covers both the spill/alloca area sized by frameSize and
	// the callee-saved register slots stored below it; SP must drop far
	// enough that a later BL's link-register save never aliases a slot.
	reserveSize := frameSize + uint32(len(calleeSaved))*8
	if reserveSize > 0 {
		e.subSP(int32(reserveSize))
	}
	for i, r := range calleeSaved {
		off := -int32(frameSize) - int32(i+1)*8
		e.StoreStack(bank, r, off, 8)
		idx := i
		reg := r
		e.recordCFI(func(f *elfobj.FDE) { f.Offset(uint8(reg), uint64(idx)+3) })
	}
}

func (e *arm64Emitter) Epilogue(fde *elfobj.FDE, frameSize uint32, calleeSaved []Reg, bank adaptor.Bank) {
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		off := -int32(frameSize) - int32(i+1)*8
		e.LoadStack(bank, calleeSaved[i], off, 8)
	}
	reserveSize := frameSize + uint32(len(calleeSaved))*8
	if reserveSize > 0 {
		e.addSP(int32(reserveSize))
	}
	e.memReg(arm64.AMOVD, arm64.REGSP, 0, arm64physGPR(Reg(elfobj.DWRegX29)), true)
	e.memReg(arm64.AMOVD, arm64.REGSP, 8, arm64physGPR(Reg(elfobj.DWRegX30)), true)
	e.addSP(16)
	e.Ret()
}

func (e *arm64Emitter) Mark() Marker {
	marker := e.b.NewProg()
	marker.As = obj.ANOP
	e.b.AddInstruction(marker)
	e.markers = append(e.markers, marker)
	return Marker(len(e.markers) - 1)
}

func (e *arm64Emitter) Finish(asm *elfobj.Assembler, funcSym elfobj.SymRef, fde *elfobj.FDE) (uint64, func(Marker) uint32, error) {
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
		asm.Reloc(w.Ref(), fx.sym, asm.Target().CallReloc, off, 0)
	}
	asm.SetSymbolValue(funcSym, start)
	asm.SetSymbolSize(funcSym, uint64(len(code)))
	markers := e.markers
	resolve := func(m Marker) uint32 { return uint32(markers[m].Pc) }
	return uint64(len(code)), resolve, nil
}
