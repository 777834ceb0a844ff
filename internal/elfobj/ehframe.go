package elfobj

// DWARF CFI opcodes and augmentation-encoding bytes (spec §4.A, "Unwind").
const (
	dwCFANop             = 0x00
	dwCFAAdvanceLoc4     = 0x04
	dwCFAOffsetExtended  = 0x05
	dwCFADefCFA          = 0x0c
	dwCFADefCFARegister  = 0x0d
	dwCFADefCFAOffset    = 0x0e
	dwCFAOffset          = 0x80 // high 2 bits opcode, low 6 bits register
	dwCFAAdvanceLoc      = 0x40 // high 2 bits opcode, low 6 bits delta

	dwEHPEUleb128  = 0x01
	dwEHPESdata4   = 0x0b
	dwEHPEPCRel    = 0x10
	dwEHPEIndirect = 0x80
	dwEHPEOmit     = 0xff
)

// eh_init_cie emits the module's single CIE (spec §4.A). personality may be
// the zero SymRef, in which case the CIE declares no 'P' augmentation; the
// 'L' LSDA slot is declared either way, and SetLSDA fills it with a
// relocation for any function that has call sites (plain 0 otherwise).
func (a *Assembler) eh_init_cie(personality SymRef) {
	w := a.Writer(".eh_frame")
	a.ehFrameSec = w.Ref()
	a.ehPersonality = personality

	start := w.Offset()
	lenOff := w.WriteU32(0) // patched below
	_ = lenOff
	w.WriteU32(0) // CIE_id == 0

	w.WriteU8(1) // version
	// Augmentation string: "z" + optional "P" (personality) + "LR" + NUL.
	// 'P' is only declared when this object actually carries a personality
	// routine; functions still get an 'L' slot (LSDA pointer) regardless,
	// since call-site/action tables are useful even without one.
	hasPersonality := personality.Valid()
	augStr := "z"
	if hasPersonality {
		augStr += "P"
	}
	augStr += "LR"
	w.WriteBytes([]byte(augStr + "\x00"))

	w.WriteBytes(uleb128(nil, uint64(a.target.CIECodeAlignFactor)))
	w.WriteBytes(sleb128(nil, int64(a.target.CIEDataAlignFactor)))
	w.WriteU8(a.target.CIEReturnAddrRegister)

	// Augmentation data, length-prefixed (the 'z').
	var augData []byte
	var persOff int
	if hasPersonality {
		personalityEnc := byte(dwEHPEIndirect | dwEHPEPCRel | dwEHPESdata4)
		augData = append(augData, personalityEnc)
		persOff = len(augData)
		augData = append(augData, 0, 0, 0, 0) // personality pointer placeholder
	}
	lsdaEnc := byte(dwEHPEPCRel | dwEHPESdata4)
	augData = append(augData, lsdaEnc)
	fdeEnc := byte(dwEHPEPCRel | dwEHPESdata4)
	augData = append(augData, fdeEnc)

	augLenOff := w.Offset()
	w.WriteBytes(uleb128(nil, uint64(len(augData))))
	dataStart := w.Offset()
	w.WriteBytes(augData)
	if hasPersonality {
		a.RelocPC32(w.Ref(), personality, dataStart+uint64(persOff), 0)
	}
	_ = augLenOff

	w.WriteBytes(a.target.CIEInstrs)
	w.Pad(8)

	cieLen := uint32(w.Offset() - start - 4)
	w.PatchU32(start, cieLen)
	a.ehCieOffset = uint32(start)
}

// FDE tracks an in-progress per-function frame description entry.
type FDE struct {
	asm         *Assembler
	start       uint64
	pcBeginOff  uint64
	lsdaOff     uint64
	hasLSDA     bool
	lastLoc     uint32
	instrs      []byte
}

// eh_begin_fde opens an FDE for funcSym at the current .eh_frame offset and
// records the PC_BEGIN slot for later fill-in (spec §4.A).
func (a *Assembler) eh_begin_fde(funcSym SymRef) *FDE {
	w := a.Writer(".eh_frame")
	start := w.Offset()
	w.WriteU32(0) // length, patched in eh_end_fde
	cieRel := uint32(start + 4 - uint64(a.ehCieOffset))
	w.WriteU32(cieRel)

	pcBeginOff := w.Offset()
	w.WriteU32(0) // PC_BEGIN, patched below via relocation
	w.WriteU32(0) // PC_RANGE, patched in eh_end_fde

	lsdaOff := w.Offset()
	// Augmentation data: length byte, then LSDA pointer (present because
	// the CIE declares 'L'; 0 when the function has no landing pads).
	w.WriteU8(4)
	w.WriteU32(0)

	a.RelocPC32(w.Ref(), funcSym, pcBeginOff, 0)

	return &FDE{asm: a, start: start, pcBeginOff: pcBeginOff, lsdaOff: lsdaOff + 1}
}

// SetLSDA points the FDE's augmentation data at lsdaSym (the start of this
// function's .gcc_except_table entry), once it has been written.
func (f *FDE) SetLSDA(lsdaSym SymRef) {
	f.hasLSDA = true
	f.asm.RelocPC32(f.asm.ehFrameSec, lsdaSym, f.lsdaOff, 0)
}

// AdvanceLoc appends a DW_CFA_advance_loc* opcode moving the CFI location
// counter forward to newOff bytes into the function.
// The encoded delta is in units of the CIE's code alignment factor.
func (f *FDE) AdvanceLoc(newOff uint32) {
	delta := (newOff - f.lastLoc) / uint32(f.asm.target.CIECodeAlignFactor)
	if delta == 0 {
		return
	}
	if delta <= 0x3f {
		f.instrs = append(f.instrs, dwCFAAdvanceLoc|byte(delta))
	} else {
		f.instrs = append(f.instrs, dwCFAAdvanceLoc4,
			byte(delta), byte(delta>>8), byte(delta>>16), byte(delta>>24))
	}
	f.lastLoc = newOff
}

func (f *FDE) DefCFA(reg uint8, offset uint64) {
	f.instrs = append(f.instrs, dwCFADefCFA)
	f.instrs = uleb128(f.instrs, uint64(reg))
	f.instrs = uleb128(f.instrs, offset)
}

func (f *FDE) DefCFARegister(reg uint8) {
	f.instrs = append(f.instrs, dwCFADefCFARegister)
	f.instrs = uleb128(f.instrs, uint64(reg))
}

func (f *FDE) DefCFAOffset(offset uint64) {
	f.instrs = append(f.instrs, dwCFADefCFAOffset)
	f.instrs = uleb128(f.instrs, offset)
}

// Offset records that reg was saved at factor*offset from the CFA. The
// offset is written as given, so callers pass it already divided by the
// target's data alignment factor (e.g. 2 for CFA-16 with factor -8).
func (f *FDE) Offset(reg uint8, factoredOffset uint64) {
	if reg < 0x40 {
		f.instrs = append(f.instrs, dwCFAOffset|reg)
	} else {
		f.instrs = append(f.instrs, dwCFAOffsetExtended)
		f.instrs = uleb128(f.instrs, uint64(reg))
	}
	f.instrs = uleb128(f.instrs, factoredOffset)
}

// eh_end_fde pads the instruction stream to a multiple of 4 with DW_CFA_nop,
// writes the final length, and patches PC_RANGE to func's size (spec §4.A).
func (a *Assembler) eh_end_fde(f *FDE, funcSize uint64) {
	w := a.Writer(".eh_frame")
	for len(f.instrs)%4 != 0 {
		f.instrs = append(f.instrs, dwCFANop)
	}
	w.WriteBytes(f.instrs)
	length := uint32(w.Offset() - f.start - 4)
	w.PatchU32(f.start, length)
	w.PatchU32(f.pcBeginOff+4, uint32(funcSize))
}
