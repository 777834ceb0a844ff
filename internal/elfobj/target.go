package elfobj

// TargetInfo supplies the architecture-specific constants the assembler
// needs but does not itself choose: the ELF machine code, the relocation
// types behind RelocPC32/RelocAbs64, and the CIE's return-address register
// and initial instructions (spec §4.A).
type TargetInfo struct {
	Machine uint16

	PCRel32Reloc uint32
	Abs64Reloc   uint32
	// CallReloc is the relocation type a direct CALL/BL site uses. On
	// amd64 this is the same PC32 relocation as any other PC-relative
	// reference; AArch64's BL encodes its displacement in a 26-bit
	// instruction-word field, so it needs its own relocation type.
	CallReloc uint32

	CIEReturnAddrRegister uint8
	CIEInstrs             []byte
	CIECodeAlignFactor    uint8
	CIEDataAlignFactor    int8
}

const (
	rX86_64PC32 = 2
	rX86_64_64  = 1

	rAArch64Prel32 = 261
	rAArch64Abs64  = 257
	rAArch64Call26 = 283
)

// DWARF register numbers referenced by prologue/epilogue CFI emission
// (internal/backend), named the way the teacher's original names its
// architecture register constants.
const (
	DWRegRAX = 0
	DWRegRDX = 1
	DWRegRCX = 2
	DWRegRBX = 3
	DWRegRSI = 4
	DWRegRDI = 5
	DWRegRBP = 6
	DWRegRSP = 7
	DWRegR8  = 8
	DWRegR9  = 9
	DWRegR10 = 10
	DWRegR11 = 11
	DWRegR12 = 12
	DWRegR13 = 13
	DWRegR14 = 14
	DWRegR15 = 15
	DWRegRA  = 16

	DWRegX29 = 29
	DWRegX30 = 30
	DWRegSP  = 31
)

// AMD64Target is the x86-64 SysV TargetInfo: CIE's CFA starts at rsp+8 (the
// return address slot pushed by `call`), return address in DWRegRA (rip).
func AMD64Target() TargetInfo {
	// DW_CFA_def_cfa(rsp=7, 8); DW_CFA_offset(ra=16, factor -1 -> slot 1)
	instrs := []byte{
		0x0c, 7, 8, // DW_CFA_def_cfa reg=7 offset=8
		0x80 | 16, 1, // DW_CFA_offset reg=16 factor*(-1)=1 -> stored ULEB 1
	}
	return TargetInfo{
		Machine:               EM_X86_64,
		PCRel32Reloc:          rX86_64PC32,
		Abs64Reloc:            rX86_64_64,
		CallReloc:             rX86_64PC32,
		CIEReturnAddrRegister: DWRegRA,
		CIEInstrs:             instrs,
		CIECodeAlignFactor:    1,
		CIEDataAlignFactor:    -8,
	}
}

// ARM64Target is the AArch64 AAPCS TargetInfo: CFA starts at sp+0, return
// address in the link register (x30).
func ARM64Target() TargetInfo {
	instrs := []byte{
		0x0c, DWRegSP, 0, // DW_CFA_def_cfa reg=31(sp) offset=0
	}
	return TargetInfo{
		Machine:               EM_AARCH64,
		PCRel32Reloc:          rAArch64Prel32,
		Abs64Reloc:            rAArch64Abs64,
		CallReloc:             rAArch64Call26,
		CIEReturnAddrRegister: DWRegX30,
		CIEInstrs:             instrs,
		CIECodeAlignFactor:    4,
		CIEDataAlignFactor:    -8,
	}
}
