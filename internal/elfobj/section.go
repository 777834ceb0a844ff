package elfobj

// SecRef indexes into Assembler.sections.
type SecRef struct{ idx int }

func (r SecRef) Valid() bool { return r.idx != 0 }

// section is one ELF section under construction: a name (resolved into
// .shstrtab at build time), type/flags, a growing byte buffer, required
// alignment, and the index of its sibling .rela section (0 if none).
type section struct {
	name     string
	typ      uint32
	flags    uint64
	align    uint64
	data     []byte
	relaIdx  int
	nameOff  uint32
	fileOff  uint64
	finalIdx uint32
}

// Label names a position inside a section, possibly not yet placed (used
// for forward references such as landing pads not yet assembled).
type Label uint32

type labelInfo struct {
	sec    SecRef
	off    uint64
	placed bool
}

// SectionWriter is a thin cursor over one section's growing buffer,
// mirroring the teacher's struct-packing helpers (binary.LittleEndian into
// a byte slice) rather than an io.Writer abstraction.
type SectionWriter struct {
	asm *Assembler
	ref SecRef
}

func (w *SectionWriter) Ref() SecRef { return w.ref }

func (w *SectionWriter) Offset() uint64 {
	return uint64(len(w.asm.sections[w.ref.idx].data))
}

func (w *SectionWriter) WriteBytes(b []byte) uint64 {
	s := w.asm.sections[w.ref.idx]
	off := uint64(len(s.data))
	s.data = append(s.data, b...)
	return off
}

func (w *SectionWriter) WriteU8(v uint8) uint64  { return w.WriteBytes([]byte{v}) }
func (w *SectionWriter) WriteU32(v uint32) uint64 {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return w.WriteBytes(b)
}

func (w *SectionWriter) WriteU64(v uint64) uint64 {
	b := make([]byte, 8)
	le.PutUint64(b, v)
	return w.WriteBytes(b)
}

func (w *SectionWriter) Pad(align uint64) {
	s := w.asm.sections[w.ref.idx]
	n := alignUp(uint64(len(s.data)), align) - uint64(len(s.data))
	if n > 0 {
		s.data = append(s.data, make([]byte, n)...)
	}
}

func (w *SectionWriter) PatchU32(off uint64, v uint32) {
	s := w.asm.sections[w.ref.idx]
	le.PutUint32(s.data[off:], v)
}

// getOrCreateSection returns the existing section named name, or creates it
// lazily (spec §4.A, "created lazily on first use").
func (a *Assembler) getOrCreateSection(name string, typ uint32, flags, align uint64) SecRef {
	if idx, ok := a.sectionIndex[name]; ok {
		return SecRef{idx}
	}
	a.sections = append(a.sections, &section{name: name, typ: typ, flags: flags, align: align})
	idx := len(a.sections) - 1
	a.sectionIndex[name] = idx
	return SecRef{idx}
}

// Writer returns a cursor into the named standard section, creating it with
// its conventional type/flags/alignment if this is the first use.
func (a *Assembler) Writer(name string) *SectionWriter {
	ref, ok := standardSections[name]
	if !ok {
		ref = stdSec{typ: SHT_PROGBITS, flags: SHF_ALLOC, align: 1}
	}
	s := a.getOrCreateSection(name, ref.typ, ref.flags, ref.align)
	return &SectionWriter{asm: a, ref: s}
}

type stdSec struct {
	typ   uint32
	flags uint64
	align uint64
}

var standardSections = map[string]stdSec{
	".text":             {SHT_PROGBITS, SHF_ALLOC | SHF_EXECINSTR, 16},
	".rodata":           {SHT_PROGBITS, SHF_ALLOC, 8},
	".data.rel.ro":      {SHT_PROGBITS, SHF_ALLOC | SHF_WRITE, 8},
	".data":             {SHT_PROGBITS, SHF_ALLOC | SHF_WRITE, 8},
	".bss":              {SHT_NOBITS, SHF_ALLOC | SHF_WRITE, 8},
	".tdata":            {SHT_PROGBITS, SHF_ALLOC | SHF_WRITE | SHF_TLS, 8},
	".tbss":             {SHT_NOBITS, SHF_ALLOC | SHF_WRITE | SHF_TLS, 8},
	".eh_frame":         {SHT_PROGBITS, SHF_ALLOC, 8},
	".gcc_except_table": {SHT_PROGBITS, SHF_ALLOC, 4},
}

// NewLabel allocates a not-yet-placed label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, labelInfo{})
	return Label(len(a.labels) - 1)
}

// PlaceLabel fixes a label at the writer's current offset in its section.
func (a *Assembler) PlaceLabel(l Label, w *SectionWriter) {
	a.labels[l] = labelInfo{sec: w.ref, off: w.Offset(), placed: true}
}

func (a *Assembler) labelOffset(l Label) (SecRef, uint64) {
	li := a.labels[l]
	if !li.placed {
		panic("elfobj: label read before being placed")
	}
	return li.sec, li.off
}
