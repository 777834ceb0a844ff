package elfobj

import "sort"

// Assembler is the ELF object under construction (spec §4.A). Zero value is
// not usable; build one with New.
type Assembler struct {
	target TargetInfo

	sections     []*section
	sectionIndex map[string]int

	symbols  []*symbol
	symIndex map[string]int

	relas       map[int][]rela
	relaTargets map[int]int // rela section idx -> target section idx

	labels []labelInfo

	ehFrameSec    SecRef
	ehCieOffset   uint32
	ehCieInit     bool
	ehPersonality SymRef
}

// New builds an Assembler for the given target, with section index 0
// reserved (SHT_NULL, per the ELF spec). The CIE is not emitted here: it is
// built lazily, the first time any function actually needs unwind info
// (spec §4.A), so a module with no such function never gains a .eh_frame
// section at all.
func New(target TargetInfo, personality SymRef) *Assembler {
	a := &Assembler{
		target:        target,
		sectionIndex:  map[string]int{},
		symIndex:      map[string]int{},
		relas:         map[int][]rela{},
		relaTargets:   map[int]int{},
		ehPersonality: personality,
	}
	a.sections = append(a.sections, &section{}) // SHN_UNDEF
	a.symbols = append(a.symbols, &symbol{})     // STN_UNDEF
	return a
}

func (a *Assembler) Target() TargetInfo { return a.target }

// BeginFDE opens a new FDE, lazily building the module's single CIE on the
// first call.
func (a *Assembler) BeginFDE(funcSym SymRef) *FDE {
	if !a.ehCieInit {
		a.eh_init_cie(a.ehPersonality)
		a.ehCieInit = true
	}
	return a.eh_begin_fde(funcSym)
}
func (a *Assembler) EndFDE(f *FDE, size uint64) { a.eh_end_fde(f, size) }
func (a *Assembler) EncodeExceptFunc(name string, e *ExceptBuilder) SymRef {
	return a.except_encode_func(name, e)
}

// Finalize completes .eh_frame with a terminating zero length (spec §4.A)
// and must run after every function has been compiled and before
// BuildObjectFile. A module in which no function ever needed unwind info
// never built a CIE, so there is nothing to terminate.
func (a *Assembler) Finalize() {
	if !a.ehCieInit {
		return
	}
	w := a.Writer(".eh_frame")
	w.WriteU32(0)
}

// Reset clears the assembler back to an empty skeleton, ready for another
// module, releasing every section/symbol/relocation (spec's "Assignment
// leakage" invariant: after reset, all tables are empty except the standard
// skeleton).
func (a *Assembler) Reset() {
	target, pers := a.target, a.ehPersonality
	*a = *New(target, pers)
}

// BuildObjectFile lays out the final ET_REL image: ELF header, all section
// bytes, .symtab (locals before globals, sh_info = local count + 1),
// .strtab, .shstrtab, and a .symtab_shndx if needed (spec §4.A,
// "Finalisation").
func (a *Assembler) BuildObjectFile() []byte {
	locals, globals := a.splitSymbols()
	ordered := append(append([]*symbol{{}}, locals...), globals...)

	strtab := newStrtab()
	symtabData := make([]byte, 0, len(ordered)*symSize)
	needShndx := false
	shndxData := make([]byte, 0, len(ordered)*4)

	for i, sym := range ordered {
		if i == 0 {
			symtabData = append(symtabData, make([]byte, symSize)...)
			shndxData = append(shndxData, 0, 0, 0, 0)
			continue
		}
		nameOff := strtab.add(sym.name)
		shndx := uint32(SHN_UNDEF)
		if sym.sec.Valid() {
			shndx = uint32(sym.sec.idx)
		}
		var recordShndx uint32
		entryShndx := shndx
		if shndx >= SHN_LORESERVE {
			needShndx = true
			recordShndx = shndx
			entryShndx = SHN_XINDEX
		}
		b := make([]byte, symSize)
		le.PutUint32(b[0:], nameOff)
		b[4] = stInfo(sym.bind, sym.typ)
		b[5] = 0
		le.PutUint16(b[6:], uint16(entryShndx))
		le.PutUint64(b[8:], sym.value)
		le.PutUint64(b[16:], sym.size)
		symtabData = append(symtabData, b...)

		sb := make([]byte, 4)
		le.PutUint32(sb, recordShndx)
		shndxData = append(shndxData, sb...)
	}

	shstrtab := newStrtab()

	type laidOut struct {
		idx  int
		data []byte
	}
	var progbits []laidOut
	for i := 1; i < len(a.sections); i++ {
		s := a.sections[i]
		if s.typ == SHT_RELA {
			continue // laid out after its target, below
		}
		progbits = append(progbits, laidOut{i, s.data})
	}

	// Resolve relocation symbol indices (local idx within `ordered`) before
	// serialising .rela sections: a.symbols index != final symtab index
	// once locals/globals are reordered.
	finalIdxOf := make(map[*symbol]uint32, len(ordered))
	for i, s := range ordered {
		finalIdxOf[s] = uint32(i)
	}
	finalSymIdx := make([]uint32, len(a.symbols))
	for j, orig := range a.symbols {
		finalSymIdx[j] = finalIdxOf[orig]
	}

	var cur uint64 = ehdrSize
	type shentry struct {
		name    uint32
		typ     uint32
		flags   uint64
		off     uint64
		size    uint64
		link    uint32
		info    uint32
		align   uint64
		entsize uint64
	}
	var shdrs []shentry
	shdrs = append(shdrs, shentry{}) // SHT_NULL

	sectionFileOff := make([]uint64, len(a.sections))

	for _, lo := range progbits {
		s := a.sections[lo.idx]
		cur = alignUp(cur, maxu64(s.align, 1))
		sectionFileOff[lo.idx] = cur
		nameOff := shstrtab.add(s.name)
		entry := shentry{name: nameOff, typ: s.typ, flags: s.flags, off: cur, size: uint64(len(lo.data)), align: maxu64(s.align, 1)}
		shdrs = append(shdrs, entry)
		s.finalIdx = uint32(len(shdrs) - 1)
		if s.typ != SHT_NOBITS {
			cur += uint64(len(lo.data))
		}
	}

	// .rela sections, one per section that had relocations, laid out after
	// all PROGBITS/NOBITS sections.
	var relaSecs []int
	for i := 1; i < len(a.sections); i++ {
		if a.sections[i].typ == SHT_RELA {
			relaSecs = append(relaSecs, i)
		}
	}
	sort.Ints(relaSecs)

	// symtab/strtab/shstrtab/symtab_shndx placed after rela sections.
	symtabIdx := 0
	strtabIdx := 0
	shstrtabIdx := 0

	for _, ri := range relaSecs {
		target := a.relaTargets[ri]
		entries := a.relas[ri]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })
		data := make([]byte, 0, len(entries)*relaSize)
		for _, r := range entries {
			b := make([]byte, relaSize)
			le.PutUint64(b[0:], r.offset)
			info := (uint64(finalSymIdx[r.sym]) << 32) | uint64(r.typ)
			le.PutUint64(b[8:], info)
			le.PutUint64(b[16:], uint64(r.addend))
			data = append(data, b...)
		}
		cur = alignUp(cur, 8)
		off := cur
		cur += uint64(len(data))
		nameOff := shstrtab.add(".rela" + a.sections[target].name)
		shdrs = append(shdrs, shentry{
			name: nameOff, typ: SHT_RELA, flags: SHF_ALLOC, off: off, size: uint64(len(data)),
			link: 0 /* patched to symtab idx below */, info: a.sections[target].finalIdx,
			align: 8, entsize: relaSize,
		})
		a.sections[ri].finalIdx = uint32(len(shdrs) - 1)
		a.sections[ri].data = data // stash for writing below
		a.sections[ri].fileOff = off
	}

	// Reserve every remaining .shstrtab name before laying out .shstrtab
	// itself, since .shstrtab's own size must account for all of them.
	symtabNameOff := shstrtab.add(".symtab")
	strtabNameOff := shstrtab.add(".strtab")
	var shndxNameOff uint32
	if needShndx {
		shndxNameOff = shstrtab.add(".symtab_shndx")
	}
	shstrtabNameOff := shstrtab.add(".shstrtab")

	cur = alignUp(cur, 8)
	symtabOff := cur
	cur += uint64(len(symtabData))

	cur = alignUp(cur, 1)
	strtabBytes := strtab.bytes()
	strtabOff := cur
	cur += uint64(len(strtabBytes))

	var shndxOff uint64
	if needShndx {
		cur = alignUp(cur, 4)
		shndxOff = cur
		cur += uint64(len(shndxData))
	}

	cur = alignUp(cur, 1)
	shstrtabBytes := shstrtab.bytes()
	shstrtabOff := cur
	cur += uint64(len(shstrtabBytes))

	cur = alignUp(cur, 8)
	shoff := cur

	localCount := len(locals) + 1 // +1 for the null entry

	symtabIdx = len(shdrs)
	shdrs = append(shdrs, shentry{name: symtabNameOff, typ: SHT_SYMTAB, off: symtabOff, size: uint64(len(symtabData)),
		link: 0 /* patched below */, info: uint32(localCount), align: 8, entsize: symSize})
	strtabIdx = len(shdrs)
	shdrs = append(shdrs, shentry{name: strtabNameOff, typ: SHT_STRTAB, off: strtabOff, size: uint64(len(strtabBytes)), align: 1})
	shdrs[symtabIdx].link = uint32(strtabIdx)

	for _, ri := range relaSecs {
		shdrs[a.sections[ri].finalIdx].link = uint32(symtabIdx)
	}

	if needShndx {
		shdrs = append(shdrs, shentry{name: shndxNameOff, typ: SHT_SYMTAB_SHNDX, off: shndxOff,
			size: uint64(len(shndxData)), link: uint32(symtabIdx), align: 4, entsize: 4})
	}

	shstrtabIdx = len(shdrs)
	shdrs = append(shdrs, shentry{name: shstrtabNameOff, typ: SHT_STRTAB, off: shstrtabOff, size: uint64(len(shstrtabBytes)), align: 1})

	// Serialise.
	out := make([]byte, 0, shoff+uint64(len(shdrs))*shdrSize)
	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = ELFCLASS64
	ehdr[5] = ELFDATA2LSB
	ehdr[6] = EV_CURRENT
	le.PutUint16(ehdr[16:], ET_REL)
	le.PutUint16(ehdr[18:], a.target.Machine)
	le.PutUint32(ehdr[20:], EV_CURRENT)
	le.PutUint64(ehdr[40:], shoff)
	le.PutUint16(ehdr[52:], ehdrSize)
	le.PutUint16(ehdr[58:], shdrSize)
	shnumField := uint16(len(shdrs))
	shstrndxField := uint16(shstrtabIdx)
	if len(shdrs) >= SHN_LORESERVE {
		le.PutUint16(ehdr[60:], 0)
		shdrs[0].size = uint64(len(shdrs))
	} else {
		le.PutUint16(ehdr[60:], shnumField)
	}
	le.PutUint16(ehdr[62:], shstrndxField)
	out = append(out, ehdr...)

	buf := make([]byte, cur)
	for _, lo := range progbits {
		s := a.sections[lo.idx]
		if s.typ == SHT_NOBITS {
			continue
		}
		copy(buf[sectionFileOff[lo.idx]:], lo.data)
	}
	for _, ri := range relaSecs {
		s := a.sections[ri]
		copy(buf[s.fileOff:], s.data)
	}
	copy(buf[symtabOff:], symtabData)
	copy(buf[strtabOff:], strtabBytes)
	if needShndx {
		copy(buf[shndxOff:], shndxData)
	}
	copy(buf[shstrtabOff:], shstrtabBytes)
	out = append(out, buf...)

	for _, sh := range shdrs {
		b := make([]byte, shdrSize)
		le.PutUint32(b[0:], sh.name)
		le.PutUint32(b[4:], sh.typ)
		le.PutUint64(b[8:], sh.flags)
		le.PutUint64(b[24:], sh.off)
		le.PutUint64(b[32:], sh.size)
		le.PutUint32(b[40:], sh.link)
		le.PutUint32(b[44:], sh.info)
		le.PutUint64(b[48:], sh.align)
		le.PutUint64(b[56:], sh.entsize)
		out = append(out, b...)
	}

	return out
}

func (a *Assembler) splitSymbols() (locals, globals []*symbol) {
	for i, s := range a.symbols {
		if i == 0 {
			continue
		}
		if s.bind == STB_LOCAL {
			locals = append(locals, s)
		} else {
			globals = append(globals, s)
		}
	}
	return locals, globals
}

func maxu64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

type strtab struct {
	buf []byte
	off map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{buf: []byte{0}, off: map[string]uint32{"": 0}}
}

func (s *strtab) add(name string) uint32 {
	if off, ok := s.off[name]; ok {
		return off
	}
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	s.off[name] = off
	return off
}

func (s *strtab) bytes() []byte { return s.buf }
