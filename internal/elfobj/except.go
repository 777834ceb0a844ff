package elfobj

// CallSite is one landing-pad region within a function being compiled
// (spec §4.A, "Exception tables"). Offsets are function-relative; they are
// turned into a serialised LSDA by ExceptEncodeFunc once the whole function
// has been emitted and every call site is known.
type CallSite struct {
	StartOff   uint64
	Length     uint64
	LandingPad uint64 // function-relative offset, 0 if this call site cannot throw through
	Action     uint32 // 1-based action table index, 0 for cleanup-only/no action
}

// ActionEntry is one (type filter, next) link in the action table chain
// (spec §4.A: "a ULEB128-encoded chain of (type_index, next) pairs").
type ActionEntry struct {
	TypeFilter int32 // 1-based index into the type-info table, 0 for cleanup
	Next       int32 // 0 terminates the chain, else a 1-based action index
}

// ExceptBuilder accumulates one function's exception-handling metadata
// while its instructions are being emitted.
type ExceptBuilder struct {
	callSites []CallSite
	actions   []ActionEntry
	typeInfo  []SymRef
	typeIndex map[SymRef]int32
}

func NewExceptBuilder() *ExceptBuilder {
	return &ExceptBuilder{typeIndex: map[SymRef]int32{}}
}

// AddCallSite appends a call-site entry; entries must be supplied in
// strictly increasing StartOff order (spec §4.A).
func (e *ExceptBuilder) AddCallSite(cs CallSite) { e.callSites = append(e.callSites, cs) }

// AddAction appends an action-table entry and returns its 1-based index.
func (e *ExceptBuilder) AddAction(a ActionEntry) uint32 {
	e.actions = append(e.actions, a)
	return uint32(len(e.actions))
}

// TypeIndex returns the 1-based type-info table index for catchType,
// coalescing duplicate registrations of the same symbol (spec §4.A:
// "duplicates are coalesced").
func (e *ExceptBuilder) TypeIndex(catchType SymRef) int32 {
	if idx, ok := e.typeIndex[catchType]; ok {
		return idx
	}
	e.typeInfo = append(e.typeInfo, catchType)
	idx := int32(len(e.typeInfo))
	e.typeIndex[catchType] = idx
	return idx
}

func (e *ExceptBuilder) Empty() bool { return len(e.callSites) == 0 }

// except_encode_func serialises the function's LSDA into .gcc_except_table
// and returns a local symbol at its start, for eh_frame's FDE to point at
// (spec §4.A: "except_encode_func serialises per-function LSDA").
func (a *Assembler) except_encode_func(name string, e *ExceptBuilder) SymRef {
	w := a.Writer(".gcc_except_table")
	w.Pad(4)
	start := w.Offset()
	sym := a.DefineLocal(name+".lsda", w.Ref(), start, 0, STT_OBJECT)

	// Landing pad base address encoding: omitted, landing pads are
	// function-start-relative offsets (spec §3.A).
	w.WriteU8(dwEHPEOmit)

	// Type table encoding + offset, filled once the call-site/action tables'
	// lengths are known (the type table sits immediately after the action
	// table, growing backwards from the end in GCC's layout; this baseline
	// backend instead appends it forwards and records its offset).
	w.WriteU8(dwEHPETypeEnc)

	ttOff := w.Offset()
	w.WriteU32(0) // patched below: distance from here to the type table

	// Call-site table, uleb128-encoded length then entries.
	csEnc := encodeCallSites(e.callSites)
	w.WriteBytes(uleb128(nil, uint64(len(csEnc))))
	w.WriteBytes(csEnc)

	// Action table immediately follows.
	actionsOff := w.Offset()
	for _, act := range e.actions {
		w.WriteBytes(sleb128(nil, int64(act.TypeFilter)))
		w.WriteBytes(sleb128(nil, int64(act.Next)))
	}
	_ = actionsOff

	w.Pad(4)
	typeTableOff := w.Offset()
	w.PatchU32(ttOff, uint32(typeTableOff-ttOff-4))
	for i := len(e.typeInfo) - 1; i >= 0; i-- {
		off := w.WriteU32(0)
		a.RelocPC32(w.Ref(), e.typeInfo[i], off, 0)
	}

	a.SetSymbolSize(sym, w.Offset()-start)
	return sym
}

// dwEHPETypeEnc is the type table's pointer encoding. Each entry is written
// via a.RelocPC32 (a PC-relative relocation), so the declared encoding must
// be pc-relative sdata4 to match, the same pairing ehframe.go uses for the
// personality and LSDA pointers.
const dwEHPETypeEnc = dwEHPEPCRel | dwEHPESdata4

func encodeCallSites(sites []CallSite) []byte {
	var out []byte
	for _, cs := range sites {
		out = uleb128(out, cs.StartOff)
		out = uleb128(out, cs.Length)
		out = uleb128(out, cs.LandingPad)
		out = uleb128(out, uint64(cs.Action))
	}
	return out
}
