package elfobj

// SymRef indexes into Assembler.symbols.
type SymRef struct{ idx int }

func (r SymRef) Valid() bool { return r.idx != 0 }

type symbol struct {
	name  string
	value uint64
	size  uint64
	bind  byte
	typ   byte
	sec   SecRef
}

// DefineLocal creates a local symbol bound to an offset within sec (spec
// §4.A: locals are ordered before globals in the final .symtab).
func (a *Assembler) DefineLocal(name string, sec SecRef, value, size uint64, typ byte) SymRef {
	return a.define(name, STB_LOCAL, typ, sec, value, size)
}

// DefineGlobal creates a global (exported or extern) symbol.
func (a *Assembler) DefineGlobal(name string, sec SecRef, value, size uint64, typ byte) SymRef {
	return a.define(name, STB_GLOBAL, typ, sec, value, size)
}

// DefineWeak creates a weak symbol.
func (a *Assembler) DefineWeak(name string, sec SecRef, value, size uint64, typ byte) SymRef {
	return a.define(name, STB_WEAK, typ, sec, value, size)
}

// DefineUndefGlobal declares an external symbol with no definition in this
// object (e.g. an extern function referenced by a call).
func (a *Assembler) DefineUndefGlobal(name string) SymRef {
	if idx, ok := a.symIndex[name]; ok {
		return SymRef{idx}
	}
	return a.define(name, STB_GLOBAL, STT_NOTYPE, SecRef{}, 0, 0)
}

func (a *Assembler) define(name string, bind, typ byte, sec SecRef, value, size uint64) SymRef {
	a.symbols = append(a.symbols, &symbol{name: name, bind: bind, typ: typ, sec: sec, value: value, size: size})
	idx := len(a.symbols) - 1
	if name != "" {
		a.symIndex[name] = idx
	}
	return SymRef{idx}
}

// SymbolValue returns a symbol's section-relative value, resolving once all
// sections have their final content (only meaningful after the defining
// section is done growing).
func (a *Assembler) SymbolValue(s SymRef) uint64 { return a.symbols[s.idx].value }

// SetSymbolSize patches a symbol's st_size after its extent is known (e.g.
// once a function's final byte count is reached).
func (a *Assembler) SetSymbolSize(s SymRef, size uint64) { a.symbols[s.idx].size = size }

// SetSymbolValue patches a symbol's st_value, used once a function's code
// has actually been appended to .text and its starting offset is known (a
// function symbol is created before compilation, when that offset is not
// yet known).
func (a *Assembler) SetSymbolValue(s SymRef, value uint64) { a.symbols[s.idx].value = value }
