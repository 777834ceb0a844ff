package testir

import "github.com/orizon-lang/baseco/internal/adaptor"

// Builder assembles one Function's values, instructions, and blocks while
// assigning IDs sequentially, the incremental way a real frontend's own SSA
// builder would. ValIDs are handed out contiguously from zero across every
// value a function owns (arguments, allocas, phis, instruction results), in
// definition order; IRAdaptor.ValLocalIdx relies on this to double as the
// register-allocation local index with no separate remapping table.
type Builder struct {
	fn       *Function
	nextVal  uint32
	nextInst uint32
	nextBlk  uint32
}

// NewBuilder starts a fresh function named name.
func NewBuilder(name string) *Builder {
	return &Builder{fn: &Function{Name: name}}
}

// Func returns the function built so far. Its lookup maps are left
// unindexed; IRAdaptor.SwitchFunc indexes a Function the first time it is
// compiled, whether built through Builder or decoded from JSON.
func (b *Builder) Func() *Function { return b.fn }

func (b *Builder) val(parts []adaptor.Part, size, align uint32) *Value {
	v := &Value{ID: adaptor.ValID(b.nextVal), Parts: parts, Size: size, Align: align}
	b.nextVal++
	b.fn.Values = append(b.fn.Values, v)
	return v
}

func scalarParts(size uint32) []adaptor.Part {
	return []adaptor.Part{{Bank: adaptor.BankGPR, Size: size, EndsValue: true}}
}

// Int declares an unattached scalar integer-banked value of size bytes,
// usable as an instruction result's backing Value before the instruction
// that defines it is appended.
func (b *Builder) Int(size uint32) *Value { return b.val(scalarParts(size), size, size) }

// Arg declares the next function argument as an integer scalar.
func (b *Builder) Arg(size uint32) *Value {
	v := b.Int(size)
	b.fn.Args = append(b.fn.Args, v.ID)
	return v
}

// ByvalArg declares an incoming by-value struct argument; this backend's
// driver rejects it (spec §4.F's bindArgs), so this exists to exercise that
// rejection path, not for a working fixture.
func (b *Builder) ByvalArg(size, align uint32) *Value {
	v := b.val(scalarParts(align), size, align)
	v.Byval, v.ByvalSize, v.ByvalAlign = true, size, align
	b.fn.Args = append(b.fn.Args, v.ID)
	return v
}

// SretArg declares the indirect-return-pointer argument.
func (b *Builder) SretArg() *Value {
	v := b.Int(8)
	v.Sret = true
	b.fn.Args = append(b.fn.Args, v.ID)
	return v
}

// Alloca declares a static stack allocation of size/align bytes, returning
// its pointer value.
func (b *Builder) Alloca(size, align uint32) *Value {
	v := b.val(scalarParts(8), size, align)
	b.fn.StaticAllocas = append(b.fn.StaticAllocas, v.ID)
	return v
}

// Block appends a new, empty block; the first Block call becomes the
// function's entry.
func (b *Builder) Block() *Block {
	blk := &Block{ID: adaptor.BlockID(b.nextBlk)}
	b.nextBlk++
	b.fn.Blocks = append(b.fn.Blocks, blk)
	if len(b.fn.Blocks) == 1 {
		b.fn.Entry = blk.ID
	}
	return blk
}

// Succs records blk's successor list; the driver reads this via
// BlockSuccs, and LowerTerminator receives it in the same order.
func (b *Builder) Succs(blk *Block, succs ...*Block) {
	blk.Succs = blk.Succs[:0]
	for _, s := range succs {
		blk.Succs = append(blk.Succs, s.ID)
	}
}

// Phi declares a PHI value in blk with the given incoming edges and
// registers it on the block's own phi list.
func (b *Builder) Phi(blk *Block, size uint32, incoming ...PhiEdge) *Value {
	v := b.Int(size)
	v.IsPhi = true
	v.Incoming = incoming
	blk.Phis = append(blk.Phis, v.ID)
	return v
}

func (b *Builder) inst(blk *Block, in *Inst) *Inst {
	in.ID = adaptor.InstID(b.nextInst)
	b.nextInst++
	b.fn.Insts = append(b.fn.Insts, in)
	blk.Insts = append(blk.Insts, in.ID)
	return in
}

// ConstInt appends a constant-materialisation instruction to blk.
func (b *Builder) ConstInt(blk *Block, size uint32, v uint64) *Value {
	res := b.Int(size)
	b.inst(blk, &Inst{Op: OpConstInt, Results: []adaptor.ValID{res.ID}, ConstVal: v})
	return res
}

// BinOp appends a binary arithmetic/logic instruction to blk.
func (b *Builder) BinOp(blk *Block, kind BinKind, lhs, rhs *Value) *Value {
	res := b.Int(lhs.Parts[0].Size)
	b.inst(blk, &Inst{Op: OpBin, Operands: []adaptor.ValID{lhs.ID, rhs.ID}, Results: []adaptor.ValID{res.ID}, Bin: kind})
	return res
}

// Load appends a memory load of size bytes through ptr.
func (b *Builder) Load(blk *Block, ptr *Value, size uint32) *Value {
	res := b.Int(size)
	b.inst(blk, &Inst{Op: OpLoad, Operands: []adaptor.ValID{ptr.ID}, Results: []adaptor.ValID{res.ID}, MemSize: size})
	return res
}

// Store appends a memory store of val through ptr.
func (b *Builder) Store(blk *Block, ptr, val *Value) {
	b.inst(blk, &Inst{Op: OpStore, Operands: []adaptor.ValID{ptr.ID, val.ID}, MemSize: val.Parts[0].Size})
}

// CallSpec describes one call instruction for Builder.Call.
type CallSpec struct {
	Callee        string // direct link name; ignored if Indirect is set.
	Indirect      *Value
	Args          []*Value
	Byval         map[int]ByvalInfo
	RetSizes      []uint32
	Vararg        bool
	HasLandingPad bool
	LandingPad    *Block
	CatchType     string
}

// Call appends a direct or indirect call instruction and returns its result
// values (possibly empty, for a void call).
func (b *Builder) Call(blk *Block, spec CallSpec) []*Value {
	in := &Inst{
		Op: OpCall, CalleeExtern: spec.Callee, Vararg: spec.Vararg,
		ByvalOperand: spec.Byval, HasLandingPad: spec.HasLandingPad, CatchType: spec.CatchType,
	}
	if spec.Indirect != nil {
		in.Indirect = true
		in.Operands = append(in.Operands, spec.Indirect.ID)
	}
	for _, a := range spec.Args {
		in.Operands = append(in.Operands, a.ID)
	}
	if spec.HasLandingPad {
		in.LandingPad = spec.LandingPad.ID
	}
	var results []*Value
	for _, sz := range spec.RetSizes {
		rv := b.Int(sz)
		in.Results = append(in.Results, rv.ID)
		results = append(results, rv)
	}
	b.inst(blk, in)
	return results
}

// Br appends an unconditional branch terminator; succs of blk must already
// list exactly one target.
func (b *Builder) Br(blk *Block) {
	b.inst(blk, &Inst{Op: OpBr})
}

// CondBr appends a fused compare-and-branch terminator; succs of blk must
// already list [taken, not-taken] in that order.
func (b *Builder) CondBr(blk *Block, cond Cond, lhs, rhs *Value) {
	b.inst(blk, &Inst{Op: OpCondBr, Operands: []adaptor.ValID{lhs.ID, rhs.ID}, CondKind: cond})
}

// Ret appends a return terminator. For an sret function, vals must be
// exactly the sret argument's own Value with CCA classified via sret, so
// pass the SretArg's Value itself as the sole element.
func (b *Builder) Ret(blk *Block, vals ...*Value) {
	in := &Inst{Op: OpRet}
	for _, v := range vals {
		in.Operands = append(in.Operands, v.ID)
	}
	b.inst(blk, in)
}

// Unreachable appends an unreachable terminator.
func (b *Builder) Unreachable(blk *Block) {
	b.inst(blk, &Inst{Op: OpUnreachable})
}
