package driver

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/analysis"
	"github.com/orizon-lang/baseco/internal/assign"
	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/callconv"
	"github.com/orizon-lang/baseco/internal/elfobj"
)

// InstRange is the remainder of the current block, handed to a per-
// instruction lowering call so it can look ahead and fuse a later
// instruction into this one (spec §4.F per-block step 2, e.g. icmp+br).
type InstRange struct {
	insts []adaptor.InstID
	pos   int
}

// Cur returns the instruction this range starts at.
func (r InstRange) Cur() adaptor.InstID { return r.insts[r.pos] }

// Peek returns the instruction n positions ahead of Cur, or (0, false) if
// the block ends first.
func (r InstRange) Peek(n int) (adaptor.InstID, bool) {
	i := r.pos + n
	if i >= len(r.insts) {
		return 0, false
	}
	return r.insts[i], true
}

// Rest returns every remaining instruction in the block, Cur included.
func (r InstRange) Rest() []adaptor.InstID { return r.insts[r.pos:] }

// Context bundles every collaborator spec §4.F wires together for a single
// function's compilation. An InstLowerer implementation never constructs
// one itself; the driver builds it once per function and passes it to every
// LowerInst/LowerTerminator call.
type Context struct {
	Ad     adaptor.Adaptor
	Mgr    *assign.Manager
	Emit   backend.Emitter
	Target backend.Target
	Asm    *elfobj.Assembler
	Except *elfobj.ExceptBuilder
	Result *analysis.Result
	Mover  callconv.Mover

	// BlockLabels holds every block's pre-created Label (spec §4.F
	// per-function step 3).
	BlockLabels map[adaptor.BlockID]backend.Label

	Func         adaptor.FuncID
	CurBlock     adaptor.BlockID
	CurLayoutIdx int

	mv *mover

	// blockMarkers records each block's emission-point Marker, taken right
	// after BindLabel, so a landing-pad block can be resolved to a byte
	// offset for its call sites' LandingPad field (spec §4.A).
	blockMarkers map[adaptor.BlockID]backend.Marker

	// pendingSites accumulates call-site regions an InstLowerer has flagged
	// via BeginCallSite/EndCallSite, resolved to byte offsets once the
	// function's Emitter has finished assembling.
	pendingSites []pendingCallSite
}

type pendingCallSite struct {
	start, end   backend.Marker
	landingBlock adaptor.BlockID
	hasLanding   bool
	action       uint32
}

// BeginCallSite marks the start of a call instruction's region for the
// exception table (spec §4.A's "call-site entries"). An InstLowerer that
// knows a call may unwind calls this immediately before emitting the call
// and passes the result to EndCallSite immediately after.
func (c *Context) BeginCallSite() backend.Marker { return c.Emit.Mark() }

// EndCallSite closes a call-site region opened by start. landingPad/hasLanding
// say whether this call can unwind into a landing-pad block in this function;
// action is the 1-based action-table index from Context.AddAction, or 0 for a
// cleanup-only/no-action entry.
func (c *Context) EndCallSite(start backend.Marker, landingPad adaptor.BlockID, hasLanding bool, action uint32) {
	c.pendingSites = append(c.pendingSites, pendingCallSite{
		start: start, end: c.Emit.Mark(),
		landingBlock: landingPad, hasLanding: hasLanding, action: action,
	})
}

// AddAction registers one action-table entry for this function's exception
// table and returns its 1-based index, lazily creating the ExceptBuilder.
func (c *Context) AddAction(a elfobj.ActionEntry) uint32 {
	if c.Except == nil {
		c.Except = elfobj.NewExceptBuilder()
	}
	return c.Except.AddAction(a)
}

// TypeIndex registers (or looks up) catchType's 1-based type-info table
// index, lazily creating the ExceptBuilder.
func (c *Context) TypeIndex(catchType elfobj.SymRef) int32 {
	if c.Except == nil {
		c.Except = elfobj.NewExceptBuilder()
	}
	return c.Except.TypeIndex(catchType)
}

// Label returns the pre-created backend Label for block b.
func (c *Context) Label(b adaptor.BlockID) backend.Label { return c.BlockLabels[b] }

// NewCC builds a fresh CallingConvention instance for one call site or the
// function's own argument binding (spec §4.E: the assigner is reset and
// reused, never shared live state across independent call sites).
func (c *Context) NewCC(vararg bool) callconv.CallingConvention { return c.Target.NewCC(vararg) }

// ReserveCallArgs runs ccas through a throwaway assignment pass purely to
// learn the total outgoing stack-argument footprint, reserves that much
// space in the function's own frame, and points the Mover's stack moves at
// it. The caller still passes the same ccas (in the same order) to a
// CallBuilder afterwards; CallingConvention assignment is a deterministic
// function of argument order, so the CallBuilder's own internal re-assign
// reproduces identical register/stack placement (spec §4.E's CallBuilder
// always resets and re-walks its CC; this is the one piece of bookkeeping it
// does not expose, since it never needed to know the total size in advance
// of placing each argument one at a time).
func (c *Context) ReserveCallArgs(cc callconv.CallingConvention, ccas []callconv.CCAssignment) (free func()) {
	cc.Reset()
	scratch := make([]callconv.CCAssignment, len(ccas))
	copy(scratch, ccas)
	for i := range scratch {
		cc.AssignArg(&scratch[i])
	}
	size := cc.StackSize()
	off := c.Mgr.Stack.Allocate(size)
	c.mv.outArgsOff = off
	return func() { c.Mgr.Stack.Free(size, off) }
}

// InstLowerer is the externally supplied per-opcode dispatch the driver
// calls once per non-fused instruction and once per block terminator (spec
// §4.F per-block step 2). Opcode dispatch is outside this module's scope by
// design (spec's "per-instruction opcode lowering to machine bytes" is an
// external collaborator); internal/testir supplies the one implementation
// this repository ships, for its own minimal instruction set.
type InstLowerer interface {
	// LowerInst compiles one non-terminator, non-fused instruction. rest
	// gives the remainder of the block for fusion lookahead.
	LowerInst(c *Context, inst adaptor.InstID, rest InstRange) error

	// LowerTerminator compiles a block's final instruction (branch,
	// conditional branch, return, or unreachable). The driver has already
	// run spill_before_branch and move_to_phi_nodes for every successor
	// before calling this; succs lists the successor blocks in BlockSuccs
	// order, and Context.Label gives each one's pre-created Label.
	LowerTerminator(c *Context, inst adaptor.InstID, succs []adaptor.BlockID) error
}
