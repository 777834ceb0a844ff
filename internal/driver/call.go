package driver

import (
	"github.com/orizon-lang/baseco/internal/assign"
	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/callconv"
	"github.com/orizon-lang/baseco/internal/elfobj"
)

// CallSite collects everything an InstLowerer has already worked out about
// one call instruction: its calling convention, argument classification,
// and where its direct or indirect target comes from.
type CallSite struct {
	CC   callconv.CallingConvention
	Args []callconv.CallArg
	Rets []callconv.RetValue

	// Exactly one of Direct/IndirectTarget is set.
	Direct         elfobj.SymRef
	IndirectTarget assign.ValuePartRef
	Indirect       bool
}

// EmitCall runs the full call sequence spec §4.E/§4.F describe: reserve the
// outgoing stack-argument area, place every argument, evict call-clobbered
// registers, emit the call instruction, release the argument registers,
// and bind return values into their destination parts.
func (c *Context) EmitCall(cs CallSite) {
	ccas := make([]callconv.CCAssignment, len(cs.Args))
	for i, a := range cs.Args {
		ccas[i] = a.CCA
	}
	free := c.ReserveCallArgs(cs.CC, ccas)
	defer free()

	builder := callconv.CallBuilder{CC: cs.CC, Mover: c.mv}
	builder.Build(cs.Args)

	if cs.Indirect {
		target := cs.IndirectTarget.Load()
		c.Emit.CallIndirect(backend.Reg(target))
	} else {
		c.Emit.CallDirect(cs.Direct)
	}
	c.mv.finishCall()

	if len(cs.Rets) > 0 {
		retBuilder := callconv.RetBuilder{CC: cs.CC, Mover: c.mv}
		retBuilder.Build(cs.Rets)
	}
}
