package driver

import (
	"github.com/orizon-lang/baseco/internal/adaptor"
	"github.com/orizon-lang/baseco/internal/backend"
)

// driverHooks implements assign.Hooks over one function's Emitter, the
// narrow backend surface the spill/reload/evict machinery calls into
// (spec §4.D).
type driverHooks struct {
	emit backend.Emitter
}

func (h *driverHooks) SpillReg(bank adaptor.Bank, reg uint32, frameOff, size uint32) {
	h.emit.StoreStack(bank, backend.Reg(reg), -int32(frameOff), size)
}

func (h *driverHooks) LoadFromStack(bank adaptor.Bank, reg uint32, frameOff, size uint32) {
	h.emit.LoadStack(bank, backend.Reg(reg), -int32(frameOff), size)
}

func (h *driverHooks) LoadAddressOfStackVar(bank adaptor.Bank, reg uint32, frameOff uint32) {
	h.emit.LoadFrameAddr(backend.Reg(reg), -int32(frameOff))
}

func (h *driverHooks) Mov(bank adaptor.Bank, dst, src uint32, size uint32) {
	h.emit.Mov(bank, backend.Reg(dst), backend.Reg(src), size)
}

// ReloadVariableRef would recompute a non-stack variable's address (e.g. a
// global) directly into reg. This baseline backend only supports static
// allocas as variable refs (spec §6.1's reference IR has no global
// values), so reaching here means the adaptor produced a variable ref this
// driver never creates.
func (h *driverHooks) ReloadVariableRef(bank adaptor.Bank, reg uint32, localIdx uint32) {
	panic("driver: non-stack variable references are not supported by this backend")
}
