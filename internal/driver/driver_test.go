package driver_test

import (
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/baseco/internal/backend"
	"github.com/orizon-lang/baseco/internal/driver"
	"github.com/orizon-lang/baseco/internal/elfobj"
	"github.com/orizon-lang/baseco/internal/testir"
)

// buildAdd2 builds `func add2(a, b int64) int64 { return a + b }` (spec §8's
// S1, straight-line arithmetic).
func buildAdd2() *testir.Module {
	b := testir.NewBuilder("add2")
	blk := b.Block()
	lhs := b.Arg(8)
	rhs := b.Arg(8)
	sum := b.BinOp(blk, testir.BinAdd, lhs, rhs)
	b.Ret(blk, sum)
	return &testir.Module{IRVersion: "1.0.0", Funcs: []*testir.Function{b.Func()}}
}

func compile(t *testing.T, mod *testir.Module, target backend.Target, ti elfobj.TargetInfo) []byte {
	t.Helper()
	asm := elfobj.New(ti, elfobj.SymRef{})
	comp := driver.NewCompiler(target, asm)
	ad := testir.NewAdaptor(mod)
	if errs := comp.CompileModule(ad, testir.Lowerer{}); len(errs) != 0 {
		t.Fatalf("CompileModule: %v", errs)
	}
	obj := asm.BuildObjectFile()
	if len(obj) == 0 {
		t.Fatal("BuildObjectFile returned no bytes")
	}
	return obj
}

func TestCompileAdd2AMD64(t *testing.T) {
	compile(t, buildAdd2(), backend.AMD64Target(), elfobj.AMD64Target())
}

func TestCompileAdd2ARM64(t *testing.T) {
	compile(t, buildAdd2(), backend.ARM64TargetCfg(), elfobj.ARM64Target())
}

// buildSretIdentity builds a function that copies one 8-byte word from
// `src` into the caller-supplied `dst` sret slot (spec §8's S4).
func buildSretIdentity() *testir.Module {
	b := testir.NewBuilder("copy16")
	blk := b.Block()
	dst := b.SretArg()
	src := b.Arg(8)

	lo := b.Load(blk, src, 8)
	b.Store(blk, dst, lo)
	b.Ret(blk, dst)

	return &testir.Module{IRVersion: "1.0.0", Funcs: []*testir.Function{b.Func()}}
}

func TestCompileSretARM64(t *testing.T) {
	compile(t, buildSretIdentity(), backend.ARM64TargetCfg(), elfobj.ARM64Target())
}

func TestCompileSretAMD64(t *testing.T) {
	compile(t, buildSretIdentity(), backend.AMD64Target(), elfobj.AMD64Target())
}

// buildPhiCycle builds a loop header with two phis whose incoming values
// from the back edge are each other (spec §8's S2): phiA <- phiB, phiB <-
// phiA on the bb1->bb1 edge, forcing the cycle-breaking path in
// moveToPhiNodes.
func buildPhiCycle() *testir.Module {
	b := testir.NewBuilder("phi_cycle")
	bb0 := b.Block()
	a0 := b.ConstInt(bb0, 8, 10)
	b0 := b.ConstInt(bb0, 8, 20)

	bb1 := b.Block()
	bb2 := b.Block()
	b.Succs(bb0, bb1)
	b.Br(bb0)

	phiA := b.Phi(bb1, 8, testir.PhiEdge{Pred: bb0.ID, Value: a0.ID})
	phiB := b.Phi(bb1, 8, testir.PhiEdge{Pred: bb0.ID, Value: b0.ID}, testir.PhiEdge{Pred: bb1.ID, Value: phiA.ID})
	phiA.Incoming = append(phiA.Incoming, testir.PhiEdge{Pred: bb1.ID, Value: phiB.ID})

	zero := b.ConstInt(bb1, 8, 0)
	b.CondBr(bb1, testir.CondEQ, phiA, zero)
	b.Succs(bb1, bb1, bb2) // taken: loop back into bb1; not-taken: exit to bb2

	sum := b.BinOp(bb2, testir.BinAdd, phiA, phiB)
	b.Ret(bb2, sum)

	return &testir.Module{IRVersion: "1.0.0", Funcs: []*testir.Function{b.Func()}}
}

func TestCompilePhiCycleAMD64(t *testing.T) {
	compile(t, buildPhiCycle(), backend.AMD64Target(), elfobj.AMD64Target())
}

func TestCompilePhiCycleARM64(t *testing.T) {
	compile(t, buildPhiCycle(), backend.ARM64TargetCfg(), elfobj.ARM64Target())
}

// buildByvalCall builds a call passing a 40-byte, 16-byte-aligned struct by
// value (spec §8's S3).
func buildByvalCall() *testir.Module {
	b := testir.NewBuilder("byval_call")
	bb := b.Block()
	structPtr := b.Alloca(40, 16)
	b.Call(bb, testir.CallSpec{
		Callee: "take_struct",
		Args:   []*testir.Value{structPtr},
		Byval:  map[int]testir.ByvalInfo{0: {Size: 40, Align: 16}},
	})
	b.Ret(bb)
	return &testir.Module{IRVersion: "1.0.0", Funcs: []*testir.Function{b.Func()}}
}

func TestCompileByvalCallAMD64(t *testing.T) {
	compile(t, buildByvalCall(), backend.AMD64Target(), elfobj.AMD64Target())
}

func TestCompileByvalCallARM64(t *testing.T) {
	compile(t, buildByvalCall(), backend.ARM64TargetCfg(), elfobj.ARM64Target())
}

// buildLandingPadCall builds a call inside a landing-pad region (spec §8's
// S5): the call is flagged HasLandingPad with a CatchType, and the function
// needs unwind info so the driver actually builds a CIE/FDE and an LSDA.
func buildLandingPadCall() *testir.Module {
	b := testir.NewBuilder("catch_call")
	bb0 := b.Block()
	bb1 := b.Block() // landing pad
	bb2 := b.Block() // normal continuation

	rets := b.Call(bb0, testir.CallSpec{
		Callee:        "maythrow",
		RetSizes:      []uint32{8},
		HasLandingPad: true,
		LandingPad:    bb1,
		CatchType:     "SomeExceptionType",
	})
	zero := b.ConstInt(bb0, 8, 0)
	b.CondBr(bb0, testir.CondEQ, rets[0], zero)
	b.Succs(bb0, bb1, bb2)

	b.Ret(bb1)
	b.Ret(bb2)

	fn := b.Func()
	fn.NeedsUnwind = true
	return &testir.Module{IRVersion: "1.0.0", Funcs: []*testir.Function{fn}}
}

func TestCompileLandingPadAMD64(t *testing.T) {
	compile(t, buildLandingPadCall(), backend.AMD64Target(), elfobj.AMD64Target())
}

func TestCompileLandingPadARM64(t *testing.T) {
	compile(t, buildLandingPadCall(), backend.ARM64TargetCfg(), elfobj.ARM64Target())
}

// TestCompileIsDeterministic exercises the spec's determinism invariant:
// compiling the same module twice from scratch must produce byte-identical
// object files.
func TestCompileIsDeterministic(t *testing.T) {
	obj1 := compile(t, buildAdd2(), backend.AMD64Target(), elfobj.AMD64Target())
	obj2 := compile(t, buildAdd2(), backend.AMD64Target(), elfobj.AMD64Target())
	if len(obj1) != len(obj2) {
		t.Fatalf("object sizes differ: %d vs %d", len(obj1), len(obj2))
	}
	for i := range obj1 {
		if obj1[i] != obj2[i] {
			t.Fatalf("object bytes differ at offset %d", i)
		}
	}
}

// TestCompileModuleRejectsUnsatisfiedMinIRVersion exercises the
// MinIRVersion guard (spec §6.1's IRFormatVersion method).
func TestCompileModuleRejectsUnsatisfiedMinIRVersion(t *testing.T) {
	mod := buildAdd2()
	mod.IRVersion = "0.9.0"

	asm := elfobj.New(elfobj.AMD64Target(), elfobj.SymRef{})
	comp := driver.NewCompiler(backend.AMD64Target(), asm)

	c, err := semver.NewConstraint(">= 1.0.0")
	if err != nil {
		t.Fatalf("building constraint: %v", err)
	}
	comp.MinIRVersion = c

	ad := testir.NewAdaptor(mod)
	errs := comp.CompileModule(ad, testir.Lowerer{})
	if len(errs) != 1 {
		t.Fatalf("want exactly one error rejecting the module, got %v", errs)
	}
}
