package regfile

import "testing"

const gpr = adaptorBank(0)

func newTestFile() *File {
	return NewFile(map[adaptorBank]*Bank{gpr: NewBank("gpr", 0x0F)}) // 4 allocatable regs
}

func TestFindFirstFreeExcluding(t *testing.T) {
	f := newTestFile()
	reg, ok := f.FindFirstFreeExcluding(gpr, 0)
	if !ok || reg != 0 {
		t.Fatalf("want reg 0 free, got %d ok=%v", reg, ok)
	}

	f.MarkUsed(gpr, 0, 1, 0)
	reg, ok = f.FindFirstFreeExcluding(gpr, 0)
	if !ok || reg != 1 {
		t.Fatalf("want reg 1 free, got %d ok=%v", reg, ok)
	}

	reg, ok = f.FindFirstFreeExcluding(gpr, 1<<1|1<<2|1<<3)
	if ok {
		t.Fatalf("want no free register (reg 0 used, regs 1-3 excluded), got %d", reg)
	}
}

func TestFindFirstNonFixedExcluding(t *testing.T) {
	f := newTestFile()
	f.MarkUsed(gpr, 0, 1, 0)
	f.MarkUsed(gpr, 1, 2, 0)
	f.MarkFixed(gpr, 0)

	reg, ok := f.FindFirstNonFixedExcluding(gpr, 0)
	if !ok || reg != 1 {
		t.Fatalf("want reg 1 (the only non-fixed used register), got %d ok=%v", reg, ok)
	}

	f.MarkFixed(gpr, 1)
	if _, ok := f.FindFirstNonFixedExcluding(gpr, 0); ok {
		t.Fatal("want no eviction candidate once every used register is fixed")
	}
}

func TestMarkUsedSetsClobbered(t *testing.T) {
	f := newTestFile()
	f.MarkUsed(gpr, 2, 5, 0)
	if f.Clobbered(gpr)&(1<<2) == 0 {
		t.Fatal("MarkUsed must set the clobbered bit")
	}
	f.UnmarkUsed(gpr, 2)
	if f.Clobbered(gpr)&(1<<2) == 0 {
		t.Fatal("UnmarkUsed must not clear the clobbered bit; clobbered persists for the whole function")
	}
}

func TestUnmarkUsedPanicsWhileLocked(t *testing.T) {
	f := newTestFile()
	f.MarkUsed(gpr, 0, 1, 0)
	f.IncLockCount(gpr, 0)

	defer func() {
		if recover() == nil {
			t.Fatal("want panic unmarking a locked register")
		}
	}()
	f.UnmarkUsed(gpr, 0)
}

func TestLockCountRoundTrip(t *testing.T) {
	f := newTestFile()
	f.MarkUsed(gpr, 0, 1, 0)
	f.IncLockCount(gpr, 0)
	f.IncLockCount(gpr, 0)
	if got := f.LockCount(gpr, 0); got != 2 {
		t.Fatalf("LockCount = %d, want 2", got)
	}
	f.DecLockCount(gpr, 0)
	if got := f.LockCount(gpr, 0); got != 1 {
		t.Fatalf("LockCount = %d, want 1", got)
	}
	f.DecLockCount(gpr, 0)
	f.UnmarkUsed(gpr, 0) // fully unlocked now; must not panic
}

func TestOwnerAndAllUsed(t *testing.T) {
	f := newTestFile()
	f.MarkUsed(gpr, 0, 7, 1)
	f.MarkUsed(gpr, 3, 9, 0)

	idx, part := f.Owner(gpr, 0)
	if idx != 7 || part != 1 {
		t.Fatalf("Owner(0) = (%d, %d), want (7, 1)", idx, part)
	}

	all := f.AllUsed(gpr)
	if len(all) != 2 || all[0] != 0 || all[1] != 3 {
		t.Fatalf("AllUsed = %v, want [0 3]", all)
	}
}

func TestResetClearsStateKeepsAllocatable(t *testing.T) {
	f := newTestFile()
	f.MarkUsed(gpr, 0, 1, 0)
	f.MarkFixed(gpr, 0)
	f.Reset()

	if f.IsUsed(gpr, 0) || f.IsFixed(gpr, 0) {
		t.Fatal("Reset must clear used/fixed state")
	}
	if f.Clobbered(gpr) != 0 {
		t.Fatal("Reset must clear clobbered state too")
	}
	if _, ok := f.FindFirstFreeExcluding(gpr, 0); !ok {
		t.Fatal("Reset must keep the bank allocatable after clearing")
	}
}
