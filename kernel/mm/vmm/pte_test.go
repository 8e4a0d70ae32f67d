package vmm

import (
	"testing"

	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   PageTableEntry
		flag1 = PageTableEntryFlag(1 << 9)
		flag2 = PageTableEntryFlag(1 << 2)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       PageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFlags(FlagValid | FlagRead | FlagShared)
	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}
	if exp := uint64(123)<<10 | uint64(FlagValid|FlagRead|FlagShared); uint64(pte) != exp {
		t.Fatalf("expected raw entry 0x%x; got 0x%x", exp, uint64(pte))
	}

	// Flags survive a frame update.
	pte.SetFrame(mm.FrameFromAddress(0x87654000))
	if got := pte.Address(); got != 0x87654000 {
		t.Fatalf("expected address 0x87654000; got 0x%x", got)
	}
	if got := pte.Flags(); got != FlagValid|FlagRead|FlagShared {
		t.Fatalf("expected flags to be preserved; got 0x%x", got)
	}

	if got := newEntry(0x80201fff, FlagValid).Address(); got != 0x80201000 {
		t.Fatalf("expected newEntry to drop the page offset; got 0x%x", got)
	}
}

func TestPageTableEntryIsLeaf(t *testing.T) {
	specs := []struct {
		flags PageTableEntryFlag
		leaf  bool
	}{
		{0, false},
		{FlagRead, false},
		{FlagValid, false},
		{FlagValid | FlagUser | FlagGlobal, false},
		{FlagValid | FlagRead, true},
		{FlagValid | FlagWrite, true},
		{FlagValid | FlagExec | FlagShared, true},
	}

	for specIndex, spec := range specs {
		if got := newEntry(0x1000, spec.flags).IsLeaf(); got != spec.leaf {
			t.Errorf("[spec %d] expected IsLeaf() to return %t; got %t", specIndex, spec.leaf, got)
		}
	}
}

func TestLevels(t *testing.T) {
	specs := []struct {
		level Level
		size  uintptr
		order int
		str   string
	}{
		{Level4K, mm.PageSize, 0, "4K"},
		{Level2M, mm.MegaPageSize, 9, "2M"},
		{Level1G, mm.GigaPageSize, 18, "1G"},
	}

	for _, spec := range specs {
		if got := spec.level.Size(); got != spec.size {
			t.Errorf("expected %s size 0x%x; got 0x%x", spec.str, spec.size, got)
		}
		if got := spec.level.Order(); got != spec.order {
			t.Errorf("expected %s order %d; got %d", spec.str, spec.order, got)
		}
		if got := spec.level.String(); got != spec.str {
			t.Errorf("expected %q; got %q", spec.str, got)
		}
	}

	if got := Level(7).String(); got != "level(7)" {
		t.Errorf("expected level(7); got %q", got)
	}
}

func TestLevelForSize(t *testing.T) {
	specs := []struct {
		size uintptr
		exp  Level
	}{
		{0, Level4K},
		{1, Level4K},
		{mm.MegaPageSize - mm.PageSize, Level4K},
		{mm.MegaPageSize, Level2M},
		{3 * mm.MegaPageSize, Level2M},
		{mm.GigaPageSize, Level1G},
		{5 * mm.GigaPageSize, Level1G},
	}

	for specIndex, spec := range specs {
		if got := LevelForSize(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, got)
		}
	}
}

func TestTableIndex(t *testing.T) {
	va := uintptr(3)<<30 | uintptr(5)<<21 | uintptr(7)<<12 | 0x123
	for level, exp := range map[Level]uintptr{Level1G: 3, Level2M: 5, Level4K: 7} {
		if got := tableIndex(va, level); got != exp {
			t.Errorf("expected %v index %d; got %d", level, exp, got)
		}
	}
}

func TestLayout(t *testing.T) {
	if MaxVA != 1<<38 {
		t.Fatalf("expected MaxVA to be 1<<38; got 0x%x", MaxVA)
	}
	if Trampoline != 0x3ffffff000 || Trapframe != 0x3fffffe000 {
		t.Fatalf("unexpected trampoline/trapframe layout: 0x%x 0x%x", Trampoline, Trapframe)
	}
	if got := KernelStack(0); got != 0x3fffffd000 {
		t.Fatalf("expected first kernel stack at 0x3fffffd000; got 0x%x", got)
	}
	if got := KernelStack(1) + 2*mm.PageSize; got != KernelStack(0) {
		t.Fatal("expected kernel stacks to be separated by a guard page")
	}
}
