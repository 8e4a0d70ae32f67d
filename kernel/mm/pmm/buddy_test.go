package pmm

import (
	"bytes"
	"math/rand"
	gosync "sync"
	"testing"

	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/phys"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testBase = uintptr(0x80000000)

func page(n int) uintptr {
	return testBase + uintptr(n)*mm.PageSize
}

// newTestAllocator returns an allocator managing pages [first, pages) of a
// fresh arena.
func newTestAllocator(t *testing.T, pages, first, maxOrder int, junk bool) *BuddyAllocator {
	t.Helper()

	mem, err := phys.New(testBase, uintptr(pages)*mm.PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	alloc, err := New(mem, page(first), page(pages), Options{MaxOrder: maxOrder, Junk: junk})
	require.NoError(t, err)
	require.NoError(t, alloc.CheckInvariants())
	return alloc
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		if err := kfmt.Recover(recover()); err != expErr {
			t.Fatalf("expected kernel panic with %v; got %v", expErr, err)
		}
	}()
	fn()
}

func TestNewPartition(t *testing.T) {
	alloc := newTestAllocator(t, 16, 3, 4, false)

	exp := map[int][]uintptr{
		0: {page(3)},
		2: {page(4)},
		3: {page(8)},
	}
	if diff := cmp.Diff(exp, alloc.FreeLists()); diff != "" {
		t.Fatalf("unexpected free lists (-want +got):\n%s", diff)
	}

	stats := alloc.Stats()
	if stats.TotalPages != 13 || stats.FreePages != 13 {
		t.Fatalf("expected 13 total and free pages; got %d and %d", stats.TotalPages, stats.FreePages)
	}
}

func TestNewErrors(t *testing.T) {
	mem, err := phys.New(testBase, 16*mm.PageSize)
	require.NoError(t, err)
	defer mem.Close()

	specs := []struct {
		name       string
		start, end uintptr
		opts       Options
	}{
		{"empty range", page(4), page(4), Options{}},
		{"sub-page range", page(4) + 1, page(5) - 1, Options{}},
		{"outside of RAM", page(8), page(32), Options{}},
		{"negative order", page(0), page(16), Options{MaxOrder: -1}},
		{"huge order", page(0), page(16), Options{MaxOrder: maxSupportedOrder + 1}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if _, err := New(mem, spec.start, spec.end, spec.opts); err == nil {
				t.Fatal("expected New to fail")
			}
		})
	}
}

func TestBuddiesCoalesceOnlyWithEachOther(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, false)

	first, err := alloc.Alloc(4 * mm.PageSize)
	require.Nil(t, err)
	second, err := alloc.Alloc(4 * mm.PageSize)
	require.Nil(t, err)

	if first != page(0) || second != page(4) {
		t.Fatalf("expected blocks at 0x%x and 0x%x; got 0x%x and 0x%x", page(0), page(4), first, second)
	}

	alloc.Free(first)
	exp := map[int][]uintptr{
		2: {page(0)},
		3: {page(8)},
	}
	if diff := cmp.Diff(exp, alloc.FreeLists()); diff != "" {
		t.Fatalf("first block merged before its buddy was released (-want +got):\n%s", diff)
	}
	require.NoError(t, alloc.CheckInvariants())

	alloc.Free(second)
	exp = map[int][]uintptr{4: {page(0)}}
	if diff := cmp.Diff(exp, alloc.FreeLists()); diff != "" {
		t.Fatalf("unexpected free lists after releasing both buddies (-want +got):\n%s", diff)
	}
	require.NoError(t, alloc.CheckInvariants())
}

func TestAllocSplitsFromFirstLargerOrder(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, false)

	pa, err := alloc.Kalloc()
	require.Nil(t, err)
	require.Equal(t, page(0), pa)

	exp := map[int][]uintptr{
		0: {page(1)},
		1: {page(2)},
		2: {page(4)},
		3: {page(8)},
	}
	if diff := cmp.Diff(exp, alloc.FreeLists()); diff != "" {
		t.Fatalf("unexpected free lists (-want +got):\n%s", diff)
	}

	// The next order-0 request is served from the order-0 list without a split.
	pa, err = alloc.Kalloc()
	require.Nil(t, err)
	require.Equal(t, page(1), pa)
	require.Equal(t, []int{0, 1, 1, 1, 0}, alloc.Stats().FreeBlocks)
}

func TestFullCoalescingIsOrderIndependent(t *testing.T) {
	sizes := []uintptr{1, 2, 1, 4, 1, 1, 2, 4}
	for seed := int64(0); seed < 16; seed++ {
		alloc := newTestAllocator(t, 16, 0, 4, false)
		initial := alloc.FreeLists()

		var blocks []uintptr
		for _, pages := range sizes {
			pa, err := alloc.Alloc(pages * mm.PageSize)
			if err != nil {
				t.Fatalf("[seed %d] unexpected error allocating %d pages: %v", seed, pages, err)
			}
			blocks = append(blocks, pa)
		}

		if _, err := alloc.Kalloc(); err != ErrOutOfMemory {
			t.Fatalf("[seed %d] expected pool to be exhausted; got %v", seed, err)
		}

		rand.New(rand.NewSource(seed)).Shuffle(len(blocks), func(i, j int) {
			blocks[i], blocks[j] = blocks[j], blocks[i]
		})
		for _, pa := range blocks {
			alloc.Free(pa)
			if err := alloc.CheckInvariants(); err != nil {
				t.Fatalf("[seed %d] invariants violated after freeing 0x%x: %v", seed, pa, err)
			}
		}

		if diff := cmp.Diff(initial, alloc.FreeLists()); diff != "" {
			t.Fatalf("[seed %d] free lists differ from the initial shape (-want +got):\n%s", seed, diff)
		}
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	alloc := newTestAllocator(t, 16, 3, 4, false)
	before := alloc.FreeLists()

	for order := 0; order <= 3; order++ {
		pa, err := alloc.Alloc(BlockBytes(order))
		require.Nil(t, err)
		alloc.Free(pa)
		if diff := cmp.Diff(before, alloc.FreeLists()); diff != "" {
			t.Fatalf("order %d alloc/free round trip changed the free lists (-want +got):\n%s", order, diff)
		}
	}

	stats := alloc.Stats()
	require.Equal(t, uint64(4), stats.Allocs)
	require.Equal(t, uint64(4), stats.Frees)
}

func TestOutOfMemory(t *testing.T) {
	alloc := newTestAllocator(t, 16, 3, 4, false)

	// The zone holds 13 pages but no block larger than 8.
	if _, err := alloc.Alloc(16 * mm.PageSize); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	for i := 0; i < 13; i++ {
		if _, err := alloc.Kalloc(); err != nil {
			t.Fatalf("unexpected error on allocation %d: %v", i, err)
		}
	}
	if _, err := alloc.Kalloc(); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}

	stats := alloc.Stats()
	require.Equal(t, uint64(2), stats.Failures)
	require.Equal(t, 0, stats.FreePages)
	require.NoError(t, alloc.CheckInvariants())
}

func TestAllocInvalidSize(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, false)

	for _, size := range []uintptr{0, 1, mm.PageSize + 1, 3 * mm.PageSize, 32 * mm.PageSize} {
		expectPanic(t, ErrInvalidSize, func() { _, _ = alloc.Alloc(size) })
	}
	require.NoError(t, alloc.CheckInvariants())
}

func TestFreeErrors(t *testing.T) {
	alloc := newTestAllocator(t, 16, 2, 4, false)

	block, err := alloc.Alloc(4 * mm.PageSize)
	require.Nil(t, err)

	specs := []struct {
		name   string
		pa     uintptr
		expErr *kernel.Error
	}{
		{"misaligned", block + 1, ErrUnaligned},
		{"reserved page", page(1), ErrUnaligned},
		{"past the zone", page(16), ErrUnaligned},
		{"tail page", block + mm.PageSize, ErrCorruptMetadata},
		{"never allocated", page(2), ErrDoubleFree},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			expectPanic(t, spec.expErr, func() { alloc.Free(spec.pa) })
		})
	}

	// A failed free must not leave the lock held.
	alloc.Free(block)
	expectPanic(t, ErrDoubleFree, func() { alloc.Free(block) })
	require.NoError(t, alloc.CheckInvariants())
}

func TestFreeDetectsCorruptOrder(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, false)

	_, err := alloc.Alloc(2 * mm.PageSize)
	require.Nil(t, err)
	pa, err := alloc.Alloc(2 * mm.PageSize)
	require.Nil(t, err)
	require.Equal(t, page(2), pa)

	// An order-2 block cannot start at page 2.
	alloc.blocks[alloc.indexOf(pa)].order = 2
	expectPanic(t, ErrCorruptMetadata, func() { alloc.Free(pa) })

	alloc.blocks[alloc.indexOf(pa)].order = 1
	alloc.Free(pa)
	require.NoError(t, alloc.CheckInvariants())
}

func TestJunkFill(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, true)

	pa, err := alloc.Alloc(2 * mm.PageSize)
	require.Nil(t, err)
	if !bytes.Equal(alloc.mem.Bytes(pa, 2*mm.PageSize), bytes.Repeat([]byte{junkAlloc}, int(2*mm.PageSize))) {
		t.Fatal("expected allocated block to be filled with the allocation pattern")
	}

	alloc.Free(pa)
	if !bytes.Equal(alloc.mem.Bytes(pa, 2*mm.PageSize), bytes.Repeat([]byte{junkFree}, int(2*mm.PageSize))) {
		t.Fatal("expected freed block to be filled with the free pattern")
	}
	require.NoError(t, alloc.CheckInvariants())
}

func TestBlockSize(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, false)

	pa, err := alloc.Alloc(4 * mm.PageSize)
	require.Nil(t, err)

	size, ok := alloc.BlockSize(pa)
	require.True(t, ok)
	require.Equal(t, 4*mm.PageSize, size)

	for _, other := range []uintptr{pa + mm.PageSize, page(8), page(16), pa + 1} {
		if _, ok := alloc.BlockSize(other); ok {
			t.Errorf("expected BlockSize(0x%x) to report no allocated block", other)
		}
	}
}

func TestCheckInvariantsReportsEveryViolation(t *testing.T) {
	alloc := newTestAllocator(t, 16, 0, 4, false)

	pa, err := alloc.Alloc(4 * mm.PageSize)
	require.Nil(t, err)

	// Turn a tail page into a bogus head and skew the free page counter.
	alloc.blocks[alloc.indexOf(pa)+1] = block{state: stateAllocated, prev: none, next: none}
	alloc.freePages++

	invErr := alloc.CheckInvariants()
	require.Error(t, invErr)

	merr, ok := invErr.(*multierror.Error)
	require.True(t, ok, "expected a *multierror.Error; got %T", invErr)
	if len(merr.Errors) < 2 {
		t.Fatalf("expected at least 2 violations; got %v", merr.Errors)
	}

	// Each violation records where it was detected.
	for _, violation := range merr.Errors {
		if _, ok := violation.(interface{ StackTrace() errors.StackTrace }); !ok {
			t.Errorf("expected violation %q to carry a stack trace", violation)
		}
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	alloc := newTestAllocator(t, 256, 0, 8, false)
	initial := alloc.FreeLists()

	var wg gosync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))

			var held []uintptr
			for i := 0; i < 500; i++ {
				if len(held) > 0 && rng.Intn(2) == 0 {
					alloc.Free(held[len(held)-1])
					held = held[:len(held)-1]
					continue
				}

				if pa, err := alloc.Alloc(BlockBytes(rng.Intn(3))); err == nil {
					held = append(held, pa)
				}
			}
			for _, pa := range held {
				alloc.Free(pa)
			}
		}(int64(worker))
	}
	wg.Wait()

	require.NoError(t, alloc.CheckInvariants())
	if diff := cmp.Diff(initial, alloc.FreeLists()); diff != "" {
		t.Fatalf("free lists did not fully coalesce (-want +got):\n%s", diff)
	}
}
