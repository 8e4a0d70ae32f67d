// Package pmm implements the physical page allocator. Memory is handed out in
// power-of-two runs of pages using the buddy system: a block of order k covers
// 2^k pages and its buddy is found by flipping bit k of its page index.
package pmm

import (
	"time"

	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/phys"
	"github.com/KKKevin-aaa/xv6-labs/kernel/sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

const (
	// DefaultMaxOrder is the order of the largest block (1GiB with 4K pages)
	// used when Options.MaxOrder is not set.
	DefaultMaxOrder = 18

	// maxSupportedOrder bounds MaxOrder so that page indices fit a
	// descriptor link.
	maxSupportedOrder = 30

	// Poison patterns written over freed and freshly allocated blocks when
	// junk filling is enabled. They catch dangling references.
	junkFree  = 0x01
	junkAlloc = 0x05

	// none marks an empty free list or the end of one.
	none = int32(-1)
)

var (
	// ErrOutOfMemory is returned when no free block of the requested order
	// (or any larger order) exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidSize is raised when the requested size is not a power-of-two
	// multiple of the page size or exceeds the largest block.
	ErrInvalidSize = &kernel.Error{Module: "pmm", Message: "invalid allocation size"}

	// ErrUnaligned is raised when freeing an address that is not page
	// aligned or lies outside the managed zone.
	ErrUnaligned = &kernel.Error{Module: "pmm", Message: "address is misaligned or outside the zone"}

	// ErrDoubleFree is raised when freeing a block that is already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "double free"}

	// ErrCorruptMetadata is raised when the descriptor for a freed address
	// is not the head of an allocated block.
	ErrCorruptMetadata = &kernel.Error{Module: "pmm", Message: "block metadata is corrupt"}

	// oomLogInterval limits how often allocation failures are logged.
	oomLogInterval = 5 * time.Second
)

type blockState uint8

const (
	stateFree blockState = iota
	stateAllocated
	// stateTail marks a page covered by the block whose head precedes it.
	stateTail
	// stateReserved marks pages inside the zone that were never handed to
	// the allocator.
	stateReserved
	// stateReleasing marks a block that Free has claimed but not yet pushed
	// to a free list. It is neither mergeable nor freeable.
	stateReleasing
)

// block is the descriptor kept for every page of the zone. Order and the free
// list links are only meaningful on the head page of a block.
type block struct {
	order int8
	state blockState

	// prev and next link free blocks of the same order by descriptor index.
	prev, next int32
}

// Options tune a BuddyAllocator.
type Options struct {
	// MaxOrder is the order of the largest block. Zero selects
	// DefaultMaxOrder.
	MaxOrder int

	// Junk enables poisoning of freed and allocated blocks.
	Junk bool
}

// BuddyAllocator hands out physically contiguous, naturally aligned blocks
// of 2^order pages from a fixed range of physical memory. A single spinlock
// guards the descriptors and the free lists. It is held only for list and
// metadata updates and never across memory fills.
type BuddyAllocator struct {
	mem *phys.Memory

	// origin is the physical address of descriptor 0. It is aligned to the
	// largest block size so relative page indices share the alignment of
	// physical frame numbers.
	origin uintptr

	// start and end bound the range actually handed to the allocator.
	start, end uintptr

	maxOrder int
	junk     bool

	lock sync.Spinlock

	blocks    []block
	freeHeads []int32
	freeCount []int

	totalPages int
	freePages  int

	allocs   uint64
	frees    uint64
	failures uint64

	oomLimiter *rate.Limiter
}

// New creates an allocator that manages the physical range [start, end). The
// start address is rounded up and the end address rounded down to a page
// boundary. The range is carved into the largest naturally aligned blocks
// that fit and every block is placed on its free list.
func New(mem *phys.Memory, start, end uintptr, opts Options) (*BuddyAllocator, error) {
	maxOrder := opts.MaxOrder
	if maxOrder == 0 {
		maxOrder = DefaultMaxOrder
	}
	if maxOrder < 0 || maxOrder > maxSupportedOrder {
		return nil, errors.Errorf("pmm: max order %d outside [0, %d]", maxOrder, maxSupportedOrder)
	}

	start, end = mm.PageRoundUp(start), mm.PageRoundDown(end)
	if start >= end {
		return nil, errors.Errorf("pmm: empty range [0x%x, 0x%x)", start, end)
	}
	if !mem.Contains(start, end-start) {
		return nil, errors.Errorf("pmm: range [0x%x, 0x%x) is not backed by RAM [0x%x, 0x%x)", start, end, mem.Base(), mem.End())
	}

	maxBlockSize := mm.PageSize << uint(maxOrder)
	origin := start &^ (maxBlockSize - 1)
	pageCount := int((end - origin) >> mm.PageShift)
	if int64(pageCount) > int64(^uint32(0)>>1) {
		return nil, errors.Errorf("pmm: zone of %d pages is too large", pageCount)
	}

	alloc := &BuddyAllocator{
		mem:        mem,
		origin:     origin,
		start:      start,
		end:        end,
		maxOrder:   maxOrder,
		junk:       opts.Junk,
		blocks:     make([]block, pageCount),
		freeHeads:  make([]int32, maxOrder+1),
		freeCount:  make([]int, maxOrder+1),
		oomLimiter: rate.NewLimiter(rate.Every(oomLogInterval), 1),
	}
	for order := range alloc.freeHeads {
		alloc.freeHeads[order] = none
	}

	firstIndex := int(alloc.indexOf(start))
	for index := 0; index < firstIndex; index++ {
		alloc.blocks[index] = block{state: stateReserved, prev: none, next: none}
	}

	for index := firstIndex; index < pageCount; {
		order := maxOrder
		for ; order > 0; order-- {
			if index&(1<<uint(order)-1) == 0 && index+1<<uint(order) <= pageCount {
				break
			}
		}

		alloc.markTails(int32(index), order)
		alloc.blocks[index].order = int8(order)
		alloc.push(int32(index))
		index += 1 << uint(order)
	}
	alloc.totalPages = pageCount - firstIndex
	alloc.freePages = alloc.totalPages

	if alloc.junk {
		mem.Memset(start, junkFree, end-start)
	}

	klog.InfoS("physical allocator ready", "start", kfmt.Hex(start), "end", kfmt.Hex(end), "pages", alloc.totalPages, "maxOrder", maxOrder)
	return alloc, nil
}

// MaxOrder returns the order of the largest block the allocator can return.
func (alloc *BuddyAllocator) MaxOrder() int {
	return alloc.maxOrder
}

// Start returns the first physical address managed by the allocator.
func (alloc *BuddyAllocator) Start() uintptr { return alloc.start }

// End returns the first physical address past the managed range.
func (alloc *BuddyAllocator) End() uintptr { return alloc.end }

// Alloc reserves a block of exactly size bytes and returns its physical
// address. Size must be a power-of-two multiple of the page size no larger
// than the largest block; any other size is a caller bug and halts the
// kernel. Alloc returns ErrOutOfMemory when the request cannot be satisfied.
func (alloc *BuddyAllocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	order := alloc.orderForSize(size)

	alloc.lock.Acquire()
	found := order
	for ; found <= alloc.maxOrder && alloc.freeHeads[found] == none; found++ {
	}

	if found > alloc.maxOrder {
		alloc.failures++
		freePages := alloc.freePages
		alloc.lock.Release()

		if alloc.oomLimiter.Allow() {
			klog.InfoS("physical allocation failed", "order", order, "freePages", freePages)
		}
		return 0, ErrOutOfMemory
	}

	index := alloc.freeHeads[found]
	alloc.remove(index)

	// Keep the lower half and release the upper half at every step.
	for split := found; split > order; {
		split--
		buddy := index + 1<<uint(split)
		alloc.blocks[buddy].order = int8(split)
		alloc.push(buddy)
	}

	alloc.blocks[index].order = int8(order)
	alloc.blocks[index].state = stateAllocated
	alloc.freePages -= 1 << uint(order)
	alloc.allocs++
	alloc.lock.Release()

	pa := alloc.addressOf(index)
	if found != order && klog.V(4).Enabled() {
		klog.InfoS("split block", "addr", kfmt.Hex(pa), "from", found, "to", order)
	}
	if alloc.junk {
		alloc.mem.Memset(pa, junkAlloc, mm.PageSize<<uint(order))
	}

	return pa, nil
}

// Free returns a block previously obtained from Alloc to the pool and merges
// it with its buddies for as long as they are free. Freeing an address that
// does not correspond to the head of an allocated block halts the kernel.
func (alloc *BuddyAllocator) Free(pa uintptr) {
	if pa < alloc.start || pa >= alloc.end || pa&(mm.PageSize-1) != 0 {
		kfmt.Panic(ErrUnaligned)
	}
	index := alloc.indexOf(pa)

	alloc.lock.Acquire()
	desc := &alloc.blocks[index]
	switch desc.state {
	case stateAllocated:
	case stateFree, stateReleasing:
		alloc.lock.Release()
		kfmt.Panic(ErrDoubleFree)
	default:
		alloc.lock.Release()
		kfmt.Panic(ErrCorruptMetadata)
	}

	order := int(desc.order)
	if order > alloc.maxOrder || int(index)&(1<<uint(order)-1) != 0 {
		alloc.lock.Release()
		kfmt.Panic(ErrCorruptMetadata)
	}

	if alloc.junk {
		desc.state = stateReleasing
		alloc.lock.Release()
		alloc.mem.Memset(pa, junkFree, mm.PageSize<<uint(order))
		alloc.lock.Acquire()
	}

	alloc.freePages += 1 << uint(order)
	alloc.frees++

	merged := order
	for ; merged < alloc.maxOrder; merged++ {
		buddy := index ^ 1<<uint(merged)
		if int(buddy) >= len(alloc.blocks) {
			break
		}

		buddyDesc := &alloc.blocks[buddy]
		if buddyDesc.state != stateFree || int(buddyDesc.order) != merged {
			break
		}

		alloc.remove(buddy)
		lower, upper := index, buddy
		if buddy < index {
			lower, upper = buddy, index
		}
		alloc.blocks[upper] = block{state: stateTail, prev: none, next: none}
		index = lower
	}

	alloc.blocks[index].order = int8(merged)
	alloc.push(index)
	alloc.lock.Release()

	if merged != order && klog.V(4).Enabled() {
		klog.InfoS("merged block", "addr", kfmt.Hex(alloc.addressOf(index)), "from", order, "to", merged)
	}
}

// Kalloc allocates a single page.
func (alloc *BuddyAllocator) Kalloc() (uintptr, *kernel.Error) {
	return alloc.Alloc(mm.PageSize)
}

// Kfree releases a single page obtained from Kalloc.
func (alloc *BuddyAllocator) Kfree(pa uintptr) {
	alloc.Free(pa)
}

// BlockSize returns the size of the allocated block that starts at pa. The
// second result is false if pa is not the head of an allocated block.
func (alloc *BuddyAllocator) BlockSize(pa uintptr) (uintptr, bool) {
	if pa < alloc.start || pa >= alloc.end || pa&(mm.PageSize-1) != 0 {
		return 0, false
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	desc := alloc.blocks[alloc.indexOf(pa)]
	if desc.state != stateAllocated {
		return 0, false
	}
	return mm.PageSize << uint(desc.order), true
}

// orderForSize converts a request size into a block order.
func (alloc *BuddyAllocator) orderForSize(size uintptr) int {
	if size < mm.PageSize || size&(mm.PageSize-1) != 0 || !mm.IsPowerOfTwo(size>>mm.PageShift) {
		kfmt.Panic(ErrInvalidSize)
	}

	order := 0
	for pages := size >> mm.PageShift; pages > 1; pages >>= 1 {
		order++
	}
	if order > alloc.maxOrder {
		kfmt.Panic(ErrInvalidSize)
	}
	return order
}

func (alloc *BuddyAllocator) indexOf(pa uintptr) int32 {
	return int32((pa - alloc.origin) >> mm.PageShift)
}

func (alloc *BuddyAllocator) addressOf(index int32) uintptr {
	return alloc.origin + uintptr(index)<<mm.PageShift
}

// markTails flags every page after the head of an order-sized block as a
// tail page.
func (alloc *BuddyAllocator) markTails(index int32, order int) {
	for tail := index + 1; tail < index+1<<uint(order); tail++ {
		alloc.blocks[tail] = block{state: stateTail, prev: none, next: none}
	}
}

// push places the head at index on the free list matching its order. The
// caller must hold the lock.
func (alloc *BuddyAllocator) push(index int32) {
	desc := &alloc.blocks[index]
	order := desc.order

	desc.state = stateFree
	desc.prev = none
	desc.next = alloc.freeHeads[order]
	if desc.next != none {
		alloc.blocks[desc.next].prev = index
	}
	alloc.freeHeads[order] = index
	alloc.freeCount[order]++
}

// remove unlinks a free head from its list. The caller must hold the lock.
func (alloc *BuddyAllocator) remove(index int32) {
	desc := &alloc.blocks[index]
	order := desc.order

	if desc.prev != none {
		alloc.blocks[desc.prev].next = desc.next
	} else {
		alloc.freeHeads[order] = desc.next
	}
	if desc.next != none {
		alloc.blocks[desc.next].prev = desc.prev
	}

	desc.prev, desc.next = none, none
	desc.state = stateAllocated
	alloc.freeCount[order]--
}
