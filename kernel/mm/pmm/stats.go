package pmm

import (
	"sort"

	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Stats is a point-in-time snapshot of allocator counters.
type Stats struct {
	// TotalPages is the number of pages handed to the allocator at boot.
	TotalPages int
	// FreePages is the number of pages currently sitting on free lists.
	FreePages int
	// FreeBlocks holds the length of the free list for each order.
	FreeBlocks []int

	Allocs   uint64
	Frees    uint64
	Failures uint64
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BuddyAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalPages: alloc.totalPages,
		FreePages:  alloc.freePages,
		FreeBlocks: append([]int(nil), alloc.freeCount...),
		Allocs:     alloc.allocs,
		Frees:      alloc.frees,
		Failures:   alloc.failures,
	}
}

// FreeLists returns the physical address of every free block keyed by order,
// in ascending address order. Orders with an empty free list are omitted.
func (alloc *BuddyAllocator) FreeLists() map[int][]uintptr {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	lists := make(map[int][]uintptr)
	for order, head := range alloc.freeHeads {
		for index := head; index != none; index = alloc.blocks[index].next {
			lists[order] = append(lists[order], alloc.addressOf(index))
		}
	}
	for _, list := range lists {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	}
	return lists
}

// CheckInvariants audits the descriptor table and the free lists. Every
// violation found is reported; a nil result means the allocator state is
// consistent.
func (alloc *BuddyAllocator) CheckInvariants() error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var (
		result  *multierror.Error
		onList  = make(map[int32]bool)
		counted int
	)

	for order, head := range alloc.freeHeads {
		length := 0
		prev := none
		for index := head; index != none; index = alloc.blocks[index].next {
			desc := alloc.blocks[index]
			switch {
			case onList[index]:
				result = multierror.Append(result, errors.Errorf("block 0x%x appears on more than one free list", alloc.addressOf(index)))
			case desc.state != stateFree:
				result = multierror.Append(result, errors.Errorf("block 0x%x on order %d list is not free", alloc.addressOf(index), order))
			case int(desc.order) != order:
				result = multierror.Append(result, errors.Errorf("block 0x%x has order %d but sits on order %d list", alloc.addressOf(index), desc.order, order))
			case int(index)&(1<<uint(order)-1) != 0:
				result = multierror.Append(result, errors.Errorf("block 0x%x is not aligned to order %d", alloc.addressOf(index), order))
			case desc.prev != prev:
				result = multierror.Append(result, errors.Errorf("block 0x%x has a broken back link", alloc.addressOf(index)))
			}

			if onList[index] {
				break
			}
			onList[index] = true
			prev = index
			length++
			counted += 1 << uint(order)
		}

		if length != alloc.freeCount[order] {
			result = multierror.Append(result, errors.Errorf("order %d list holds %d blocks; counter says %d", order, length, alloc.freeCount[order]))
		}
	}

	if counted != alloc.freePages {
		result = multierror.Append(result, errors.Errorf("free lists hold %d pages; counter says %d", counted, alloc.freePages))
	}

	// Every page must be reserved or belong to exactly one block.
	var free, used, reserved int
	for index := 0; index < len(alloc.blocks); {
		desc := alloc.blocks[index]
		switch desc.state {
		case stateReserved:
			reserved++
			index++
			continue
		case stateTail:
			result = multierror.Append(result, errors.Errorf("tail page 0x%x has no head", alloc.addressOf(int32(index))))
			index++
			continue
		case stateFree:
			if !onList[int32(index)] {
				result = multierror.Append(result, errors.Errorf("free block 0x%x is not on any list", alloc.addressOf(int32(index))))
			}
			free += 1 << uint(desc.order)
		default:
			used += 1 << uint(desc.order)
		}

		size := 1 << uint(desc.order)
		if index+size > len(alloc.blocks) {
			result = multierror.Append(result, errors.Errorf("block 0x%x of order %d overruns the zone", alloc.addressOf(int32(index)), desc.order))
			break
		}
		for tail := index + 1; tail < index+size; tail++ {
			if alloc.blocks[tail].state != stateTail {
				result = multierror.Append(result, errors.Errorf("page 0x%x inside block 0x%x is not a tail", alloc.addressOf(int32(tail)), alloc.addressOf(int32(index))))
			}
		}
		index += size
	}

	if free+used+reserved != len(alloc.blocks) {
		result = multierror.Append(result, errors.Errorf("free (%d) + allocated (%d) + reserved (%d) pages != zone size (%d)", free, used, reserved, len(alloc.blocks)))
	}
	if free != alloc.freePages || free+used != alloc.totalPages {
		result = multierror.Append(result, errors.Errorf("page accounting mismatch: free %d, allocated %d, total %d", free, used, alloc.totalPages))
	}

	return result.ErrorOrNil()
}

// BlockBytes returns the size in bytes of a block of the given order.
func BlockBytes(order int) uintptr {
	return mm.PageSize << uint(order)
}
