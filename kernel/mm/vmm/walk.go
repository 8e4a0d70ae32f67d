// Package vmm manages Sv39 page tables: three-level radix trees whose leaves
// may sit at any level, mapping 4KiB pages, 2MiB megapages or 1GiB
// gigapages. Page table pages and the frames they map are obtained from a
// FrameAllocator and live in simulated physical memory.
//
// Page table mutation is not synchronized here. Callers must ensure that a
// given table is modified by at most one goroutine at a time.
package vmm

import (
	"unsafe"

	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/phys"
)

var (
	// ErrNotMapped is returned when a translation does not exist.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrBadAddress is raised when a virtual address lies at or beyond MaxVA.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "virtual address out of range"}

	// ErrCorruptTable is raised when a table pointer is found at the leaf
	// level.
	ErrCorruptTable = &kernel.Error{Module: "vmm", Message: "page table pointer at leaf level"}
)

// FrameAllocator supplies the physical memory used for page table pages and
// for the frames that back user mappings.
type FrameAllocator interface {
	// Alloc returns a naturally aligned block of size bytes.
	Alloc(size uintptr) (uintptr, *kernel.Error)

	// Free releases a block obtained from Alloc.
	Free(pa uintptr)

	// Kalloc returns a single page.
	Kalloc() (uintptr, *kernel.Error)

	// Kfree releases a page obtained from Kalloc.
	Kfree(pa uintptr)

	// MaxOrder returns the order of the largest block Alloc can return.
	MaxOrder() int
}

// PageTable is the physical address of the root table page of an address
// space.
type PageTable uintptr

// Mapper installs and removes translations in page tables.
type Mapper struct {
	frames FrameAllocator
	mem    *phys.Memory
}

// NewMapper returns a Mapper that allocates from frames and accesses table
// pages through mem.
func NewMapper(frames FrameAllocator, mem *phys.Memory) *Mapper {
	return &Mapper{frames: frames, mem: mem}
}

// Create allocates an empty root table.
func (m *Mapper) Create() (PageTable, *kernel.Error) {
	root, err := m.newTable()
	if err != nil {
		return 0, err
	}
	return PageTable(root), nil
}

// Walk returns the entry that translates va at the target level. Missing
// intermediate tables are allocated when create is set; otherwise Walk fails
// with ErrNotMapped. A leaf found above target ends the walk early since no
// finer mapping can exist beneath a superpage. The returned level is the
// level of the returned entry.
func (m *Mapper) Walk(pt PageTable, va uintptr, create bool, target Level) (*PageTableEntry, Level, *kernel.Error) {
	entryAddr, level, err := m.walk(pt, va, create, target)
	if err != nil {
		return nil, level, err
	}
	return m.entryAt(entryAddr), level, nil
}

// walk works like Walk but returns the physical address of the entry. When
// a table is missing, the returned level is the level of the invalid entry.
func (m *Mapper) walk(pt PageTable, va uintptr, create bool, target Level) (uintptr, Level, *kernel.Error) {
	if va >= MaxVA {
		kfmt.Panic(ErrBadAddress)
	}

	table := uintptr(pt)
	for level := Level1G; level > target; level-- {
		entryAddr := table + tableIndex(va, level)*entrySize
		pte := m.entryAt(entryAddr)

		switch {
		case pte.IsLeaf():
			return entryAddr, level, nil
		case pte.Valid():
			table = pte.Address()
			continue
		case !create:
			return 0, level, ErrNotMapped
		}

		next, err := m.newTable()
		if err != nil {
			return 0, level, err
		}
		*pte = newEntry(next, FlagValid)
		table = next
	}

	return table + tableIndex(va, target)*entrySize, target, nil
}

// newTable allocates and clears a table page.
func (m *Mapper) newTable() (uintptr, *kernel.Error) {
	table, err := m.frames.Kalloc()
	if err != nil {
		return 0, err
	}
	m.mem.Memset(table, 0, mm.PageSize)
	return table, nil
}

// entryAt returns a pointer to the entry stored at physical address addr.
func (m *Mapper) entryAt(addr uintptr) *PageTableEntry {
	return (*PageTableEntry)(unsafe.Pointer(m.mem.Uint64At(addr)))
}

// visitTable invokes visitor for every valid entry of the table at the given
// level. baseVA is the first virtual address translated by the table.
// Visiting stops when visitor returns false.
func (m *Mapper) visitTable(table uintptr, level Level, baseVA uintptr, visitor func(va uintptr, pte *PageTableEntry) bool) bool {
	for index := uintptr(0); index < entriesPerTable; index++ {
		pte := m.entryAt(table + index*entrySize)
		if !pte.Valid() {
			continue
		}
		if !visitor(baseVA+index*level.Size(), pte) {
			return false
		}
	}
	return true
}
