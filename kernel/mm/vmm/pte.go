package vmm

import (
	"fmt"

	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// PageTableEntry describes a page table entry. Entries encode a physical
// page number in bits 10-53 and a set of flags in bits 0-9.
type PageTableEntry uint64

// Valid returns true if the entry holds a translation or a table pointer.
func (pte PageTableEntry) Valid() bool {
	return pte.HasFlags(FlagValid)
}

// IsLeaf returns true if the entry terminates the translation. Leaves carry
// at least one of the read, write or execute permissions; table pointers
// carry none.
func (pte PageTableEntry) IsLeaf() bool {
	return pte.Valid() && pte.HasAnyFlag(permFlags)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uint64(*pte) &^ uint64(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint64(pte) & ptePhysPageMask) >> ptePhysShift)
}

// Address returns the physical address that this page table entry points to.
func (pte PageTableEntry) Address() uintptr {
	return pte.Frame().Address()
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (PageTableEntry)((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame)<<ptePhysShift)&ptePhysPageMask)
}

// newEntry builds an entry that points to pa with the given flags.
func newEntry(pa uintptr, flags PageTableEntryFlag) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(mm.FrameFromAddress(pa))
	pte.SetFlags(flags)
	return pte
}

// Level identifies a page table level. Level 0 holds 4K leaves; a leaf at a
// higher level is a superpage.
type Level uint8

const (
	// Level4K entries map 4KiB pages.
	Level4K Level = iota

	// Level2M entries map 2MiB megapages or point to a level 0 table.
	Level2M

	// Level1G entries map 1GiB gigapages or point to a level 1 table. This is
	// the root level.
	Level1G
)

// Size returns the number of bytes covered by one entry at this level.
func (l Level) Size() uintptr {
	return mm.PageSize << (pageLevelBits * uint(l))
}

// Order returns the buddy order of a block that backs one leaf at this level.
func (l Level) Order() int {
	return pageLevelBits * int(l)
}

func (l Level) String() string {
	switch l {
	case Level4K:
		return "4K"
	case Level2M:
		return "2M"
	case Level1G:
		return "1G"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// LevelForSize returns the largest level whose entry size does not exceed
// size. Sizes below a page map to Level4K.
func LevelForSize(size uintptr) Level {
	for level := Level1G; level > Level4K; level-- {
		if size >= level.Size() {
			return level
		}
	}
	return Level4K
}

// tableIndex returns the index of the entry that translates va at the given
// level.
func tableIndex(va uintptr, level Level) uintptr {
	return (va >> (mm.PageShift + pageLevelBits*uintptr(level))) & (entriesPerTable - 1)
}
