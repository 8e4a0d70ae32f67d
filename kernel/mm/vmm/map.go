package vmm

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
)

var (
	// ErrRemap is raised when a mapping would overwrite a valid entry.
	ErrRemap = &kernel.Error{Module: "vmm", Message: "remap of a valid entry"}

	// ErrUnaligned is raised when a size or address does not match the
	// granularity of a mapping request.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "address or size not aligned to the mapping granularity"}

	// ErrNoPermissions is raised when a leaf would be installed without any
	// of the read, write or execute permissions.
	ErrNoPermissions = &kernel.Error{Module: "vmm", Message: "leaf mapping without permissions"}

	// ErrSuperpageSplit is raised when an unmap request covers part of a
	// superpage or expects a leaf where a table pointer exists.
	ErrSuperpageSplit = &kernel.Error{Module: "vmm", Message: "unmap granularity does not match the installed leaf"}
)

// Map installs translations for [va, va+size) to [pa, pa+size) with the
// given permissions. The granularity is the largest page size that does not
// exceed size; size must be a multiple of it and both va and pa must be
// aligned to it.
//
// Map never overwrites a valid entry. If a table page cannot be allocated,
// the entries installed by this call are removed and ErrOutOfMemory is
// returned.
func (m *Mapper) Map(pt PageTable, va, size, pa uintptr, perm PageTableEntryFlag) *kernel.Error {
	level := LevelForSize(size)
	granularity := level.Size()
	if size == 0 || size&(granularity-1) != 0 || va&(granularity-1) != 0 || pa&(granularity-1) != 0 || va+size > MaxVA || va+size < va {
		kfmt.Panic(ErrUnaligned)
	}
	if perm&permFlags == 0 {
		kfmt.Panic(ErrNoPermissions)
	}

	var entryAddr uintptr
	for offset := uintptr(0); offset < size; offset += granularity {
		cur := va + offset

		// Entries of the same table are contiguous; only walk again when
		// crossing into the next table page.
		if offset == 0 || tableIndex(cur, level) == 0 {
			var err *kernel.Error
			if entryAddr, _, err = m.walk(pt, cur, true, level); err != nil {
				m.UnmapRange(pt, va, offset, false)
				m.prune(pt, cur, cur+granularity)
				return err
			}
		} else {
			entryAddr += entrySize
		}

		pte := m.entryAt(entryAddr)
		if pte.Valid() {
			kfmt.Panic(ErrRemap)
		}
		*pte = newEntry(pa+offset, perm|FlagValid)
	}

	return nil
}

// Unmap removes the translations for [va, va+size) installed by a Map call
// with the same granularity. Invalid leaves are skipped. A missing table is
// a caller bug and halts the kernel, as does a leaf whose level differs from
// the granularity. When free is set, the frames of the removed leaves are
// released unless they are marked FlagShared. Table pages left empty are
// released as well.
func (m *Mapper) Unmap(pt PageTable, va, size uintptr, free bool) {
	level := LevelForSize(size)
	granularity := level.Size()
	if size == 0 || size&(granularity-1) != 0 || va&(granularity-1) != 0 || va+size > MaxVA || va+size < va {
		kfmt.Panic(ErrUnaligned)
	}

	for cur := va; cur < va+size; cur += granularity {
		entryAddr, found, err := m.walk(pt, cur, false, level)
		if err != nil {
			kfmt.Panic(ErrNotMapped)
		}

		pte := m.entryAt(entryAddr)
		if !pte.Valid() {
			continue
		}
		if found != level || !pte.IsLeaf() {
			kfmt.Panic(ErrSuperpageSplit)
		}
		m.clearLeaf(pte, free)
	}

	m.prune(pt, va, va+size)
}

// MapRange maps an arbitrary page-aligned range by splitting it into the
// largest chunks allowed by the joint alignment of the virtual and physical
// cursors and by the remaining size. On failure every chunk installed by
// this call is removed.
func (m *Mapper) MapRange(pt PageTable, va, size, pa uintptr, perm PageTableEntryFlag) *kernel.Error {
	if size == 0 || (va|size|pa)&(mm.PageSize-1) != 0 {
		kfmt.Panic(ErrUnaligned)
	}

	for done := uintptr(0); done < size; {
		span, _ := rangeChunk(va+done, pa+done, size-done)
		if err := m.Map(pt, va+done, span, pa+done, perm); err != nil {
			if done != 0 {
				m.UnmapRange(pt, va, done, false)
			}
			return err
		}
		done += span
	}

	return nil
}

// rangeChunk returns the longest run of equally sized pages that can be
// mapped at the cursor, stopping at the next boundary where a larger page
// size could take over. The span is always shorter than the next larger page
// size so that Map picks the returned level for it.
func rangeChunk(va, pa, remaining uintptr) (uintptr, Level) {
	level := Level1G
	for ; level > Level4K; level-- {
		if (va|pa)&(level.Size()-1) == 0 && remaining >= level.Size() {
			break
		}
	}

	span := remaining
	if level < Level1G {
		next := (level + 1).Size()
		if boundary := (va + next) &^ (next - 1); boundary-va < span {
			span = boundary - va
		}
		// va sits on a larger boundary that pa does not share.
		if span >= next {
			span = next - level.Size()
		}
	}
	return span &^ (level.Size() - 1), level
}

// UnmapRange removes every leaf inside [va, va+size) whatever its level.
// Holes are skipped. A superpage that extends past either end of the range
// halts the kernel.
func (m *Mapper) UnmapRange(pt PageTable, va, size uintptr, free bool) {
	end := va + size
	if (va|size)&(mm.PageSize-1) != 0 || end > MaxVA || end < va {
		kfmt.Panic(ErrUnaligned)
	}

	for cur := va; cur < end; {
		entryAddr, level, err := m.walk(pt, cur, false, Level4K)
		if err != nil {
			cur = (cur + level.Size()) &^ (level.Size() - 1)
			continue
		}

		pte := m.entryAt(entryAddr)
		if pte.Valid() {
			if cur&(level.Size()-1) != 0 || cur+level.Size() > end {
				kfmt.Panic(ErrSuperpageSplit)
			}
			m.clearLeaf(pte, free)
		}
		cur += level.Size()
	}

	m.prune(pt, va, end)
}

// clearLeaf invalidates a leaf, releasing its frame when free is set and the
// frame is owned by this table.
func (m *Mapper) clearLeaf(pte *PageTableEntry, free bool) {
	if free && !pte.HasFlags(FlagShared) {
		m.frames.Free(pte.Address())
	}
	*pte = 0
}

// prune releases the table pages under [start, end) that no longer hold any
// valid entry. The root is never released.
func (m *Mapper) prune(pt PageTable, start, end uintptr) {
	if start >= end {
		return
	}
	m.pruneTable(uintptr(pt), Level1G, 0, start, end)
}

// pruneTable returns true if the table holds no valid entries after pruning.
func (m *Mapper) pruneTable(table uintptr, level Level, baseVA, start, end uintptr) bool {
	empty := true
	for index := uintptr(0); index < entriesPerTable; index++ {
		pte := m.entryAt(table + index*entrySize)
		if !pte.Valid() {
			continue
		}

		entryVA := baseVA + index*level.Size()
		if pte.IsLeaf() || level == Level4K || entryVA >= end || entryVA+level.Size() <= start {
			empty = false
			continue
		}

		if m.pruneTable(pte.Address(), level-1, entryVA, start, end) {
			m.frames.Kfree(pte.Address())
			*pte = 0
			continue
		}
		empty = false
	}
	return empty
}
