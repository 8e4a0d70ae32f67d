package vmm

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"

	"k8s.io/klog/v2"
)

// Duplicate builds a new address space with the same translations as src.
// Every owned leaf is backed by a fresh block of the same size holding a
// copy of the original contents. Leaves marked FlagShared point to the same
// frame in both tables. If any allocation fails the partial copy is torn
// down and the error is returned.
func (m *Mapper) Duplicate(src PageTable) (PageTable, *kernel.Error) {
	dst, err := m.Create()
	if err != nil {
		return 0, err
	}

	if err = m.copyTable(uintptr(src), uintptr(dst), Level1G, 0, MaxVA, nil); err != nil {
		m.Teardown(dst, true)
		return 0, err
	}

	klog.V(2).InfoS("duplicated address space", "src", kfmt.Hex(src), "dst", kfmt.Hex(dst))
	return dst, nil
}

// Copy copies the translations of src that start below sz into the existing
// table dst, duplicating owned frames like Duplicate does. Translations of
// dst outside [0, sz) are untouched. On failure only the leaves copied by
// this call are removed from dst and released, together with the table pages
// it added, so dst is left as it was.
func (m *Mapper) Copy(src, dst PageTable, sz uintptr) *kernel.Error {
	if sz > MaxVA {
		kfmt.Panic(ErrBadAddress)
	}

	var installed []installedLeaf
	if err := m.copyTable(uintptr(src), uintptr(dst), Level1G, 0, sz, &installed); err != nil {
		for _, leaf := range installed {
			m.Unmap(dst, leaf.va, leaf.level.Size(), true)
		}
		m.prune(dst, 0, m.copyExtent(src, sz))
		klog.V(2).InfoS("copy failed", "src", kfmt.Hex(src), "dst", kfmt.Hex(dst), "size", kfmt.Hex(sz), "err", err)
		return err
	}
	return nil
}

// copyExtent returns the end of the last leaf of src that starts below sz.
func (m *Mapper) copyExtent(src PageTable, sz uintptr) uintptr {
	if sz == 0 {
		return 0
	}

	entryAddr, level, err := m.walk(src, sz-1, false, Level4K)
	if err != nil || !m.entryAt(entryAddr).Valid() {
		return (sz + level.Size() - 1) &^ (level.Size() - 1)
	}
	return ((sz - 1) &^ (level.Size() - 1)) + level.Size()
}

// copyTable copies the entries of srcTable that translate addresses below
// limit into dstTable. Both tables sit at the given level and translate
// addresses starting at baseVA. When installed is not nil every leaf written
// to dstTable is appended to it.
func (m *Mapper) copyTable(srcTable, dstTable uintptr, level Level, baseVA, limit uintptr, installed *[]installedLeaf) *kernel.Error {
	var err *kernel.Error

	m.visitTable(srcTable, level, baseVA, func(va uintptr, pte *PageTableEntry) bool {
		if va >= limit {
			return false
		}

		dstEntry := m.entryAt(dstTable + tableIndex(va, level)*entrySize)

		if pte.IsLeaf() {
			if dstEntry.Valid() {
				kfmt.Panic(ErrRemap)
			}
			if pte.HasFlags(FlagShared) {
				*dstEntry = *pte
			} else {
				var pa uintptr
				if pa, err = m.frames.Alloc(level.Size()); err != nil {
					return false
				}
				m.mem.Memcopy(pte.Address(), pa, level.Size())
				*dstEntry = newEntry(pa, pte.Flags())
			}
			if installed != nil {
				*installed = append(*installed, installedLeaf{va: va, level: level})
			}
			return true
		}

		if level == Level4K {
			kfmt.Panic(ErrCorruptTable)
		}

		switch {
		case dstEntry.IsLeaf():
			kfmt.Panic(ErrRemap)
		case !dstEntry.Valid():
			var table uintptr
			if table, err = m.newTable(); err != nil {
				return false
			}
			*dstEntry = newEntry(table, FlagValid)
		}

		err = m.copyTable(pte.Address(), dstEntry.Address(), level-1, va, limit, installed)
		return err == nil
	})

	return err
}

// Teardown releases every table page of pt, the root included. When
// releaseLeaves is set the frames of all leaves not marked FlagShared are
// released too; otherwise the frames are assumed to be owned elsewhere.
func (m *Mapper) Teardown(pt PageTable, releaseLeaves bool) {
	m.freeTable(uintptr(pt), Level1G, releaseLeaves)
	klog.V(2).InfoS("tore down address space", "pagetable", kfmt.Hex(pt), "releaseLeaves", releaseLeaves)
}

func (m *Mapper) freeTable(table uintptr, level Level, releaseLeaves bool) {
	m.visitTable(table, level, 0, func(_ uintptr, pte *PageTableEntry) bool {
		switch {
		case pte.IsLeaf():
			m.clearLeaf(pte, releaseLeaves)
		case level == Level4K:
			kfmt.Panic(ErrCorruptTable)
		default:
			m.freeTable(pte.Address(), level-1, releaseLeaves)
			*pte = 0
		}
		return true
	})
	m.frames.Kfree(table)
}
