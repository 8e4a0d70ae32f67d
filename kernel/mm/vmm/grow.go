package vmm

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"

	"k8s.io/klog/v2"
)

// installedLeaf records a leaf installed by Grow or Copy so it can be rolled
// back.
type installedLeaf struct {
	va    uintptr
	level Level
}

// Grow backs the address range [oldSz, newSz) with zeroed memory mapped
// readable and user accessible, plus xperm. Each step allocates the largest
// page that fits the remaining size, is naturally aligned at the cursor and
// can be served by the allocator. Pages already covered by a leaf are left
// alone.
//
// On failure every page installed by this call is unmapped and released so
// the address space is exactly as it was; the old size is returned together
// with the error. Grow returns oldSz if newSz is smaller and fails with
// ErrBadAddress if newSz lies beyond MaxVA.
func (m *Mapper) Grow(pt PageTable, oldSz, newSz uintptr, xperm PageTableEntryFlag) (uintptr, *kernel.Error) {
	if newSz < oldSz {
		return oldSz, nil
	}
	if newSz > MaxVA {
		return oldSz, ErrBadAddress
	}

	var (
		installed []installedLeaf
		end       = mm.PageRoundUp(newSz)
		perm      = FlagRead | FlagUser | xperm
	)

	for cur := mm.PageRoundUp(oldSz); cur < end; {
		if entryAddr, level, err := m.walk(pt, cur, false, Level4K); err == nil {
			if pte := m.entryAt(entryAddr); pte.Valid() {
				cur = (cur &^ (level.Size() - 1)) + level.Size()
				continue
			}
		}

		level := m.growLevel(cur, end-cur)
		pa, err := m.frames.Alloc(level.Size())
		if err == nil {
			m.mem.Memset(pa, 0, level.Size())
			if err = m.Map(pt, cur, level.Size(), pa, perm); err != nil {
				m.frames.Free(pa)
			}
		}

		if err != nil {
			for _, chunk := range installed {
				m.Unmap(pt, chunk.va, chunk.level.Size(), true)
			}
			klog.V(2).InfoS("grow failed", "pagetable", kfmt.Hex(pt), "oldSize", kfmt.Hex(oldSz), "newSize", kfmt.Hex(newSz), "err", err)
			return oldSz, err
		}

		installed = append(installed, installedLeaf{va: cur, level: level})
		cur += level.Size()
	}

	klog.V(2).InfoS("grew address space", "pagetable", kfmt.Hex(pt), "oldSize", kfmt.Hex(oldSz), "newSize", kfmt.Hex(newSz), "chunks", len(installed))
	return newSz, nil
}

// growLevel returns the largest page level that fits remaining bytes, is
// aligned at va and whose backing block the allocator can provide.
func (m *Mapper) growLevel(va, remaining uintptr) Level {
	for level := Level1G; level > Level4K; level-- {
		if level.Size() <= remaining && va&(level.Size()-1) == 0 && level.Order() <= m.frames.MaxOrder() {
			return level
		}
	}
	return Level4K
}

// Shrink releases the pages that lie entirely inside [newSz, oldSz) after
// rounding both sizes up to a page boundary. Unbacked pages are skipped and a
// superpage that straddles newSz stays mapped. Shrink returns newSz, or
// oldSz if newSz is not smaller.
func (m *Mapper) Shrink(pt PageTable, oldSz, newSz uintptr) uintptr {
	if newSz >= oldSz {
		return oldSz
	}

	var (
		start    = mm.PageRoundUp(newSz)
		end      = mm.PageRoundUp(oldSz)
		released int
	)

	for cur := end; cur > start; {
		probe := cur - mm.PageSize
		entryAddr, level, err := m.walk(pt, probe, false, Level4K)
		base := probe &^ (level.Size() - 1)
		if err == nil {
			if pte := m.entryAt(entryAddr); pte.Valid() && base >= start {
				m.clearLeaf(pte, true)
				released++
			}
		}
		cur = base
	}
	m.prune(pt, start, end)

	klog.V(2).InfoS("shrank address space", "pagetable", kfmt.Hex(pt), "oldSize", kfmt.Hex(oldSz), "newSize", kfmt.Hex(newSz), "released", released)
	return newSz
}
