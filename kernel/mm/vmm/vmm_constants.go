package vmm

import "github.com/KKKevin-aaa/xv6-labs/kernel/mm"

const (
	// pageLevels is the number of page table levels of the Sv39 scheme.
	pageLevels = 3

	// pageLevelBits is the number of virtual address bits consumed by
	// each level. Every table page holds 1<<pageLevelBits entries.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in a single table page.
	entriesPerTable = 1 << pageLevelBits

	// entrySize is the size in bytes of a page table entry.
	entrySize = uintptr(1 << mm.PointerShift)

	// ptePhysShift is the bit position of the physical page number within
	// an entry.
	ptePhysShift = 10

	// ptePhysPageMask selects the 44-bit physical page number of an entry.
	ptePhysPageMask = uint64(((1 << 44) - 1) << ptePhysShift)

	// pteFlagMask selects the architectural and software flag bits.
	pteFlagMask = uint64(1<<ptePhysShift - 1)

	// MaxVA is one beyond the highest virtual address that can be mapped.
	// Sv39 allows 39 bits but the top bit is left clear so addresses never
	// need sign extension.
	MaxVA = uintptr(1) << (mm.PageShift + pageLevels*pageLevelBits - 1)

	// Trampoline is the virtual address of the trap entry page. It is mapped
	// at the top of every address space, kernel and user alike.
	Trampoline = MaxVA - mm.PageSize

	// Trapframe is the virtual address of a process's trap frame page,
	// just below the trampoline.
	Trapframe = Trampoline - mm.PageSize
)

// KernelStack returns the virtual address of the kernel stack for the
// process slot with the given index. Each stack is followed (downwards) by an
// unmapped guard page.
func KernelStack(slot int) uintptr {
	return Trampoline - uintptr(slot+1)*2*mm.PageSize
}

const (
	// FlagValid is set when the entry holds a translation or points to a
	// lower-level table.
	FlagValid PageTableEntryFlag = 1 << iota

	// FlagRead is set if the page can be read.
	FlagRead

	// FlagWrite is set if the page can be written to.
	FlagWrite

	// FlagExec is set if the page can be executed.
	FlagExec

	// FlagUser is set if user-mode code can access the page.
	FlagUser

	// FlagGlobal marks a mapping that exists in every address space.
	FlagGlobal

	// FlagAccessed is set by the MMU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when the page is modified.
	FlagDirty

	// FlagShared is the first software-reserved bit. It marks a leaf whose
	// frame is owned elsewhere: teardown and unmapping never release it and
	// duplication installs it as-is instead of copying it.
	FlagShared

	// FlagSoftware1 is the second software-reserved bit. It is left for
	// callers.
	FlagSoftware1
)

// permFlags are the flags that turn a valid entry into a leaf.
const permFlags = FlagRead | FlagWrite | FlagExec
