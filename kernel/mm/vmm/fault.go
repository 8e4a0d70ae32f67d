package vmm

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"

	"k8s.io/klog/v2"
)

var (
	// ErrFaultOutOfRange is returned when a fault hits an address at or
	// above the size of the address space.
	ErrFaultOutOfRange = &kernel.Error{Module: "vmm", Message: "fault address outside of the address space"}

	// ErrAlreadyMapped is returned when a fault hits a page that is already
	// backed, e.g. on a protection violation.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "fault on a mapped page"}
)

// Fault backs the page containing va with a zeroed page mapped readable,
// writable and user accessible. It is invoked for faults on lazily grown
// memory: va must lie below sz and its page must not be mapped. Fault
// returns the physical address of the new page. Its errors are not fatal to
// the kernel; the trap path kills the faulting process instead.
func (m *Mapper) Fault(pt PageTable, sz, va uintptr) (uintptr, *kernel.Error) {
	if va >= sz || va >= MaxVA {
		return 0, ErrFaultOutOfRange
	}

	page := mm.PageRoundDown(va)
	if m.IsMapped(pt, page) {
		return 0, ErrAlreadyMapped
	}

	pa, err := m.frames.Kalloc()
	if err != nil {
		return 0, err
	}
	m.mem.Memset(pa, 0, mm.PageSize)

	if err = m.Map(pt, page, mm.PageSize, pa, FlagRead|FlagWrite|FlagUser); err != nil {
		m.frames.Kfree(pa)
		return 0, err
	}

	if klog.V(4).Enabled() {
		klog.InfoS("demand fault", "pagetable", kfmt.Hex(pt), "va", kfmt.Hex(va), "pa", kfmt.Hex(pa))
	}
	return pa, nil
}
