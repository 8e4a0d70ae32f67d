// Package boot brings up the simulated machine. It reserves RAM, hands the
// memory past the kernel image to the page allocator and builds the kernel
// address space.
package boot

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/phys"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/pmm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/vmm"

	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Machine holds the memory subsystems of a booted kernel.
type Machine struct {
	Config *Config

	// Mem is the machine's RAM.
	Mem *phys.Memory

	// Frames allocates physical memory in [Config.Kernel.End, PHYSTOP).
	Frames *pmm.BuddyAllocator

	// VM manipulates every page table of the machine.
	VM *vmm.Mapper

	// KernelPageTable is the kernel's address space.
	KernelPageTable vmm.PageTable

	// KernelStacks holds the physical page backing each kernel stack slot.
	KernelStacks []uintptr
}

// region is a range mapped into the kernel address space.
type region struct {
	name   string
	va, pa uintptr
	size   uintptr
	perm   Perm
}

// Boot validates cfg, reserves RAM, starts the page allocator and builds the
// kernel page table. Running out of memory while building the kernel page
// table halts the kernel.
func Boot(cfg *Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "boot: invalid config")
	}

	mem, err := phys.New(uintptr(cfg.Memory.Base), uintptr(cfg.Memory.Size))
	if err != nil {
		return nil, errors.Wrap(err, "boot: failed to reserve RAM")
	}

	frames, err := pmm.New(mem, uintptr(cfg.Kernel.End), cfg.PhysTop(), pmm.Options{
		MaxOrder: cfg.Memory.MaxOrder,
		Junk:     cfg.Memory.Junk,
	})
	if err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "boot: failed to start the page allocator")
	}

	m := &Machine{
		Config: cfg,
		Mem:    mem,
		Frames: frames,
		VM:     vmm.NewMapper(frames, mem),
	}
	m.KernelPageTable = m.kvmMake()
	m.mapStacks()

	klog.InfoS("kernel address space ready",
		"pagetable", kfmt.Hex(m.KernelPageTable),
		"ram", units.BytesSize(float64(cfg.Memory.Size)),
		"free", units.BytesSize(float64(frames.Stats().FreePages)*float64(mm.PageSize)))
	return m, nil
}

// regions lists what the kernel address space maps: the devices, the kernel
// text, the kernel data together with the rest of RAM and the trampoline at
// the top of the address space.
func (m *Machine) regions() []region {
	var (
		cfg     = m.Config
		base    = uintptr(cfg.Memory.Base)
		textEnd = uintptr(cfg.Kernel.TextEnd)
		out     = make([]region, 0, len(cfg.Devices)+3)
	)

	for _, dev := range cfg.Devices {
		out = append(out, region{name: dev.Name, va: uintptr(dev.Address), pa: uintptr(dev.Address), size: uintptr(dev.Size), perm: dev.Perm})
	}
	return append(out,
		region{name: "kernel text", va: base, pa: base, size: textEnd - base, perm: "rx"},
		region{name: "kernel data", va: textEnd, pa: textEnd, size: cfg.PhysTop() - textEnd, perm: "rw"},
		region{name: "trampoline", va: vmm.Trampoline, pa: uintptr(cfg.Kernel.Trampoline), size: mm.PageSize, perm: "rx"},
	)
}

// kvmMake builds the kernel page table.
func (m *Machine) kvmMake() vmm.PageTable {
	pt, err := m.VM.Create()
	if err != nil {
		kfmt.Panic(err)
	}

	for _, r := range m.regions() {
		m.kvmMap(pt, r)
	}
	return pt
}

// kvmMap adds a region to the kernel page table. It only runs during boot
// and halts the kernel on failure.
func (m *Machine) kvmMap(pt vmm.PageTable, r region) {
	perm, permErr := r.perm.Flags()
	if permErr != nil {
		kfmt.Panic(permErr)
	}
	if err := m.VM.MapRange(pt, r.va, r.size, r.pa, perm); err != nil {
		kfmt.Panic(err)
	}

	klog.InfoS("mapped kernel region", "name", r.name, "va", kfmt.Hex(r.va), "pa", kfmt.Hex(r.pa),
		"size", units.BytesSize(float64(r.size)), "perm", r.perm)
}

// mapStacks allocates a page for each kernel stack and maps it high in the
// kernel address space, below the trampoline. The page under each stack is
// left unmapped as a guard.
func (m *Machine) mapStacks() {
	m.KernelStacks = make([]uintptr, m.Config.Kernel.Stacks)
	for slot := range m.KernelStacks {
		pa, err := m.Frames.Kalloc()
		if err != nil {
			kfmt.Panic(err)
		}
		if err = m.VM.Map(m.KernelPageTable, vmm.KernelStack(slot), mm.PageSize, pa, vmm.FlagRead|vmm.FlagWrite); err != nil {
			kfmt.Panic(err)
		}
		m.KernelStacks[slot] = pa
	}

	klog.V(2).InfoS("mapped kernel stacks", "count", len(m.KernelStacks), "lowest", kfmt.Hex(vmm.KernelStack(len(m.KernelStacks)-1)))
}

// Shutdown tears down the kernel address space, releases the kernel stacks
// and returns RAM to the host. It reports allocator inconsistencies found on
// the way out.
func (m *Machine) Shutdown() error {
	var result *multierror.Error

	m.VM.Teardown(m.KernelPageTable, false)
	for _, pa := range m.KernelStacks {
		m.Frames.Kfree(pa)
	}
	m.KernelStacks = nil

	if err := m.Frames.CheckInvariants(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "allocator state"))
	}
	if err := m.Mem.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "failed to release RAM"))
	}
	return result.ErrorOrNil()
}
