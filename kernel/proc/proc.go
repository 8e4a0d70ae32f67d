// Package proc manages the memory of user processes: their address space,
// their heap size and their trap frame. Each Proc must be driven by a single
// goroutine at a time; different processes may run concurrently.
package proc

import (
	"sync/atomic"

	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/phys"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/vmm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/sync"

	"k8s.io/klog/v2"
)

var (
	// ErrNoSlot is returned when every process slot is in use.
	ErrNoSlot = &kernel.Error{Module: "proc", Message: "process table is full"}

	// ErrBadSize is returned when a heap resize would wrap around, shrink
	// below zero or reach the trap frame.
	ErrBadSize = &kernel.Error{Module: "proc", Message: "process size out of range"}
)

// Table allocates process IDs and kernel stack slots.
type Table struct {
	vm     *vmm.Mapper
	frames vmm.FrameAllocator
	mem    *phys.Memory

	// trampoline is the physical page mapped at vmm.Trampoline in every
	// user address space.
	trampoline uintptr

	lock    sync.Spinlock
	nextPID int
	slots   []*Proc
}

// NewTable returns a table with the given number of process slots. Address
// spaces are built with vm, trap frames are allocated from frames and
// accessed through mem.
func NewTable(vm *vmm.Mapper, frames vmm.FrameAllocator, mem *phys.Memory, trampoline uintptr, slots int) *Table {
	return &Table{
		vm:         vm,
		frames:     frames,
		mem:        mem,
		trampoline: trampoline,
		nextPID:    1,
		slots:      make([]*Proc, slots),
	}
}

// Proc is the memory state of a user process.
type Proc struct {
	PID int

	// Slot is the index of the process's kernel stack.
	Slot int

	PageTable vmm.PageTable

	// Size is the size of the process's memory in bytes. Memory in
	// [0, Size) may be lazily backed.
	Size uintptr

	// Trapframe is the physical address of the page mapped at
	// vmm.Trapframe.
	Trapframe uintptr

	killed uint32
	table  *Table
}

// New creates a process with an empty user address space. The trampoline
// page is mapped at the top of it and a zeroed trap frame page below that.
func (t *Table) New() (*Proc, error) {
	p, err := t.reserve()
	if err != nil {
		return nil, err
	}

	if err = p.buildPageTable(); err != nil {
		t.release(p)
		return nil, err
	}

	klog.V(2).InfoS("created process", "pid", p.PID, "slot", p.Slot, "pagetable", kfmt.Hex(p.PageTable))
	return p, nil
}

func (t *Table) reserve() (*Proc, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	for slot, cur := range t.slots {
		if cur != nil {
			continue
		}
		p := &Proc{PID: t.nextPID, Slot: slot, table: t}
		t.nextPID++
		t.slots[slot] = p
		return p, nil
	}
	return nil, ErrNoSlot
}

func (t *Table) release(p *Proc) {
	t.lock.Acquire()
	if t.slots[p.Slot] == p {
		t.slots[p.Slot] = nil
	}
	t.lock.Release()
}

// Lookup returns the live process with the given PID.
func (t *Table) Lookup(pid int) (*Proc, bool) {
	t.lock.Acquire()
	defer t.lock.Release()

	for _, p := range t.slots {
		if p != nil && p.PID == pid {
			return p, true
		}
	}
	return nil, false
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()

	var n int
	for _, p := range t.slots {
		if p != nil {
			n++
		}
	}
	return n
}

func (p *Proc) buildPageTable() *kernel.Error {
	vm := p.table.vm

	pt, err := vm.Create()
	if err != nil {
		return err
	}

	// The trampoline frame belongs to the kernel image.
	if err = vm.Map(pt, vmm.Trampoline, mm.PageSize, p.table.trampoline, vmm.FlagRead|vmm.FlagExec|vmm.FlagShared); err != nil {
		vm.Teardown(pt, true)
		return err
	}

	tf, err := p.table.frames.Kalloc()
	if err != nil {
		vm.Teardown(pt, true)
		return err
	}
	p.table.mem.Memset(tf, 0, mm.PageSize)
	if err = vm.Map(pt, vmm.Trapframe, mm.PageSize, tf, vmm.FlagRead|vmm.FlagWrite); err != nil {
		p.table.frames.Kfree(tf)
		vm.Teardown(pt, true)
		return err
	}

	p.PageTable, p.Trapframe = pt, tf
	return nil
}

// Sbrk grows or shrinks the process memory by n bytes and returns the
// previous size. Shrinking and eager growth update the page table right away.
// Lazy growth only raises Size; the pages are backed by HandleFault when
// first touched.
func (p *Proc) Sbrk(n int, lazy bool) (uintptr, error) {
	oldSz := p.Size

	var newSz uintptr
	if n < 0 {
		if uintptr(-n) > oldSz {
			return oldSz, ErrBadSize
		}
		newSz = oldSz - uintptr(-n)
	} else {
		newSz = oldSz + uintptr(n)
		if newSz < oldSz || newSz > vmm.Trapframe {
			return oldSz, ErrBadSize
		}
	}

	switch {
	case n < 0:
		p.Size = p.table.vm.Shrink(p.PageTable, oldSz, newSz)
	case lazy:
		p.Size = newSz
	default:
		sz, err := p.table.vm.Grow(p.PageTable, oldSz, newSz, vmm.FlagWrite)
		if err != nil {
			return oldSz, err
		}
		p.Size = sz
	}
	return oldSz, nil
}

// HandleFault services a page fault at va. Faults outside the process memory,
// on pages that are already mapped or that cannot be backed kill the process.
func (p *Proc) HandleFault(va uintptr) error {
	if _, err := p.table.vm.Fault(p.PageTable, p.Size, va); err != nil {
		p.Kill()
		klog.V(2).InfoS("killed process on page fault", "pid", p.PID, "va", kfmt.Hex(va), "err", err)
		return err
	}
	return nil
}

// Kill marks the process as killed.
func (p *Proc) Kill() {
	atomic.StoreUint32(&p.killed, 1)
}

// Killed returns true if the process has been killed.
func (p *Proc) Killed() bool {
	return atomic.LoadUint32(&p.killed) != 0
}

// CopyOut copies src to the user address dstva, faulting in lazy pages.
func (p *Proc) CopyOut(dstva uintptr, src []byte) error {
	if err := p.table.vm.CopyOut(p.PageTable, p.Size, dstva, src); err != nil {
		return err
	}
	return nil
}

// CopyIn fills dst from the user address srcva, faulting in lazy pages.
func (p *Proc) CopyIn(dst []byte, srcva uintptr) error {
	if err := p.table.vm.CopyIn(p.PageTable, p.Size, dst, srcva); err != nil {
		return err
	}
	return nil
}

// Fork creates a child process with a copy of the parent's memory and trap
// frame. Pages of the parent that were never touched stay lazy in the child.
func (p *Proc) Fork() (*Proc, error) {
	child, err := p.table.New()
	if err != nil {
		return nil, err
	}

	if err := p.table.vm.Copy(p.PageTable, child.PageTable, p.Size); err != nil {
		child.Exit()
		return nil, err
	}
	child.Size = p.Size
	p.table.mem.Memcopy(p.Trapframe, child.Trapframe, mm.PageSize)

	klog.V(2).InfoS("forked process", "parent", p.PID, "child", child.PID, "size", kfmt.Hex(p.Size))
	return child, nil
}

// Exit releases the process's memory and frees its slot. The trampoline
// frame is shared and survives.
func (p *Proc) Exit() {
	if p.PageTable == 0 {
		return
	}

	p.table.vm.Teardown(p.PageTable, true)
	p.PageTable, p.Trapframe, p.Size = 0, 0, 0
	p.table.release(p)

	klog.V(2).InfoS("process exited", "pid", p.PID)
}
