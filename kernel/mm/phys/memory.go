// Package phys provides the byte arena that stands in for the machine's
// physical RAM. Every physical address handed out by the page allocator and
// every page-table page lives inside a Memory.
package phys

import (
	"unsafe"

	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"

	"github.com/pkg/errors"
)

var (
	// ErrBadPhysAddr is raised when code touches memory outside the arena.
	ErrBadPhysAddr = &kernel.Error{Module: "phys", Message: "physical address outside of RAM"}

	// ErrMisalignedEntry is raised when a page table entry pointer is
	// requested for an address that is not 8-byte aligned.
	ErrMisalignedEntry = &kernel.Error{Module: "phys", Message: "misaligned page table entry address"}
)

// Memory is a contiguous range of simulated physical RAM that starts at Base.
type Memory struct {
	base    uintptr
	data    []byte
	release func([]byte) error
}

// New reserves size bytes of simulated RAM starting at physical address base.
// Both arguments must be page-aligned.
func New(base, size uintptr) (*Memory, error) {
	if size == 0 || base%mm.PageSize != 0 || size%mm.PageSize != 0 {
		return nil, errors.Errorf("phys: base 0x%x and size 0x%x must be non-zero multiples of the page size", base, size)
	}
	if base+size < base {
		return nil, errors.Errorf("phys: range 0x%x+0x%x overflows the address space", base, size)
	}

	data, release, err := reserveArena(size)
	if err != nil {
		return nil, errors.Wrapf(err, "phys: failed to reserve %d bytes of RAM", size)
	}

	return &Memory{base: base, data: data, release: release}, nil
}

// Close releases the arena. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return m.release(data)
}

// Base returns the first physical address backed by this Memory.
func (m *Memory) Base() uintptr { return m.base }

// End returns the first physical address past the end of this Memory.
func (m *Memory) End() uintptr { return m.base + uintptr(len(m.data)) }

// Size returns the number of bytes backed by this Memory.
func (m *Memory) Size() uintptr { return uintptr(len(m.data)) }

// Contains returns true if [pa, pa+n) lies entirely inside the arena.
func (m *Memory) Contains(pa, n uintptr) bool {
	return pa >= m.base && pa+n >= pa && pa+n <= m.End()
}

// Bytes returns a slice aliasing the n bytes of RAM that start at pa.
func (m *Memory) Bytes(pa, n uintptr) []byte {
	if !m.Contains(pa, n) {
		kfmt.Panic(ErrBadPhysAddr)
	}
	off := pa - m.base
	return m.data[off : off+n : off+n]
}

// Uint64At returns a pointer to the 64-bit word stored at pa. It is used to
// read and update page table entries in place.
func (m *Memory) Uint64At(pa uintptr) *uint64 {
	if pa&((1<<mm.PointerShift)-1) != 0 {
		kfmt.Panic(ErrMisalignedEntry)
	}
	return (*uint64)(unsafe.Pointer(&m.Bytes(pa, 8)[0]))
}

// Memset sets size bytes starting at pa to the supplied value. Instead of a
// byte loop it makes log2(size) copy calls, which suits page-sized blocks.
func (m *Memory) Memset(pa uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := m.Bytes(pa, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *Memory) Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	copy(m.Bytes(dst, size), m.Bytes(src, size))
}
