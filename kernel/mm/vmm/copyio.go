package vmm

import (
	"bytes"

	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
)

var (
	// ErrReadOnly is returned when copying into a page without write access.
	ErrReadOnly = &kernel.Error{Module: "vmm", Message: "page is read-only"}

	// ErrNoUserAccess is returned when a user copy touches a page that is
	// not user accessible.
	ErrNoUserAccess = &kernel.Error{Module: "vmm", Message: "page is not user accessible"}

	// ErrStringTooLong is returned when a user string is not terminated
	// within the destination buffer.
	ErrStringTooLong = &kernel.Error{Module: "vmm", Message: "string exceeds buffer"}
)

// userAddr returns the physical address of the user virtual address va.
// Unbacked pages below sz are faulted in first.
func (m *Mapper) userAddr(pt PageTable, sz, va uintptr, write bool) (uintptr, *kernel.Error) {
	pte, level, err := m.lookup(pt, va)
	if err == ErrNotMapped && va < sz {
		if _, err = m.Fault(pt, sz, va); err != nil {
			return 0, err
		}
		pte, level, err = m.lookup(pt, va)
	}

	switch {
	case err != nil:
		return 0, err
	case !pte.HasFlags(FlagUser):
		return 0, ErrNoUserAccess
	case write && !pte.HasFlags(FlagWrite):
		return 0, ErrReadOnly
	}
	return pte.Address() + va&(level.Size()-1), nil
}

// pageRemainder returns how many bytes, at most want, can be accessed from
// va before crossing a page boundary.
func pageRemainder(va uintptr, want int) int {
	if n := int(mm.PageSize - va&(mm.PageSize-1)); n < want {
		return n
	}
	return want
}

// CopyOut copies src to the user virtual address dstva of the address space
// pt whose size is sz. Lazily grown pages are faulted in.
func (m *Mapper) CopyOut(pt PageTable, sz, dstva uintptr, src []byte) *kernel.Error {
	for len(src) > 0 {
		pa, err := m.userAddr(pt, sz, dstva, true)
		if err != nil {
			return err
		}

		n := pageRemainder(dstva, len(src))
		copy(m.mem.Bytes(pa, uintptr(n)), src[:n])
		src = src[n:]
		dstva += uintptr(n)
	}
	return nil
}

// CopyIn fills dst from the user virtual address srcva of the address space
// pt whose size is sz. Lazily grown pages are faulted in.
func (m *Mapper) CopyIn(pt PageTable, sz uintptr, dst []byte, srcva uintptr) *kernel.Error {
	for len(dst) > 0 {
		pa, err := m.userAddr(pt, sz, srcva, false)
		if err != nil {
			return err
		}

		n := pageRemainder(srcva, len(dst))
		copy(dst[:n], m.mem.Bytes(pa, uintptr(n)))
		dst = dst[n:]
		srcva += uintptr(n)
	}
	return nil
}

// CopyInStr copies a NUL-terminated string from the user virtual address
// srcva into dst, terminator included, and returns the string length. Pages
// are not faulted in.
func (m *Mapper) CopyInStr(pt PageTable, dst []byte, srcva uintptr) (int, *kernel.Error) {
	var copied int
	for copied < len(dst) {
		pa, err := m.userAddr(pt, 0, srcva, false)
		if err != nil {
			return 0, err
		}

		n := pageRemainder(srcva, len(dst)-copied)
		chunk := m.mem.Bytes(pa, uintptr(n))
		if nul := bytes.IndexByte(chunk, 0); nul >= 0 {
			copy(dst[copied:], chunk[:nul+1])
			return copied + nul, nil
		}

		copy(dst[copied:], chunk)
		copied += n
		srcva += uintptr(n)
	}
	return 0, ErrStringTooLong
}
