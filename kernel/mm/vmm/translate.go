package vmm

import (
	"github.com/KKKevin-aaa/xv6-labs/kernel"
	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
)

// lookup returns the valid leaf that translates va and its level.
func (m *Mapper) lookup(pt PageTable, va uintptr) (*PageTableEntry, Level, *kernel.Error) {
	if va >= MaxVA {
		return nil, Level4K, ErrBadAddress
	}

	entryAddr, level, err := m.walk(pt, va, false, Level4K)
	if err != nil {
		return nil, level, err
	}

	pte := m.entryAt(entryAddr)
	if !pte.Valid() {
		return nil, level, ErrNotMapped
	}
	return pte, level, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(pt PageTable, va uintptr) (uintptr, *kernel.Error) {
	pte, level, err := m.lookup(pt, va)
	if err != nil {
		return 0, err
	}
	return pte.Address() + va&(level.Size()-1), nil
}

// WalkAddr returns the physical address of the user-accessible 4K page that
// contains va, or 0 if there is none.
func (m *Mapper) WalkAddr(pt PageTable, va uintptr) uintptr {
	pte, level, err := m.lookup(pt, va)
	if err != nil || !pte.HasFlags(FlagUser) {
		return 0
	}
	return pte.Address() + mm.PageRoundDown(va&(level.Size()-1))
}

// IsMapped returns true if va is backed by a valid leaf.
func (m *Mapper) IsMapped(pt PageTable, va uintptr) bool {
	_, _, err := m.lookup(pt, va)
	return err == nil
}

// ClearUser revokes user access to the page that contains va. It is used to
// turn the page below a user stack into a guard page. The page must be
// mapped.
func (m *Mapper) ClearUser(pt PageTable, va uintptr) {
	pte, _, err := m.lookup(pt, va)
	if err != nil {
		kfmt.Panic(ErrNotMapped)
	}
	pte.ClearFlags(FlagUser)
}
