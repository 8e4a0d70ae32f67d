package vmm

import (
	"fmt"
	"io"

	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
)

// Dump writes every valid entry of pt to w, one line per entry, showing the
// virtual address it translates, its raw value and the physical address it
// points to. Entries of lower-level tables are indented below their parent.
// The output is meant for humans and has no stability guarantees.
func (m *Mapper) Dump(w io.Writer, pt PageTable) error {
	if _, err := fmt.Fprintf(w, "page table 0x%x\n", uintptr(pt)); err != nil {
		return err
	}
	return m.dumpTable(w, uintptr(pt), Level1G, 0)
}

func (m *Mapper) dumpTable(w io.Writer, table uintptr, level Level, baseVA uintptr) error {
	var (
		err error
		pw  = &kfmt.PrefixWriter{Sink: w, Prefix: []byte("..")}
	)

	m.visitTable(table, level, baseVA, func(va uintptr, pte *PageTableEntry) bool {
		if _, err = fmt.Fprintf(pw, "0x%016x: pte 0x%016x pa 0x%016x\n", va, uint64(*pte), pte.Address()); err != nil {
			return false
		}
		if !pte.IsLeaf() && level > Level4K {
			err = m.dumpTable(pw, pte.Address(), level-1, va)
		}
		return err == nil
	})

	return err
}
