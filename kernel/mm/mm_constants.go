package mm

const (
	// PointerShift is equal to log2(size of a page table entry). Entries
	// are 64 bits wide on every supported architecture.
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the minimum page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MegaPageShift is equal to log2(MegaPageSize).
	MegaPageShift = uintptr(21)

	// MegaPageSize is the size of a superpage installed one level above
	// the leaf page tables.
	MegaPageSize = uintptr(1 << MegaPageShift)

	// GigaPageShift is equal to log2(GigaPageSize).
	GigaPageShift = uintptr(30)

	// GigaPageSize is the size of a superpage installed in the root table.
	GigaPageSize = uintptr(1 << GigaPageShift)
)
