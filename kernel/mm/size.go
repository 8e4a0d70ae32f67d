package mm

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to the page that contains it.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
