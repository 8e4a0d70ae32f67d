package kfmt

import "fmt"

// Hex renders an address as 0x-prefixed hexadecimal when used as a
// structured log value.
type Hex uintptr

func (h Hex) String() string {
	return fmt.Sprintf("0x%x", uintptr(h))
}
