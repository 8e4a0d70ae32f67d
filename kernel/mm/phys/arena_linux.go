//go:build linux

package phys

import "golang.org/x/sys/unix"

// reserveArena maps anonymous private memory so that RAM which is never
// touched by the kernel is never committed by the host.
func reserveArena(size uintptr) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}
	return data, unix.Munmap, nil
}
