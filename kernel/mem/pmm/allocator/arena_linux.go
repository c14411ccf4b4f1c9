//go:build linux

package allocator

import (
	"golang.org/x/sys/unix"

	"gopheros/kernel"
	"gopheros/kernel/mem"
)

// mapArena reserves size bytes of zeroed anonymous memory outside of the Go
// heap to back a region's frames.
func mapArena(size mem.Size) ([]byte, *kernel.Error) {
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errArenaMapFailed
	}

	return buf, nil
}

// unmapArena releases an arena obtained via mapArena.
func unmapArena(buf []byte) {
	_ = unix.Munmap(buf)
}
