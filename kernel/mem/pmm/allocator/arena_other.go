//go:build !linux

package allocator

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
)

// mapArena allocates the memory backing a region's frames from the Go heap.
func mapArena(size mem.Size) ([]byte, *kernel.Error) {
	return make([]byte, size), nil
}

func unmapArena(_ []byte) {}
