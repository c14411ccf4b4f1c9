// Package pmm contains the physical memory vocabulary: frames, physical
// addresses and the capabilities used to obtain and access frames.
package pmm

import (
	"math"

	"gopheros/kernel/mem"
)

// PhysAddr is an address in physical memory.
type PhysAddr uint64

// Frame describes a physical memory page index, i.e. a physical address
// shifted right by the page shift of the architecture.
type Frame uint64

const (
	// InvalidFrame is returned by frame providers when they fail to
	// reserve a frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame for
// a page size of 1<<pageShift bytes.
func (f Frame) Address(pageShift uint8) PhysAddr {
	return PhysAddr(f << pageShift)
}

// FrameFromAddress returns the Frame that contains physAddr for a page size
// of 1<<pageShift bytes. Unaligned addresses are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr PhysAddr, pageShift uint8) Frame {
	return Frame(mem.AlignDown(physAddr, PhysAddr(1)<<pageShift) >> pageShift)
}
