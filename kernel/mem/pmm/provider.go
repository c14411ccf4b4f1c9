package pmm

import "gopheros/kernel"

var (
	// ErrOutOfFrames is returned by frame providers when no free frame is
	// available. Page table code propagates it unchanged.
	ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "out of physical frames"}
)

// FrameProvider hands out and reclaims physical frames.
//
// Implementations must not depend on any lock held by their callers: the
// page table code calls the provider while its own address space is locked,
// and several address spaces may call the same provider concurrently.
type FrameProvider interface {
	// AllocZeroed reserves a frame whose contents are cleared to zero. It
	// returns ErrOutOfFrames if no frame is available.
	AllocZeroed() (Frame, *kernel.Error)

	// Free returns a frame previously obtained from AllocZeroed. Freeing a
	// frame twice is a fatal error.
	Free(Frame)
}

// PhysicalMemory provides access to the contents of physical frames.
type PhysicalMemory interface {
	// Words returns the contents of frame as a slice of 64-bit words that
	// aliases the underlying memory. The slice spans exactly one frame.
	Words(Frame) []uint64
}
