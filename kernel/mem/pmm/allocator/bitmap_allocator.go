// Package allocator provides a physical frame allocator that tracks frame
// reservations across a set of physical memory regions using bitmaps.
package allocator

import (
	"math"
	"math/bits"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/sync"
)

var (
	// mapArenaFn and unmapArenaFn are used by tests to mock the
	// reservation of the memory backing each region.
	mapArenaFn   = mapArena
	unmapArenaFn = unmapArena

	errNoRegions          = &kernel.Error{Module: "bitmap_alloc", Message: "no memory regions supplied"}
	errInvalidRegion      = &kernel.Error{Module: "bitmap_alloc", Message: "memory region must be frame-aligned and hold at least one frame"}
	errOverlappingRegions = &kernel.Error{Module: "bitmap_alloc", Message: "memory regions overlap"}
	errUnsupportedShift   = &kernel.Error{Module: "bitmap_alloc", Message: "unsupported page shift"}
	errArenaMapFailed     = &kernel.Error{Module: "bitmap_alloc", Message: "unable to reserve memory backing a region"}
	errDoubleFree         = &kernel.Error{Module: "bitmap_alloc", Message: "attempted to free a frame that is not reserved"}
	errUnknownFrame       = &kernel.Error{Module: "bitmap_alloc", Message: "frame does not belong to any managed region"}
	errReleased           = &kernel.Error{Module: "bitmap_alloc", Message: "allocator used after Release"}
)

// Region describes a contiguous block of physical memory handed to the
// allocator.
type Region struct {
	// Base is the physical address of the first byte in the region. It
	// must be aligned to the frame size.
	Base pmm.PhysAddr

	// Size is the region length. Any trailing bytes that do not fill a
	// whole frame are ignored.
	Size mem.Size
}

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64

	// arena holds the contents of the frames in this pool.
	arena []byte
}

// Stats summarizes the allocator state.
type Stats struct {
	// TotalFrames is the number of frames across all pools.
	TotalFrames uint32

	// FreeFrames is the number of frames currently available.
	FreeFrames uint32

	// Allocations and Frees count successful AllocZeroed and Free calls
	// since the allocator was created.
	Allocations uint64
	Frees       uint64
}

// BitmapAllocator implements pmm.FrameProvider and pmm.PhysicalMemory. It is
// safe for concurrent use; its lock is never held while calling out of the
// allocator.
type BitmapAllocator struct {
	pageShift uint8
	frameSize mem.Size

	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	allocCount, freeCount uint64
	released              bool

	pools []framePool
}

// NewBitmapAllocator creates an allocator managing frames of 1<<pageShift
// bytes inside the supplied regions. Each region gets its own backing arena
// and free bitmap.
func NewBitmapAllocator(pageShift uint8, regions ...Region) (*BitmapAllocator, *kernel.Error) {
	// Frames must hold a whole number of 64-bit words.
	if pageShift < 3 || pageShift > 30 {
		return nil, errUnsupportedShift
	}

	if len(regions) == 0 {
		return nil, errNoRegions
	}

	alloc := &BitmapAllocator{
		pageShift: pageShift,
		frameSize: mem.SizeFromShift(pageShift),
		pools:     make([]framePool, 0, len(regions)),
	}

	for _, region := range regions {
		if err := alloc.addPool(region); err != nil {
			alloc.Release()
			return nil, err
		}
	}

	return alloc, nil
}

// addPool validates region and sets up its free bitmap and backing arena.
func (alloc *BitmapAllocator) addPool(region Region) *kernel.Error {
	if !mem.IsAligned(region.Base, pmm.PhysAddr(alloc.frameSize)) || region.Size < alloc.frameSize {
		return errInvalidRegion
	}

	pageCount := uint64(region.Size >> alloc.pageShift)
	if pageCount > math.MaxUint32 {
		return errInvalidRegion
	}

	startFrame := pmm.FrameFromAddress(region.Base, alloc.pageShift)
	endFrame := startFrame + pmm.Frame(pageCount) - 1
	if endFrame < startFrame {
		return errInvalidRegion
	}

	for poolIndex := range alloc.pools {
		if startFrame <= alloc.pools[poolIndex].endFrame && alloc.pools[poolIndex].startFrame <= endFrame {
			return errOverlappingRegions
		}
	}

	arena, err := mapArenaFn(mem.Size(pageCount) << alloc.pageShift)
	if err != nil {
		return err
	}

	// To represent the free page bitmap we need pageCount bits. Since our
	// slice uses uint64 for storing the bitmap we need to round up the
	// required bits so they are a multiple of 64 bits. The padding bits of
	// the last block are flagged as reserved so they are never handed out.
	pool := framePool{
		startFrame: startFrame,
		endFrame:   endFrame,
		freeCount:  uint32(pageCount),
		freeBitmap: make([]uint64, (pageCount+63)>>6),
		arena:      arena,
	}
	if tailBits := pageCount & 63; tailBits != 0 {
		pool.freeBitmap[len(pool.freeBitmap)-1] = math.MaxUint64 << tailBits
	}

	alloc.pools = append(alloc.pools, pool)
	alloc.totalPages += uint32(pageCount)

	kfmt.Printf("[bitmap_alloc] pool %d: frames [%d, %d] (%s)\n",
		len(alloc.pools)-1, startFrame, endFrame, mem.Size(pageCount)<<alloc.pageShift,
	)

	return nil
}

// AllocZeroed reserves the first available frame and clears its contents.
// It returns pmm.ErrOutOfFrames if all frames are reserved.
func (alloc *BitmapAllocator) AllocZeroed() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.released {
		kfmt.Panic(errReleased)
		return pmm.InvalidFrame, errReleased
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for blockIndex, block := range pool.freeBitmap {
			if block == math.MaxUint64 {
				continue
			}

			bitIndex := bits.TrailingZeros64(^block)
			pool.freeBitmap[blockIndex] |= 1 << bitIndex
			pool.freeCount--
			alloc.reservedPages++
			alloc.allocCount++

			frameIndex := uint64(blockIndex<<6 + bitIndex)
			mem.Memset(alloc.frameBytes(pool, frameIndex), 0)
			return pool.startFrame + pmm.Frame(frameIndex), nil
		}
	}

	return pmm.InvalidFrame, pmm.ErrOutOfFrames
}

// Free returns a frame reserved by AllocZeroed back to its pool. Freeing a
// frame that is not reserved, or that lies outside every pool, indicates
// memory corruption and triggers a kernel panic.
func (alloc *BitmapAllocator) Free(frame pmm.Frame) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := alloc.poolForFrame(frame)
	if pool == nil {
		kfmt.Panic(errUnknownFrame)
		return
	}

	frameIndex := uint64(frame - pool.startFrame)
	block, mask := frameIndex>>6, uint64(1)<<(frameIndex&63)
	if pool.freeBitmap[block]&mask == 0 {
		kfmt.Panic(errDoubleFree)
		return
	}

	pool.freeBitmap[block] &^= mask
	pool.freeCount++
	alloc.reservedPages--
	alloc.freeCount++
}

// Words implements pmm.PhysicalMemory. Accessing a frame outside every pool
// triggers a kernel panic.
func (alloc *BitmapAllocator) Words(frame pmm.Frame) []uint64 {
	pool := alloc.poolForFrame(frame)
	if pool == nil || alloc.released {
		kfmt.Panic(errUnknownFrame)
		return nil
	}

	buf := alloc.frameBytes(pool, uint64(frame-pool.startFrame))
	return unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), len(buf)>>3)
}

// Contains returns true if frame belongs to one of the managed regions.
func (alloc *BitmapAllocator) Contains(frame pmm.Frame) bool {
	return alloc.poolForFrame(frame) != nil
}

// Reserved returns true if frame is currently allocated.
func (alloc *BitmapAllocator) Reserved(frame pmm.Frame) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return false
	}

	frameIndex := uint64(frame - pool.startFrame)
	return pool.freeBitmap[frameIndex>>6]&(1<<(frameIndex&63)) != 0
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalFrames: alloc.totalPages,
		FreeFrames:  alloc.totalPages - alloc.reservedPages,
		Allocations: alloc.allocCount,
		Frees:       alloc.freeCount,
	}
}

// Release returns the memory backing every pool to the host. The allocator
// must not be used afterwards.
func (alloc *BitmapAllocator) Release() {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		if alloc.pools[poolIndex].arena != nil {
			unmapArenaFn(alloc.pools[poolIndex].arena)
			alloc.pools[poolIndex].arena = nil
		}
	}
	alloc.released = true
}

// poolForFrame returns the pool that contains frame or nil.
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) *framePool {
	for poolIndex := range alloc.pools {
		if frame >= alloc.pools[poolIndex].startFrame && frame <= alloc.pools[poolIndex].endFrame {
			return &alloc.pools[poolIndex]
		}
	}

	return nil
}

// frameBytes returns the slice of the pool arena backing the frame at
// frameIndex.
func (alloc *BitmapAllocator) frameBytes(pool *framePool, frameIndex uint64) []byte {
	offset := frameIndex << alloc.pageShift
	return pool.arena[offset : offset+uint64(alloc.frameSize) : offset+uint64(alloc.frameSize)]
}
