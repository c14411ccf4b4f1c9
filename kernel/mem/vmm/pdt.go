package vmm

import (
	"io"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// maxLevels bounds the depth of supported layouts.
const maxLevels = 8

// Option configures optional PageTables behavior.
type Option func(*PageTables)

// WithHugePageSplitting selects how Unmap handles a range that covers part
// of a huge page. When enabled (the default), the huge page is split into
// next-level entries mapping the same memory until the range boundary falls
// on an entry boundary. When disabled, Unmap fails with ErrPartialHugePage.
func WithHugePageSplitting(enabled bool) Option {
	return func(pt *PageTables) { pt.splitHugePages = enabled }
}

// WithFlushFn registers a function that is invoked whenever a leaf entry
// covering [addr, addr+size) is cleared, rewritten or split, so cached
// translations can be invalidated.
func WithFlushFn(fn func(addr VirtAddr, size mem.Size)) Option {
	return func(pt *PageTables) { pt.flushFn = fn }
}

// PageTables is a multi-level page table tree. It exclusively owns its root
// frame and every table frame reachable from it; frames mapped by leaf
// entries belong to whoever requested the mapping.
//
// The zero value is not usable; create PageTables with NewPageTables and
// release them with Teardown.
type PageTables struct {
	meta   PagingMetadata
	codec  EntryCodec
	frames pmm.FrameProvider
	memory pmm.PhysicalMemory

	levels       uint8
	bitsPerLevel uint8
	pageShift    uint8
	radix        uint64

	// canonicalMask selects the address bits translated by the tables.
	canonicalMask VirtAddr

	root     pmm.Frame
	tornDown bool

	splitHugePages bool
	flushFn        func(VirtAddr, mem.Size)
}

// NewPageTables allocates an empty root table and returns page tables using
// the supplied layout. Table frames are allocated from frames and accessed
// via memory; both must agree with meta on the frame size.
func NewPageTables(meta PagingMetadata, codec EntryCodec, frames pmm.FrameProvider, memory pmm.PhysicalMemory, opts ...Option) (*PageTables, *kernel.Error) {
	pt := &PageTables{
		meta:           meta,
		codec:          codec,
		frames:         frames,
		memory:         memory,
		levels:         meta.Levels(),
		bitsPerLevel:   meta.BitsPerLevel(),
		pageShift:      meta.PageShift(),
		splitHugePages: true,
		flushFn:        func(VirtAddr, mem.Size) {},
	}

	for _, opt := range opts {
		opt(pt)
	}

	// Every table must fit in one frame and the translated address bits
	// must fit in a VirtAddr.
	vaBits := uint(pt.pageShift) + uint(pt.levels)*uint(pt.bitsPerLevel)
	if pt.levels == 0 || pt.levels > maxLevels || pt.bitsPerLevel == 0 ||
		pt.pageShift < 10 || pt.pageShift > 30 ||
		pt.bitsPerLevel+3 > pt.pageShift || vaBits > 64 {
		return nil, ErrUnsupportedLayout
	}

	pt.radix = 1 << pt.bitsPerLevel
	// For 64-bit layouts the shift yields 0 and the mask covers every bit.
	pt.canonicalMask = VirtAddr(1<<vaBits - 1)

	root, err := frames.AllocZeroed()
	if err != nil {
		return nil, err
	}

	if uint64(len(memory.Words(root))) != uint64(1)<<(pt.pageShift-3) {
		frames.Free(root)
		return nil, ErrUnsupportedLayout
	}

	pt.root = root
	return pt, nil
}

// RootFrame returns the physical address of the root table so it can be
// installed on a processor.
func (pt *PageTables) RootFrame() pmm.PhysAddr {
	if !pt.live() {
		return 0
	}

	return pt.root.Address(pt.pageShift)
}

// TableFrames returns the number of frames owned by the page tables: the
// root plus every reachable intermediate table.
func (pt *PageTables) TableFrames() int {
	if !pt.live() {
		return 0
	}

	return 1 + pt.countTables(pt.root, 0)
}

func (pt *PageTables) countTables(frame pmm.Frame, level uint8) int {
	var count int
	for _, entry := range pt.table(frame) {
		if kind, child, _ := pt.codec.Decode(level, entry); kind == EntryTable && level < pt.levels-1 {
			count += 1 + pt.countTables(child, level+1)
		}
	}

	return count
}

// Teardown releases every table frame owned by the page tables, root
// included, back to the frame provider. Leaf frames are left untouched.
// The page tables must not be used afterwards; calling Teardown twice is a
// fatal error.
func (pt *PageTables) Teardown() {
	if !pt.live() {
		return
	}

	pt.tornDown = true
	freed := pt.freeTables(pt.root, 0)
	pt.frames.Free(pt.root)

	kfmt.Printf("[vmm] teardown released %d table frames\n", freed+1)
}

// freeTables performs a depth-first release of the tables below frame and
// returns the number of freed frames.
func (pt *PageTables) freeTables(frame pmm.Frame, level uint8) int {
	var (
		freed   int
		entries = pt.table(frame)
	)

	for index, entry := range entries {
		kind, child, _ := pt.codec.Decode(level, entry)
		if kind != EntryTable {
			continue
		}

		// Reachable tables are never empty and never appear below the
		// last level; anything else means that some other code has
		// scribbled over our frames.
		if level == pt.levels-1 || pt.isEmpty(pt.table(child), level+1) {
			kfmt.Panic(errCorruptTable)
			continue
		}

		freed += pt.freeTables(child, level+1)
		entries[index] = pt.codec.Empty()
		pt.frames.Free(child)
		freed++
	}

	return freed
}

// Dump writes a human readable rendering of every non-empty entry to w,
// indenting each level.
func (pt *PageTables) Dump(w io.Writer) {
	if !pt.live() {
		return
	}

	kfmt.Fprintf(w, "root 0x%x\n", pt.root.Address(pt.pageShift))
	pt.dumpTable(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")}, pt.root, 0)
}

func (pt *PageTables) dumpTable(w io.Writer, frame pmm.Frame, level uint8) {
	for index, entry := range pt.table(frame) {
		kind, target, perms := pt.codec.Decode(level, entry)
		switch {
		case kind == EntryTable && level < pt.levels-1:
			kfmt.Fprintf(w, "[L%d %3d] table 0x%x\n", level, index, target.Address(pt.pageShift))
			pt.dumpTable(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")}, target, level+1)
		case kind == EntryLeaf:
			kfmt.Fprintf(w, "[L%d %3d] leaf  0x%x %s %s\n", level, index, target.Address(pt.pageShift), pt.pageSize(level), perms)
		}
	}
}

// live returns false and raises a fatal error if the page tables have been
// torn down.
func (pt *PageTables) live() bool {
	if pt.tornDown {
		kfmt.Panic(ErrTornDown)
		return false
	}

	return true
}

// table returns the entries stored in a table frame.
func (pt *PageTables) table(frame pmm.Frame) []Entry {
	words := pt.memory.Words(frame)
	return unsafe.Slice((*Entry)(unsafe.Pointer(unsafe.SliceData(words))), pt.radix)
}

// isEmpty returns true if every entry of a table at level is empty.
func (pt *PageTables) isEmpty(entries []Entry, level uint8) bool {
	for _, entry := range entries {
		if kind, _, _ := pt.codec.Decode(level, entry); kind != EntryEmpty {
			return false
		}
	}

	return true
}

// levelShift returns log2 of the region size covered by an entry at level.
func (pt *PageTables) levelShift(level uint8) uint8 {
	return pt.pageShift + (pt.levels-1-level)*pt.bitsPerLevel
}

// pageSize returns the size of the region covered by an entry at level.
func (pt *PageTables) pageSize(level uint8) mem.Size {
	return mem.SizeFromShift(pt.levelShift(level))
}

// index returns the slot that translates addr in a table at level.
func (pt *PageTables) index(addr VirtAddr, level uint8) uint64 {
	return (uint64(addr) >> pt.levelShift(level)) & (pt.radix - 1)
}

// leafLevel returns the level whose entries cover exactly size bytes and
// may hold leaves.
func (pt *PageTables) leafLevel(size mem.Size) (uint8, bool) {
	for level := uint8(0); level < pt.levels; level++ {
		if pt.pageSize(level) == size && pt.permitsLeaf(level) {
			return level, true
		}
	}

	return 0, false
}

// permitsLeaf returns true if leaf entries may be installed at level.
func (pt *PageTables) permitsLeaf(level uint8) bool {
	return level == pt.levels-1 || pt.meta.PermitsBlock(level)
}

// validRange returns true if [start, start+size) is non-empty, does not
// overflow, is aligned to align and lies entirely within one canonical
// part of the address space.
func (pt *PageTables) validRange(start VirtAddr, size, align mem.Size) bool {
	if size == 0 || !mem.IsAligned(start, VirtAddr(align)) || !mem.IsAligned(size, align) {
		return false
	}

	last := start + VirtAddr(size-1)
	if last < start || !pt.meta.IsCanonical(start) || !pt.meta.IsCanonical(last) {
		return false
	}

	// A range that jumps over a non-canonical hole spans fewer table
	// slots than its length suggests.
	return last-start == (last&pt.canonicalMask)-(start&pt.canonicalMask)
}
