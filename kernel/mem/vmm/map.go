package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// Map establishes a mapping between the virtual range [start, start+size)
// and the physical range starting at phys, allocating missing intermediate
// tables from the frame provider.
//
// pageSize selects the size of the installed leaf entries and must be the
// base page size or a block size supported by the layout. If pageSize is
// zero, Map uses the largest leaf size that fits each part of the range
// given the alignment of both addresses.
//
// Existing mappings are never overwritten: if any part of the range is
// already mapped Map fails with ErrAlreadyMapped. On failure, every entry
// and table installed by the call is removed again so the tables are left
// unchanged.
func (pt *PageTables) Map(start VirtAddr, size mem.Size, phys pmm.PhysAddr, perms Perm, pageSize mem.Size) *kernel.Error {
	if !pt.live() {
		return ErrTornDown
	}

	var (
		fixedLevel uint8
		align      = pt.pageSize(pt.levels - 1)
	)

	if pageSize != 0 {
		level, ok := pt.leafLevel(pageSize)
		if !ok {
			return ErrUnsupportedPageSize
		}
		fixedLevel, align = level, pageSize
	}

	if !pt.validRange(start, size, align) || !mem.IsAligned(phys, pmm.PhysAddr(align)) ||
		phys+pmm.PhysAddr(size-1) < phys {
		return ErrInvalidAddress
	}

	for offset := mem.Size(0); offset < size; {
		addr, frameAddr := start+VirtAddr(offset), phys+pmm.PhysAddr(offset)

		level := fixedLevel
		if pageSize == 0 {
			level = pt.largestLeafLevel(addr, frameAddr, size-offset)
		}

		if err := pt.mapPage(addr, frameAddr, perms, level); err != nil {
			if offset != 0 {
				pt.clearRange(start, start+VirtAddr(offset-1))
			}
			return err
		}

		offset += pt.pageSize(level)
	}

	return nil
}

// largestLeafLevel returns the level of the largest leaf that can map addr
// to frameAddr without exceeding remaining bytes.
func (pt *PageTables) largestLeafLevel(addr VirtAddr, frameAddr pmm.PhysAddr, remaining mem.Size) uint8 {
	for level := uint8(0); level < pt.levels-1; level++ {
		size := pt.pageSize(level)
		if pt.meta.PermitsBlock(level) && size <= remaining &&
			mem.IsAligned(addr, VirtAddr(size)) && mem.IsAligned(frameAddr, pmm.PhysAddr(size)) {
			return level
		}
	}

	return pt.levels - 1
}

// mapPage installs a single leaf at leafLevel.
func (pt *PageTables) mapPage(addr VirtAddr, frameAddr pmm.PhysAddr, perms Perm, leafLevel uint8) *kernel.Error {
	var err *kernel.Error

	walk(pt, addr, func(level uint8, entries []Entry, index uint64) bool {
		kind, _, _ := pt.codec.Decode(level, entries[index])

		// If we reached the leaf level all we need to do is to map the
		// frame in place unless the slot is in use.
		if level == leafLevel {
			if kind != EntryEmpty {
				err = ErrAlreadyMapped
				return false
			}

			entries[index] = pt.codec.Encode(level, pmm.FrameFromAddress(frameAddr, pt.pageShift), perms, true)
			return false
		}

		switch kind {
		case EntryLeaf:
			// A huge page already covers this address.
			err = ErrAlreadyMapped
			return false
		case EntryEmpty:
			// Next table does not yet exist; allocate a cleared frame
			// for it and link it in.
			var tableFrame pmm.Frame
			if tableFrame, err = pt.frames.AllocZeroed(); err != nil {
				return false
			}
			entries[index] = pt.codec.Encode(level, tableFrame, 0, false)
		}

		return true
	})

	// Tables allocated before a failure are still empty.
	if err != nil {
		pt.prune(addr)
	}

	return err
}

// Unmap removes the mappings for every page in [start, start+size). The
// range must be aligned to the base page size and every page in it must be
// mapped, otherwise Unmap fails with ErrNotMapped without changing
// anything.
//
// A huge page that extends past either end of the range is split (see
// WithHugePageSplitting) so that only the requested part is unmapped; the
// remainder keeps translating to the same physical memory. Splitting
// allocates tables and can therefore fail with pmm.ErrOutOfFrames, in which
// case no mapping has been removed.
//
// Tables that become empty are returned to the frame provider.
func (pt *PageTables) Unmap(start VirtAddr, size mem.Size) *kernel.Error {
	if !pt.live() {
		return ErrTornDown
	}

	if !pt.validRange(start, size, pt.pageSize(pt.levels-1)) {
		return ErrInvalidAddress
	}

	last := start + VirtAddr(size-1)
	partial, err := pt.checkMapped(start, last)
	if err != nil {
		return err
	}

	if partial {
		if !pt.splitHugePages {
			return ErrPartialHugePage
		}

		if err := pt.splitAt(start); err != nil {
			return err
		}

		if end := last + 1; end != 0 && pt.meta.IsCanonical(end) {
			if err := pt.splitAt(end); err != nil {
				return err
			}
		}
	}

	pt.clearRange(start, last)
	return nil
}

// Remap replaces the permissions of every leaf in [start, start+size)
// without touching the frames they map. Every page in the range must be
// mapped (ErrNotMapped) and no huge page may extend past the range
// (ErrPartialHugePage); Remap never allocates.
func (pt *PageTables) Remap(start VirtAddr, size mem.Size, perms Perm) *kernel.Error {
	if !pt.live() {
		return ErrTornDown
	}

	if !pt.validRange(start, size, pt.pageSize(pt.levels-1)) {
		return ErrInvalidAddress
	}

	last := start + VirtAddr(size-1)
	partial, err := pt.checkMapped(start, last)
	if err != nil {
		return err
	}
	if partial {
		return ErrPartialHugePage
	}

	pt.visitLeaves(start, last, func(addr VirtAddr, ref pteRef) {
		ref.entries[ref.index] = pt.codec.Encode(ref.level, ref.target, perms, true)
		pt.flushFn(addr, pt.pageSize(ref.level))
	})

	return nil
}

// checkMapped verifies that every page in [start, last] is mapped. It
// returns true if a leaf extends past either end of the range.
func (pt *PageTables) checkMapped(start, last VirtAddr) (bool, *kernel.Error) {
	var partial bool

	for addr := start; ; {
		ref := pt.lookup(addr)
		if ref.kind != EntryLeaf {
			return false, ErrNotMapped
		}

		leafStart := pt.base(addr, ref.level)
		leafLast := leafStart + VirtAddr(pt.pageSize(ref.level)-1)
		if leafStart < start || leafLast > last {
			partial = true
		}

		if leafLast >= last {
			return partial, nil
		}
		addr = leafLast + 1
	}
}

// visitLeaves invokes visitFn for every leaf in [start, last]. The range
// must be fully mapped by leaves that do not extend past it.
func (pt *PageTables) visitLeaves(start, last VirtAddr, visitFn func(VirtAddr, pteRef)) {
	for addr := start; ; {
		ref := pt.lookup(addr)
		leafLast := addr + VirtAddr(pt.pageSize(ref.level)-1)

		visitFn(addr, ref)

		if leafLast >= last {
			return
		}
		addr = leafLast + 1
	}
}

// clearRange clears every leaf in [start, last] and prunes tables that
// become empty. The range must be fully mapped by leaves that do not extend
// past it.
func (pt *PageTables) clearRange(start, last VirtAddr) {
	pt.visitLeaves(start, last, func(addr VirtAddr, ref pteRef) {
		ref.entries[ref.index] = pt.codec.Empty()
		pt.flushFn(addr, pt.pageSize(ref.level))
		pt.prune(addr)
	})
}

// splitAt splits huge pages until a leaf boundary falls on addr. It is a
// no-op if addr is unmapped or already starts a leaf.
func (pt *PageTables) splitAt(addr VirtAddr) *kernel.Error {
	for {
		ref := pt.lookup(addr)
		if ref.kind != EntryLeaf || pt.base(addr, ref.level) == addr {
			return nil
		}

		if err := pt.split(addr, ref); err != nil {
			return err
		}
	}
}

// split replaces the huge page described by ref with a table of
// next-level leaves that map the same physical memory with the same
// permissions.
func (pt *PageTables) split(addr VirtAddr, ref pteRef) *kernel.Error {
	childLevel := ref.level + 1
	if !pt.permitsLeaf(childLevel) {
		return ErrPartialHugePage
	}

	tableFrame, err := pt.frames.AllocZeroed()
	if err != nil {
		return err
	}

	var (
		children  = pt.table(tableFrame)
		childSize = pt.pageSize(childLevel)
		basePhys  = ref.target.Address(pt.pageShift)
	)

	for index := range children {
		childFrame := pmm.FrameFromAddress(basePhys+pmm.PhysAddr(uint64(index)*uint64(childSize)), pt.pageShift)
		children[index] = pt.codec.Encode(childLevel, childFrame, ref.perms, true)
	}

	leafStart := pt.base(addr, ref.level)
	ref.entries[ref.index] = pt.codec.Encode(ref.level, tableFrame, 0, false)
	pt.flushFn(leafStart, pt.pageSize(ref.level))

	kfmt.Printf("[vmm] split %s page at 0x%x into %d x %s\n", pt.pageSize(ref.level), leafStart, pt.radix, childSize)
	return nil
}

// prune frees the tables on the walk path of addr that are empty, starting
// from the deepest one and stopping at the first table that still holds
// entries. The root table is never freed.
func (pt *PageTables) prune(addr VirtAddr) {
	var (
		path  [maxLevels][]Entry
		depth int
	)

	walk(pt, addr, func(level uint8, entries []Entry, _ uint64) bool {
		path[level] = entries
		depth = int(level) + 1
		return true
	})

	for level := depth - 1; level > 0; level-- {
		if !pt.isEmpty(path[level], uint8(level)) {
			return
		}

		parent := path[level-1]
		parentIndex := pt.index(addr, uint8(level-1))
		_, tableFrame, _ := pt.codec.Decode(uint8(level-1), parent[parentIndex])

		parent[parentIndex] = pt.codec.Empty()
		pt.frames.Free(tableFrame)
	}
}
