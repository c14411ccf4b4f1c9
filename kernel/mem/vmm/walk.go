package vmm

import (
	"iter"

	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to walk. It receives the
// level, the entries of the table at that level and the index of the entry
// that translates the walked address. If the function returns false, then
// the walk is aborted.
type pageTableWalker func(level uint8, entries []Entry, index uint64) bool

// walk performs a page table walk for addr. It calls walkFn with the entry
// that corresponds to each level, descending as long as walkFn returns true
// and the entry (as left by walkFn) points to a next-level table.
func walk(pt *PageTables, addr VirtAddr, walkFn pageTableWalker) {
	frame := pt.root
	for level := uint8(0); level < pt.levels; level++ {
		entries := pt.table(frame)
		index := pt.index(addr, level)

		if !walkFn(level, entries, index) {
			return
		}

		kind, next, _ := pt.codec.Decode(level, entries[index])
		if kind != EntryTable {
			return
		}
		frame = next
	}
}

// Walk returns a sequence of regions that covers [start, start+size) in
// address order. Every leaf entry overlapping the range yields one region
// clipped to the range; unmapped parts yield merged gap regions. The
// sequence reads the tables lazily as it is iterated and can be iterated
// any number of times. An invalid range yields nothing.
func (pt *PageTables) Walk(start VirtAddr, size mem.Size) iter.Seq[Region] {
	return func(yield func(Region) bool) {
		if !pt.live() || !pt.validRange(start, size, 1) {
			return
		}

		var (
			last    = start + VirtAddr(size-1)
			gap     Region
			gapOpen bool
		)

		for addr := start; ; {
			ref := pt.lookup(addr)
			entrySize := pt.pageSize(ref.level)
			entryLast := addr | VirtAddr(entrySize-1)
			if entryLast > last {
				entryLast = last
			}
			length := mem.Size(entryLast-addr) + 1

			switch {
			case ref.kind == EntryLeaf:
				if gapOpen {
					if !yield(gap) {
						return
					}
					gapOpen = false
				}

				region := Region{
					Start:    addr,
					Size:     length,
					Kind:     EntryLeaf,
					Phys:     ref.target.Address(pt.pageShift) + pmm.PhysAddr(addr-pt.base(addr, ref.level)),
					Perms:    ref.perms,
					PageSize: entrySize,
				}
				if !yield(region) {
					return
				}
			case gapOpen:
				gap.Size += length
			default:
				gap, gapOpen = Region{Start: addr, Size: length, Kind: EntryEmpty}, true
			}

			if entryLast == last {
				break
			}
			addr = entryLast + 1
		}

		if gapOpen {
			yield(gap)
		}
	}
}
