package vmm

import (
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// pteRef locates the deepest entry that translates a virtual address.
type pteRef struct {
	entries []Entry
	index   uint64
	level   uint8

	kind   EntryKind
	target pmm.Frame
	perms  Perm
}

// lookup walks the tables for addr and returns the entry where the walk
// stops: a leaf, an empty slot, or a table entry at the last level (which
// only a corrupt table can contain).
func (pt *PageTables) lookup(addr VirtAddr) pteRef {
	var ref pteRef

	walk(pt, addr, func(level uint8, entries []Entry, index uint64) bool {
		ref.entries, ref.index, ref.level = entries, index, level
		ref.kind, ref.target, ref.perms = pt.codec.Decode(level, entries[index])
		return true
	})

	return ref
}

// base returns the first virtual address covered by the entry that
// translates addr.
func (pt *PageTables) base(addr VirtAddr, level uint8) VirtAddr {
	return mem.AlignDown(addr, VirtAddr(pt.pageSize(level)))
}

// Query returns the translation for addr. The second return value is false
// if addr is not canonical or not mapped. Query never modifies the tables.
func (pt *PageTables) Query(addr VirtAddr) (Translation, bool) {
	if !pt.live() || !pt.meta.IsCanonical(addr) {
		return Translation{}, false
	}

	ref := pt.lookup(addr)
	if ref.kind != EntryLeaf {
		return Translation{}, false
	}

	// Calculate the physical address by taking the leaf frame address and
	// appending the offset from the virtual address
	size := pt.pageSize(ref.level)
	return Translation{
		Phys:     ref.target.Address(pt.pageShift) + pmm.PhysAddr(addr-pt.base(addr, ref.level)),
		Perms:    ref.perms,
		PageSize: size,
	}, true
}
