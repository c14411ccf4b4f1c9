package vmm

import "gopheros/kernel/mem/pmm"

// Entry is a raw page table entry. Its format is defined by an EntryCodec.
type Entry uint64

// EntryKind classifies a decoded page table entry.
type EntryKind uint8

const (
	// EntryEmpty marks an entry that translates nothing.
	EntryEmpty EntryKind = iota

	// EntryTable marks an entry pointing to a next-level table.
	EntryTable

	// EntryLeaf marks an entry that maps a physical frame.
	EntryLeaf
)

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	switch k {
	case EntryEmpty:
		return "empty"
	case EntryTable:
		return "table"
	case EntryLeaf:
		return "leaf"
	default:
		return "unknown"
	}
}

// PagingMetadata describes the geometry of a paging layout. Levels are
// numbered from 0 (the root) to Levels()-1. An entry at level L covers
// 1<<(PageShift() + (Levels()-1-L)*BitsPerLevel()) bytes.
type PagingMetadata interface {
	// Levels returns the number of table levels.
	Levels() uint8

	// BitsPerLevel returns the number of virtual address bits consumed by
	// each level; every table holds 1<<BitsPerLevel() entries.
	BitsPerLevel() uint8

	// PageShift returns log2 of the base page size.
	PageShift() uint8

	// PermitsBlock returns true if a leaf entry may be installed at the
	// given level above the last one.
	PermitsBlock(level uint8) bool

	// IsCanonical returns true if addr is a canonical virtual address.
	IsCanonical(addr VirtAddr) bool
}

// EntryCodec converts between raw entries and their decoded form. The level
// of the entry is supplied since most layouts encode leaves differently
// depending on the level they live at.
type EntryCodec interface {
	// Encode returns an entry pointing at frame. For leaves, perms
	// selects the access permissions; for tables it is ignored and the
	// codec picks bits that defer all checks to the leaves.
	Encode(level uint8, frame pmm.Frame, perms Perm, leaf bool) Entry

	// Decode classifies entry and returns the frame and permissions it
	// carries. Empty entries return a zero frame and no permissions.
	Decode(level uint8, entry Entry) (EntryKind, pmm.Frame, Perm)

	// Empty returns the entry value used for unmapped slots.
	Empty() Entry
}

// Layout bundles the metadata and codec for a particular MMU.
type Layout interface {
	PagingMetadata
	EntryCodec
}
