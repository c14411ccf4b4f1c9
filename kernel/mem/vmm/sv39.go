package vmm

import "gopheros/kernel/mem/pmm"

// RISC-V Sv39 page table entry bits.
const (
	sv39Valid Entry = 1 << iota
	sv39Read
	sv39Write
	sv39Execute
	sv39User
	sv39Global
	sv39Accessed
	sv39Dirty

	// sv39PPNShift is the position of the physical page number within an
	// entry.
	sv39PPNShift = 10

	// sv39PPNMask extracts the 44-bit physical page number after shifting.
	sv39PPNMask Entry = 1<<44 - 1

	sv39LeafMask = sv39Read | sv39Write | sv39Execute
)

// Sv39Layout describes the RISC-V Sv39 scheme: 3 levels, 4KiB pages and
// 39-bit virtual addresses. Megapages (2MiB) and gigapages (1GiB) may be
// installed at levels 1 and 0. Sv39 has no per-page cache control so
// PermNoCache is dropped.
type Sv39Layout struct{}

// Sv39 is the layout used by RV64 harts running in Sv39 mode.
var Sv39 Layout = Sv39Layout{}

// Levels implements PagingMetadata.
func (Sv39Layout) Levels() uint8 { return 3 }

// BitsPerLevel implements PagingMetadata.
func (Sv39Layout) BitsPerLevel() uint8 { return 9 }

// PageShift implements PagingMetadata.
func (Sv39Layout) PageShift() uint8 { return 12 }

// PermitsBlock implements PagingMetadata.
func (Sv39Layout) PermitsBlock(level uint8) bool { return level < 2 }

// IsCanonical implements PagingMetadata. Bits 39-63 must be copies of bit 38.
func (Sv39Layout) IsCanonical(addr VirtAddr) bool {
	return int64(addr)<<25>>25 == int64(addr)
}

// Encode implements EntryCodec. An entry with R, W and X clear points to
// the next table, so leaves always carry at least R.
func (Sv39Layout) Encode(_ uint8, frame pmm.Frame, perms Perm, leaf bool) Entry {
	entry := (Entry(frame)&sv39PPNMask)<<sv39PPNShift | sv39Valid
	if !leaf {
		return entry
	}

	// Accessed and dirty are preset so the hart never faults to update
	// them.
	entry |= sv39Accessed | sv39Dirty

	// W without R is reserved.
	if perms&(PermRead|PermWrite) != 0 || perms&PermExecute == 0 {
		entry |= sv39Read
	}
	if perms&PermWrite != 0 {
		entry |= sv39Write
	}
	if perms&PermExecute != 0 {
		entry |= sv39Execute
	}
	if perms&PermUser != 0 {
		entry |= sv39User
	}
	if perms&PermGlobal != 0 {
		entry |= sv39Global
	}

	return entry
}

// Decode implements EntryCodec.
func (Sv39Layout) Decode(_ uint8, entry Entry) (EntryKind, pmm.Frame, Perm) {
	if entry&sv39Valid == 0 {
		return EntryEmpty, 0, 0
	}

	frame := pmm.Frame((entry >> sv39PPNShift) & sv39PPNMask)
	if entry&sv39LeafMask == 0 {
		return EntryTable, frame, 0
	}

	var perms Perm
	if entry&sv39Read != 0 {
		perms |= PermRead
	}
	if entry&sv39Write != 0 {
		perms |= PermWrite
	}
	if entry&sv39Execute != 0 {
		perms |= PermExecute
	}
	if entry&sv39User != 0 {
		perms |= PermUser
	}
	if entry&sv39Global != 0 {
		perms |= PermGlobal
	}

	return EntryLeaf, frame, perms
}

// Empty implements EntryCodec.
func (Sv39Layout) Empty() Entry { return 0 }
