package vmm

import "gopheros/kernel/mem/pmm"

// x86-64 page table entry bits.
const (
	// x86FlagPresent is set when the entry is in use.
	x86FlagPresent Entry = 1 << iota

	// x86FlagRW is set if the page can be written to.
	x86FlagRW

	// x86FlagUserAccessible is set if user-mode code can access the page.
	x86FlagUserAccessible

	// x86FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	x86FlagWriteThroughCaching

	// x86FlagDoNotCache prevents the page from being cached.
	x86FlagDoNotCache

	// x86FlagAccessed is set by the CPU when the page is accessed.
	x86FlagAccessed

	// x86FlagDirty is set by the CPU when the page is modified.
	x86FlagDirty

	// x86FlagHugePage marks a 2MiB or 1GiB leaf in a PD or PDPT.
	x86FlagHugePage

	// x86FlagGlobal keeps the translation in the TLB when CR3 is reloaded.
	x86FlagGlobal

	// x86FlagNoExecute disables instruction fetches from the page.
	x86FlagNoExecute Entry = 1 << 63

	// x86PhysPageMask extracts the physical address (bits 12-51) from an
	// entry.
	x86PhysPageMask Entry = 0x000ffffffffff000
)

// X86_64Layout describes 4-level x86-64 paging with 4KiB pages and 2MiB and
// 1GiB huge pages.
type X86_64Layout struct{}

// X86_64 is the layout used by amd64 processors.
var X86_64 Layout = X86_64Layout{}

// Levels implements PagingMetadata.
func (X86_64Layout) Levels() uint8 { return 4 }

// BitsPerLevel implements PagingMetadata.
func (X86_64Layout) BitsPerLevel() uint8 { return 9 }

// PageShift implements PagingMetadata.
func (X86_64Layout) PageShift() uint8 { return 12 }

// PermitsBlock implements PagingMetadata. PDPT (1GiB) and PD (2MiB)
// entries may map huge pages.
func (X86_64Layout) PermitsBlock(level uint8) bool { return level == 1 || level == 2 }

// IsCanonical implements PagingMetadata. Bits 48-63 must be copies of bit 47.
func (X86_64Layout) IsCanonical(addr VirtAddr) bool {
	return int64(addr)<<16>>16 == int64(addr)
}

// Encode implements EntryCodec. Table entries grant every access so that
// the leaves alone decide the permissions.
func (X86_64Layout) Encode(level uint8, frame pmm.Frame, perms Perm, leaf bool) Entry {
	entry := Entry(frame.Address(12)) & x86PhysPageMask
	if !leaf {
		return entry | x86FlagPresent | x86FlagRW | x86FlagUserAccessible
	}

	entry |= x86FlagPresent
	if perms&PermWrite != 0 {
		entry |= x86FlagRW
	}
	if perms&PermUser != 0 {
		entry |= x86FlagUserAccessible
	}
	if perms&PermExecute == 0 {
		entry |= x86FlagNoExecute
	}
	if perms&PermGlobal != 0 {
		entry |= x86FlagGlobal
	}
	if perms&PermNoCache != 0 {
		entry |= x86FlagDoNotCache
	}
	if level < 3 {
		entry |= x86FlagHugePage
	}

	return entry
}

// Decode implements EntryCodec.
func (X86_64Layout) Decode(level uint8, entry Entry) (EntryKind, pmm.Frame, Perm) {
	if entry&x86FlagPresent == 0 {
		return EntryEmpty, 0, 0
	}

	frame := pmm.Frame((entry & x86PhysPageMask) >> 12)
	if level < 3 && entry&x86FlagHugePage == 0 {
		return EntryTable, frame, 0
	}

	// Present pages are always readable.
	perms := PermRead
	if entry&x86FlagRW != 0 {
		perms |= PermWrite
	}
	if entry&x86FlagUserAccessible != 0 {
		perms |= PermUser
	}
	if entry&x86FlagNoExecute == 0 {
		perms |= PermExecute
	}
	if entry&x86FlagGlobal != 0 {
		perms |= PermGlobal
	}
	if entry&x86FlagDoNotCache != 0 {
		perms |= PermNoCache
	}

	return EntryLeaf, frame, perms
}

// Empty implements EntryCodec.
func (X86_64Layout) Empty() Entry { return 0 }
