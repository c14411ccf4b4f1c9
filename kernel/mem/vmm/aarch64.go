package vmm

import "gopheros/kernel/mem/pmm"

// AArch64 VMSAv8-64 descriptor bits for the 4KiB granule.
const (
	armValid Entry = 1 << 0

	// armTable distinguishes table descriptors from blocks at levels 0-2
	// and must be set on level 3 page descriptors.
	armTable Entry = 1 << 1

	// armAttrDevice selects MAIR index 1 (device memory); index 0 is normal
	// write-back memory.
	armAttrDevice Entry = 1 << 2

	armAPUser     Entry = 1 << 6
	armAPReadOnly Entry = 1 << 7

	armInnerShareable Entry = 3 << 8
	armAccessFlag     Entry = 1 << 10
	armNotGlobal      Entry = 1 << 11

	armPrivExecuteNever Entry = 1 << 53
	armUserExecuteNever Entry = 1 << 54

	// armOutputAddrMask extracts the output address (bits 12-47).
	armOutputAddrMask Entry = 0x0000fffffffff000
)

// AArch64Layout describes 4-level AArch64 translation tables with a 4KiB
// granule and 48-bit virtual addresses. Blocks may be installed at levels 1
// (1GiB) and 2 (2MiB).
type AArch64Layout struct{}

// AArch64 is the layout used by arm64 processors with a 4KiB granule.
var AArch64 Layout = AArch64Layout{}

// Levels implements PagingMetadata.
func (AArch64Layout) Levels() uint8 { return 4 }

// BitsPerLevel implements PagingMetadata.
func (AArch64Layout) BitsPerLevel() uint8 { return 9 }

// PageShift implements PagingMetadata.
func (AArch64Layout) PageShift() uint8 { return 12 }

// PermitsBlock implements PagingMetadata.
func (AArch64Layout) PermitsBlock(level uint8) bool { return level == 1 || level == 2 }

// IsCanonical implements PagingMetadata. Bits 48-63 must be copies of bit 47.
func (AArch64Layout) IsCanonical(addr VirtAddr) bool {
	return int64(addr)<<16>>16 == int64(addr)
}

// Encode implements EntryCodec.
func (AArch64Layout) Encode(level uint8, frame pmm.Frame, perms Perm, leaf bool) Entry {
	entry := Entry(frame.Address(12))&armOutputAddrMask | armValid
	if !leaf {
		return entry | armTable
	}

	if level == 3 {
		entry |= armTable
	}
	entry |= armAccessFlag | armInnerShareable

	if perms&PermWrite == 0 {
		entry |= armAPReadOnly
	}
	if perms&PermUser != 0 {
		entry |= armAPUser
	}
	if perms&PermExecute == 0 {
		entry |= armPrivExecuteNever | armUserExecuteNever
	}
	if perms&PermGlobal == 0 {
		entry |= armNotGlobal
	}
	if perms&PermNoCache != 0 {
		entry |= armAttrDevice
	}

	return entry
}

// Decode implements EntryCodec.
func (AArch64Layout) Decode(level uint8, entry Entry) (EntryKind, pmm.Frame, Perm) {
	if entry&armValid == 0 {
		return EntryEmpty, 0, 0
	}

	frame := pmm.Frame((entry & armOutputAddrMask) >> 12)
	switch {
	case level < 3 && entry&armTable != 0:
		return EntryTable, frame, 0
	case level == 3 && entry&armTable == 0:
		// Reserved encoding; the MMU treats it as invalid.
		return EntryEmpty, 0, 0
	}

	perms := PermRead
	if entry&armAPReadOnly == 0 {
		perms |= PermWrite
	}
	if entry&armAPUser != 0 {
		perms |= PermUser
	}
	if entry&(armPrivExecuteNever|armUserExecuteNever) == 0 {
		perms |= PermExecute
	}
	if entry&armNotGlobal == 0 {
		perms |= PermGlobal
	}
	if entry&armAttrDevice != 0 {
		perms |= PermNoCache
	}

	return EntryLeaf, frame, perms
}

// Empty implements EntryCodec.
func (AArch64Layout) Empty() Entry { return 0 }
