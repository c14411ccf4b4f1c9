// Package vmm implements architecture independent multi-level page tables.
//
// A PageTables value owns a root table frame and every intermediate table
// frame reachable from it. The layout of individual entries and the address
// space geometry are supplied by a PagingMetadata and an EntryCodec, so the
// same code serves every supported MMU. Physical frames for tables are
// obtained from a pmm.FrameProvider and accessed via pmm.PhysicalMemory.
//
// PageTables performs no locking. Callers must ensure that mutating calls
// (Map, Unmap, Remap, Teardown) are never concurrent with any other call on
// the same PageTables; Query and Walk may run concurrently with each other.
// AddressSpace provides that serialization.
package vmm

import "gopheros/kernel"

var (
	// ErrAlreadyMapped is returned by Map when part of the requested range
	// is already covered by a mapping.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address range is already mapped"}

	// ErrNotMapped is returned when an operation requires an existing
	// mapping for every page in a range and at least one page is unmapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrPartialHugePage is returned when an operation would have to
	// modify part of a huge page mapping and cannot split it.
	ErrPartialHugePage = &kernel.Error{Module: "vmm", Message: "range covers part of a huge page mapping"}

	// ErrInvalidAddress is returned for empty, overflowing, misaligned or
	// non-canonical ranges.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "invalid or non-canonical address range"}

	// ErrUnsupportedPageSize is returned by Map when the page size hint
	// does not match a leaf size supported by the paging layout.
	ErrUnsupportedPageSize = &kernel.Error{Module: "vmm", Message: "unsupported page size"}

	// ErrUnsupportedLayout is returned by NewPageTables when the paging
	// metadata describes a geometry that cannot be represented.
	ErrUnsupportedLayout = &kernel.Error{Module: "vmm", Message: "unsupported paging layout"}

	// ErrTornDown is the fatal error raised when page tables are used
	// after Teardown.
	ErrTornDown = &kernel.Error{Module: "vmm", Message: "page tables used after teardown"}

	// ErrAddressSpaceActive is returned by AddressSpace.Destroy while a
	// processor still has the address space installed.
	ErrAddressSpaceActive = &kernel.Error{Module: "vmm", Message: "address space is active on a processor"}

	// errCorruptTable is raised when teardown finds a table that breaks
	// the page table invariants.
	errCorruptTable = &kernel.Error{Module: "vmm", Message: "corrupt page table detected"}
)
