package vmm

import (
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// Perm describes the access permissions and attributes of a mapping. Each
// EntryCodec maps them onto its own entry bits; flags that a layout cannot
// express are dropped on encode.
type Perm uint16

const (
	// PermRead allows reads from the mapped page. Some layouts (e.g.
	// x86-64) cannot express non-readable pages and always report it.
	PermRead Perm = 1 << iota

	// PermWrite allows writes to the mapped page.
	PermWrite

	// PermExecute allows instruction fetches from the mapped page.
	PermExecute

	// PermUser makes the page accessible from user-mode.
	PermUser

	// PermGlobal keeps the translation cached across address space
	// switches.
	PermGlobal

	// PermNoCache disables caching for the page (e.g. device memory).
	PermNoCache
)

// String renders the permissions as a fixed-width flag string, e.g. "rw-u--".
func (p Perm) String() string {
	const flags = "rwxugc"

	out := []byte("------")
	for bit := range out {
		if p&(1<<bit) != 0 {
			out[bit] = flags[bit]
		}
	}

	return string(out)
}

// Translation describes the result of a successful Query.
type Translation struct {
	// Phys is the physical address that the queried virtual address
	// translates to.
	Phys pmm.PhysAddr

	// Perms are the permissions of the leaf entry.
	Perms Perm

	// PageSize is the size of the region covered by the leaf entry.
	PageSize mem.Size
}

// Region is a contiguous part of a walked virtual address range.
type Region struct {
	// Start is the first virtual address of the region.
	Start VirtAddr

	// Size is the length of the region.
	Size mem.Size

	// Kind is EntryLeaf for mapped regions and EntryEmpty for gaps.
	Kind EntryKind

	// Phys is the physical address that Start translates to. Only valid
	// for mapped regions.
	Phys pmm.PhysAddr

	// Perms are the permissions of the leaf entry. Only valid for mapped
	// regions.
	Perms Perm

	// PageSize is the size of the leaf entry that maps the region. Only
	// valid for mapped regions.
	PageSize mem.Size
}
