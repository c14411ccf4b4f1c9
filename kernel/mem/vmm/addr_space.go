package vmm

import (
	"iter"
	"sync"

	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// AddressSpace wraps a set of page tables that can be installed on the
// processors of a cpu.Set. Unlike PageTables, its methods are safe for
// concurrent use: mutations are exclusive while any number of Query and Walk
// calls may run in parallel. Whenever a leaf entry changes, the affected
// translation is flushed from every processor running the address space.
type AddressSpace struct {
	mu   sync.RWMutex
	cpus *cpu.Set
	pt   *PageTables
	root pmm.PhysAddr
}

// NewAddressSpace creates an empty address space using the supplied layout.
// The opts are passed through to NewPageTables; a WithFlushFn option is
// overridden.
func NewAddressSpace(cpus *cpu.Set, meta PagingMetadata, codec EntryCodec, frames pmm.FrameProvider, memory pmm.PhysicalMemory, opts ...Option) (*AddressSpace, *kernel.Error) {
	as := &AddressSpace{cpus: cpus}

	opts = append(opts, WithFlushFn(as.flushTLBEntry))
	pt, err := NewPageTables(meta, codec, frames, memory, opts...)
	if err != nil {
		return nil, err
	}

	as.pt, as.root = pt, pt.RootFrame()
	return as, nil
}

// flushTLBEntry invalidates the entry translating addr on the processors
// running this address space. A single invalidation covers the whole entry
// regardless of its size. It is called by the page tables while the write
// lock is held.
func (as *AddressSpace) flushTLBEntry(addr VirtAddr, _ mem.Size) {
	as.cpus.FlushTLBEntry(uint64(as.root), uint64(addr))
}

// Map establishes a mapping for [start, start+size). See PageTables.Map.
func (as *AddressSpace) Map(start VirtAddr, size mem.Size, phys pmm.PhysAddr, perms Perm, pageSize mem.Size) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.pt.Map(start, size, phys, perms, pageSize)
}

// Unmap removes the mappings for [start, start+size). See PageTables.Unmap.
func (as *AddressSpace) Unmap(start VirtAddr, size mem.Size) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.pt.Unmap(start, size)
}

// Remap changes the permissions of [start, start+size). See PageTables.Remap.
func (as *AddressSpace) Remap(start VirtAddr, size mem.Size, perms Perm) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.pt.Remap(start, size, perms)
}

// Query returns the translation for addr. See PageTables.Query.
func (as *AddressSpace) Query(addr VirtAddr) (Translation, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.pt.Query(addr)
}

// Walk returns the regions covering [start, start+size). The read lock is
// held for as long as the returned sequence is being iterated.
func (as *AddressSpace) Walk(start VirtAddr, size mem.Size) iter.Seq[Region] {
	return func(yield func(Region) bool) {
		as.mu.RLock()
		defer as.mu.RUnlock()

		for region := range as.pt.Walk(start, size) {
			if !yield(region) {
				return
			}
		}
	}
}

// RootFrame returns the physical address of the root table.
func (as *AddressSpace) RootFrame() pmm.PhysAddr { return as.root }

// TableFrames returns the number of table frames owned by the address space.
func (as *AddressSpace) TableFrames() int {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.pt.TableFrames()
}

// Activate installs the address space on p.
func (as *AddressSpace) Activate(p *cpu.Processor) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	as.pt.live()
	p.SwitchPDT(uint64(as.root))
}

// Deactivate uninstalls the address space from p if it is the active one.
func (as *AddressSpace) Deactivate(p *cpu.Processor) {
	if active, ok := p.ActivePDT(); ok && active == uint64(as.root) {
		p.ClearPDT()
	}
}

// Destroy releases all table frames of the address space. It fails with
// ErrAddressSpaceActive while any processor still has the address space
// installed. The address space must not be used after a successful call.
func (as *AddressSpace) Destroy() *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cpus.Using(uint64(as.root)) {
		return ErrAddressSpaceActive
	}

	as.pt.Teardown()
	return nil
}
