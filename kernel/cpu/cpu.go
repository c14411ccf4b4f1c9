// Package cpu models the per-processor state that the memory management code
// interacts with: the register holding the physical address of the active
// page table root and the TLB.
package cpu

import "sync/atomic"

const pdtValid = 1

// Halt stops the calling processor. When running hosted, the processor is a
// goroutine and halting it unwinds its stack with reason as the panic value.
func Halt(reason error) {
	panic(reason)
}

// Processor is a logical CPU. Its methods may be called concurrently.
type Processor struct {
	id int

	// activePDT holds the physical address of the root page table
	// currently installed on this processor with pdtValid set. Root tables
	// are page aligned so the low bit is free.
	activePDT atomic.Uint64

	tlbFlushes  atomic.Uint64
	pdtSwitches atomic.Uint64
}

// ID returns the processor index inside its Set.
func (p *Processor) ID() int { return p.id }

// SwitchPDT installs the root page table at pdtPhysAddr. Switching the root
// implicitly flushes all non-global TLB entries.
func (p *Processor) SwitchPDT(pdtPhysAddr uint64) {
	p.activePDT.Store(pdtPhysAddr | pdtValid)
	p.pdtSwitches.Add(1)
}

// ClearPDT uninstalls the active root page table, if any.
func (p *Processor) ClearPDT() {
	p.activePDT.Store(0)
}

// ActivePDT returns the physical address of the currently active root page
// table. The second return value is false if no table is installed.
func (p *Processor) ActivePDT() (uint64, bool) {
	v := p.activePDT.Load()
	return v &^ pdtValid, v&pdtValid != 0
}

// running reports whether pdtPhysAddr is the active root page table.
func (p *Processor) running(pdtPhysAddr uint64) bool {
	return p.activePDT.Load() == pdtPhysAddr|pdtValid
}

// FlushTLBEntry invalidates any cached translation for virtAddr.
func (p *Processor) FlushTLBEntry(virtAddr uint64) {
	p.tlbFlushes.Add(1)
}

// TLBFlushes returns the number of single-entry TLB invalidations executed
// by this processor.
func (p *Processor) TLBFlushes() uint64 { return p.tlbFlushes.Load() }

// PDTSwitches returns the number of root page table switches executed by this
// processor.
func (p *Processor) PDTSwitches() uint64 { return p.pdtSwitches.Load() }

// Set is a fixed group of processors sharing physical memory.
type Set struct {
	cpus []*Processor
}

// NewSet returns a Set with count processors, none of which has a page table
// installed.
func NewSet(count int) *Set {
	s := &Set{cpus: make([]*Processor, count)}
	for i := range s.cpus {
		s.cpus[i] = &Processor{id: i}
	}

	return s
}

// Len returns the number of processors in the set.
func (s *Set) Len() int { return len(s.cpus) }

// Processor returns the processor with the given index.
func (s *Set) Processor(id int) *Processor { return s.cpus[id] }

// Using returns true if any processor has the root page table at
// pdtPhysAddr installed.
func (s *Set) Using(pdtPhysAddr uint64) bool {
	for _, p := range s.cpus {
		if p.running(pdtPhysAddr) {
			return true
		}
	}

	return false
}

// FlushTLBEntry invalidates virtAddr on every processor that has the root
// page table at pdtPhysAddr installed and returns the number of processors
// that were flushed.
func (s *Set) FlushTLBEntry(pdtPhysAddr, virtAddr uint64) int {
	var flushed int
	for _, p := range s.cpus {
		if p.running(pdtPhysAddr) {
			p.FlushTLBEntry(virtAddr)
			flushed++
		}
	}

	return flushed
}
