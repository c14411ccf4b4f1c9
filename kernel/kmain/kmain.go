// Package kmain brings up memory management from the information handed to
// the kernel by the bootloader.
package kmain

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
)

var (
	// newAllocatorFn is used by tests to mock the frame allocator setup.
	newAllocatorFn = allocator.NewBitmapAllocator

	errNoUsableMemory = &kernel.Error{Module: "kmain", Message: "boot memory map contains no usable memory"}
	errInvalidImage   = &kernel.Error{Module: "kmain", Message: "invalid kernel image bounds"}
)

// Config describes the machine that Boot sets up.
type Config struct {
	// Layout selects the paging scheme of the kernel address space.
	Layout vmm.Layout

	// CPUs is the number of processors in the machine.
	CPUs int

	// KernelStart and KernelEnd delimit the physical memory occupied by
	// the kernel image. The range is never handed to the frame allocator.
	KernelStart, KernelEnd pmm.PhysAddr

	// DirectMapBase is the virtual address at which physical memory is
	// mapped in the kernel address space.
	DirectMapBase vmm.VirtAddr
}

// Kernel holds the memory management state set up by Boot.
type Kernel struct {
	Frames       *allocator.BitmapAllocator
	CPUs         *cpu.Set
	AddressSpace *vmm.AddressSpace
}

// Boot sets up a frame allocator for the available memory reported by the
// bootloader and builds the kernel address space:
//   - every available region is mapped read-write at DirectMapBase plus its
//     physical address
//   - the kernel image is mapped read-only and executable
//   - the framebuffer (if any) is mapped uncached
//
// The kernel address space is then activated on the first processor.
func Boot(info *multiboot.Info, cfg Config) (*Kernel, *kernel.Error) {
	pageSize := mem.SizeFromShift(cfg.Layout.PageShift())

	imageStart := mem.AlignDown(cfg.KernelStart, pmm.PhysAddr(pageSize))
	imageEnd := mem.AlignUp(cfg.KernelEnd, pmm.PhysAddr(pageSize))
	if cfg.KernelEnd < cfg.KernelStart || imageEnd < cfg.KernelEnd {
		return nil, errInvalidImage
	}

	regions := availableRegions(info, pageSize, imageStart, imageEnd)
	if len(regions) == 0 {
		return nil, errNoUsableMemory
	}

	frames, err := newAllocatorFn(cfg.Layout.PageShift(), regions...)
	if err != nil {
		return nil, err
	}

	k := &Kernel{Frames: frames, CPUs: cpu.NewSet(cfg.CPUs)}
	if k.AddressSpace, err = vmm.NewAddressSpace(k.CPUs, cfg.Layout, cfg.Layout, frames, frames); err != nil {
		frames.Release()
		return nil, err
	}

	if err = k.mapKernelSpace(info, cfg, regions, imageStart, imageEnd); err != nil {
		k.Shutdown()
		return nil, err
	}

	k.AddressSpace.Activate(k.CPUs.Processor(0))

	stats := frames.Stats()
	kfmt.Printf("[kmain] %s usable, %d table frames, root table at 0x%x\n",
		mem.Size(stats.TotalFrames)*pageSize, k.AddressSpace.TableFrames(), k.AddressSpace.RootFrame(),
	)

	return k, nil
}

func (k *Kernel) mapKernelSpace(info *multiboot.Info, cfg Config, regions []allocator.Region, imageStart, imageEnd pmm.PhysAddr) *kernel.Error {
	for _, region := range regions {
		if err := k.directMap(cfg, region.Base, region.Size, vmm.PermRead|vmm.PermWrite|vmm.PermGlobal); err != nil {
			return err
		}
	}

	if imageEnd > imageStart {
		if err := k.directMap(cfg, imageStart, mem.Size(imageEnd-imageStart), vmm.PermRead|vmm.PermExecute|vmm.PermGlobal); err != nil {
			return err
		}
	}

	if fbInfo, ok := info.FramebufferInfo(); ok {
		pageSize := pmm.PhysAddr(mem.SizeFromShift(cfg.Layout.PageShift()))
		fbStart := mem.AlignDown(pmm.PhysAddr(fbInfo.PhysAddr), pageSize)
		fbEnd := mem.AlignUp(pmm.PhysAddr(fbInfo.PhysAddr)+pmm.PhysAddr(fbInfo.Pitch)*pmm.PhysAddr(fbInfo.Height), pageSize)

		if err := k.directMap(cfg, fbStart, mem.Size(fbEnd-fbStart), vmm.PermRead|vmm.PermWrite|vmm.PermGlobal|vmm.PermNoCache); err != nil {
			return err
		}
	}

	return nil
}

func (k *Kernel) directMap(cfg Config, phys pmm.PhysAddr, size mem.Size, perms vmm.Perm) *kernel.Error {
	return k.AddressSpace.Map(cfg.DirectMapBase+vmm.VirtAddr(phys), size, phys, perms, 0)
}

// Shutdown deactivates the kernel address space, releases its tables and
// returns the memory backing the frame allocator.
func (k *Kernel) Shutdown() {
	for id := 0; id < k.CPUs.Len(); id++ {
		k.AddressSpace.Deactivate(k.CPUs.Processor(id))
	}

	if err := k.AddressSpace.Destroy(); err != nil {
		kfmt.Panic(err)
	}

	k.Frames.Release()
}

// availableRegions returns the page-aligned parts of the available memory
// regions in the boot memory map, excluding the kernel image.
func availableRegions(info *multiboot.Info, pageSize mem.Size, imageStart, imageEnd pmm.PhysAddr) []allocator.Region {
	var regions []allocator.Region

	add := func(start, end pmm.PhysAddr) {
		if end > start {
			regions = append(regions, allocator.Region{Base: start, Size: mem.Size(end - start)})
		}
	}

	info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		start := mem.AlignUp(pmm.PhysAddr(entry.PhysAddress), pmm.PhysAddr(pageSize))
		end := mem.AlignDown(pmm.PhysAddr(entry.PhysAddress+entry.Length), pmm.PhysAddr(pageSize))
		if start < pmm.PhysAddr(entry.PhysAddress) || end <= start {
			return true
		}

		if imageEnd <= start || end <= imageStart {
			add(start, end)
			return true
		}

		add(start, imageStart)
		add(imageEnd, end)
		return true
	})

	return regions
}
