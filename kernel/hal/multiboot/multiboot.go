// Package multiboot parses the multiboot2 information block that a
// bootloader hands to the kernel and exposes the parts needed to bring up
// memory management: the physical memory map and the framebuffer location.
package multiboot

import (
	"encoding/binary"

	"gopheros/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the fixed header (total size and a
	// reserved dword) at the start of the info block.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size dwords that precede
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry size and entry version
	// dwords that precede the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the minimum size of a memory map entry.
	mmapEntrySize = 24

	// framebufferTagSize is the minimum size of the framebuffer tag
	// contents.
	framebufferTagSize = 22
)

var (
	errTruncatedInfo = &kernel.Error{Module: "multiboot", Message: "multiboot info block is truncated"}
	errMalformedTag  = &kernel.Error{Module: "multiboot", Message: "multiboot info block contains a malformed tag"}
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FrameBufferTypeIndexed specifies a 256-color palette.
	FrameBufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Info is a validated view of a multiboot2 information block.
type Info struct {
	data []byte
}

// Parse validates the tag list of the info block in data and returns a view
// over it. The block is not copied; data must not be modified while the
// returned Info is in use.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errTruncatedInfo
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize || uint64(totalSize) > uint64(len(data)) {
		return nil, errTruncatedInfo
	}

	info := &Info{data: data[:totalSize]}
	for offset := uint32(infoHeaderSize); ; {
		if uint64(offset)+tagHeaderSize > uint64(totalSize) {
			return nil, errTruncatedInfo
		}

		tag := tagType(binary.LittleEndian.Uint32(info.data[offset:]))
		size := binary.LittleEndian.Uint32(info.data[offset+4:])
		if size < tagHeaderSize || uint64(offset)+uint64(size) > uint64(totalSize) {
			return nil, errMalformedTag
		}

		if tag == tagMbSectionEnd {
			return info, nil
		}

		if tag == tagMemoryMap {
			if size < tagHeaderSize+mmapHeaderSize ||
				binary.LittleEndian.Uint32(info.data[offset+tagHeaderSize:]) < mmapEntrySize {
				return nil, errMalformedTag
			}
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += (size + 7) &^ 7
	}
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	contents := info.findTagByType(tagMemoryMap)
	if contents == nil {
		return
	}

	entrySize := binary.LittleEndian.Uint32(contents)
	for entries := contents[mmapHeaderSize:]; uint32(len(entries)) >= entrySize; entries = entries[entrySize:] {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(entries),
			Length:      binary.LittleEndian.Uint64(entries[8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(entries[16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// FramebufferInfo returns information about the framebuffer initialized by
// the bootloader. The second return value is false if no framebuffer info is
// available.
func (info *Info) FramebufferInfo() (FramebufferInfo, bool) {
	contents := info.findTagByType(tagFramebufferInfo)
	if len(contents) < framebufferTagSize {
		return FramebufferInfo{}, false
	}

	return FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(contents),
		Pitch:    binary.LittleEndian.Uint32(contents[8:]),
		Width:    binary.LittleEndian.Uint32(contents[12:]),
		Height:   binary.LittleEndian.Uint32(contents[16:]),
		Bpp:      contents[20],
		Type:     FramebufferType(contents[21]),
	}, true
}

// findTagByType scans the multiboot info data looking for the specified tag
// type and returns the tag contents excluding the tag header. If the tag is
// not present, findTagByType returns nil.
func (info *Info) findTagByType(wanted tagType) []byte {
	for offset := uint32(infoHeaderSize); ; {
		tag := tagType(binary.LittleEndian.Uint32(info.data[offset:]))
		size := binary.LittleEndian.Uint32(info.data[offset+4:])

		switch tag {
		case tagMbSectionEnd:
			return nil
		case wanted:
			return info.data[offset+tagHeaderSize : offset+size]
		}

		offset += (size + 7) &^ 7
	}
}
