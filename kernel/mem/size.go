// Package mem defines the size and alignment vocabulary shared by the
// physical and virtual memory managers.
package mem

import "strconv"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
	Tb        = 1024 * Gb
)

// SizeFromShift returns the size of a block spanning 1<<shift bytes.
func SizeFromShift(shift uint8) Size {
	return Size(1) << shift
}

// String renders the size using the largest binary unit that divides it
// exactly, e.g. 4KiB or 2MiB.
func (s Size) String() string {
	units := []struct {
		size   Size
		suffix string
	}{
		{Tb, "TiB"}, {Gb, "GiB"}, {Mb, "MiB"}, {Kb, "KiB"},
	}

	for _, u := range units {
		if s >= u.size && s%u.size == 0 {
			return strconv.FormatUint(uint64(s/u.size), 10) + u.suffix
		}
	}

	return strconv.FormatUint(uint64(s), 10) + "B"
}
