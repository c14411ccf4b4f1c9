package mem

import "golang.org/x/exp/constraints"

// AlignDown rounds v down to a multiple of align. align must be a power of 2.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align. align must be a power of 2. The
// result wraps around if v is within align-1 of the maximum value of T.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// IsAligned returns true if v is a multiple of align. align must be a power
// of 2.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}
