package memory

import (
	"fmt"
	"math"
)

// PageSize is the granularity of dirty tracking and RAM slot alignment.
const PageSize = 0x1000

// GuestAddress is a guest physical address.
type GuestAddress uint64

func (a GuestAddress) Raw() uint64 {
	return uint64(a)
}

func (a GuestAddress) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// CheckedAdd returns a+n and false if the sum wraps around.
func (a GuestAddress) CheckedAdd(n uint64) (GuestAddress, bool) {
	if uint64(a) > math.MaxUint64-n {
		return 0, false
	}

	return a + GuestAddress(n), true
}

// CheckedSub returns a-n and false if the difference would be negative.
func (a GuestAddress) CheckedSub(n uint64) (GuestAddress, bool) {
	if uint64(a) < n {
		return 0, false
	}

	return a - GuestAddress(n), true
}

func (a GuestAddress) SaturatingAdd(n uint64) GuestAddress {
	if sum, ok := a.CheckedAdd(n); ok {
		return sum
	}

	return math.MaxUint64
}

// OffsetFrom returns a-base, or false if a lies below base.
func (a GuestAddress) OffsetFrom(base GuestAddress) (uint64, bool) {
	if a < base {
		return 0, false
	}

	return uint64(a - base), true
}

// AlignDown rounds a down to align, which must be a power of two.
func (a GuestAddress) AlignDown(align uint64) GuestAddress {
	return a &^ GuestAddress(align-1)
}

// AlignUp rounds a up to align, which must be a power of two.
func (a GuestAddress) AlignUp(align uint64) (GuestAddress, bool) {
	sum, ok := a.CheckedAdd(align - 1)
	if !ok {
		return 0, false
	}

	return sum.AlignDown(align), true
}

func (a GuestAddress) IsAligned(align uint64) bool {
	return uint64(a)&(align-1) == 0
}

// PageIndex is the guest page frame number containing a.
func (a GuestAddress) PageIndex() uint64 {
	return uint64(a) / PageSize
}
