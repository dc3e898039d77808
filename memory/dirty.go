package memory

import (
	"github.com/bits-and-blooms/bitset"
)

// DirtySet is a set of guest pages, indexed by page frame number.
type DirtySet struct {
	bits *bitset.BitSet
}

// Run is a contiguous range of dirty guest memory.
type Run struct {
	Addr GuestAddress
	Len  uint64
}

func NewDirtySet() *DirtySet {
	return &DirtySet{bits: bitset.New(0)}
}

// Add marks every page touched by [addr, addr+n).
func (d *DirtySet) Add(addr GuestAddress, n uint64) {
	if n == 0 {
		return
	}

	last := addr.SaturatingAdd(n - 1).PageIndex()
	for p := addr.PageIndex(); p <= last; p++ {
		d.bits.Set(uint(p))
	}
}

func (d *DirtySet) Contains(addr GuestAddress) bool {
	return d.bits.Test(uint(addr.PageIndex()))
}

// Len is the number of dirty pages.
func (d *DirtySet) Len() uint64 {
	return uint64(d.bits.Count())
}

func (d *DirtySet) Union(o *DirtySet) {
	d.bits.InPlaceUnion(o.bits)
}

// MergeBitmap ORs a hypervisor dirty log into the set. Bit i of the bitmap
// is the page at base + i*PageSize.
func (d *DirtySet) MergeBitmap(base GuestAddress, bitmap []uint64) {
	for i, w := range bitmap {
		if w != 0 {
			d.mergeWord(base.PageIndex()+uint64(i)*64, w)
		}
	}
}

func (d *DirtySet) mergeWord(first uint64, w uint64) {
	for b := uint64(0); b < 64; b++ {
		if w&(1<<b) != 0 {
			d.bits.Set(uint(first + b))
		}
	}
}

// Pages returns the base address of every dirty page in ascending order.
func (d *DirtySet) Pages() []GuestAddress {
	pages := make([]GuestAddress, 0, d.bits.Count())
	for i, ok := d.bits.NextSet(0); ok; i, ok = d.bits.NextSet(i + 1) {
		pages = append(pages, GuestAddress(uint64(i)*PageSize))
	}

	return pages
}

// Runs coalesces adjacent dirty pages into runs of at most maxLen bytes.
func (d *DirtySet) Runs(maxLen uint64) []Run {
	var runs []Run

	for i, ok := d.bits.NextSet(0); ok; i, ok = d.bits.NextSet(i + 1) {
		addr := GuestAddress(uint64(i) * PageSize)
		if n := len(runs); n > 0 && runs[n-1].Addr+GuestAddress(runs[n-1].Len) == addr &&
			runs[n-1].Len+PageSize <= maxLen {
			runs[n-1].Len += PageSize

			continue
		}

		runs = append(runs, Run{Addr: addr, Len: PageSize})
	}

	return runs
}

func (d *DirtySet) Clear() {
	d.bits.ClearAll()
}
