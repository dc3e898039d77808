package memory

import (
	"github.com/bobuhiro11/vmcore/device"
)

// Kind describes what backs a region. It is one of RAM, Device or Alias.
type Kind interface {
	kind() string
}

// RAM regions are backed by host memory. Offset is the position of the
// region base inside the slot.
type RAM struct {
	Slot   *Slot
	Offset uint64
}

// Device regions forward accesses to an emulated device. Offsets seen by the
// device are relative to the region base.
type Device struct {
	Handle *device.Handle
}

// Alias regions expose a window of another region, starting Offset bytes
// into the target.
type Alias struct {
	Target string
	Offset uint64
}

func (RAM) kind() string    { return "ram" }
func (Device) kind() string { return "device" }
func (Alias) kind() string  { return "alias" }

// Region is a named range of guest physical address space. A higher
// Priority shadows lower ones where they overlap; regions of equal priority
// must not overlap.
type Region struct {
	Name     string
	Base     GuestAddress
	Size     uint64
	Priority int
	Kind     Kind
}

// End is the exclusive end of the region.
func (r *Region) End() GuestAddress {
	return r.Base + GuestAddress(r.Size)
}

func (r *Region) Contains(addr GuestAddress) bool {
	return addr >= r.Base && addr < r.End()
}

func (r *Region) Overlaps(o *Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r *Region) KindName() string {
	if r.Kind == nil {
		return "none"
	}

	return r.Kind.kind()
}
