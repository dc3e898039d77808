package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrOutOfBounds  = errors.New("guest memory access out of bounds")
	errEmptyLayout  = errors.New("guest memory layout is empty")
	errSlotNotFound = errors.New("unable to find memory slot")
)

const (
	// PCIHoleStart and PCIHoleEnd bound the 32-bit MMIO window that guest
	// RAM is split around.
	PCIHoleStart = 0xC000_0000
	PCIHoleEnd   = 0x1_0000_0000
)

// SlotConfig describes one contiguous host allocation backing guest RAM.
type SlotConfig struct {
	Name string
	Base GuestAddress
	Size uint64
}

// SplitLayout lays out size bytes of RAM below and above the PCI hole.
func SplitLayout(size uint64) []SlotConfig {
	if size <= PCIHoleStart {
		return []SlotConfig{{Name: "ram-low", Base: 0, Size: size}}
	}

	return []SlotConfig{
		{Name: "ram-low", Base: 0, Size: PCIHoleStart},
		{Name: "ram-high", Base: PCIHoleEnd, Size: size - PCIHoleStart},
	}
}

// Slot is one host mapping of guest RAM.
type Slot struct {
	Name  string
	Index uint32
	Base  GuestAddress
	Size  uint64
	Buf   []byte

	dirty []uint64
}

func (s *Slot) End() GuestAddress {
	return s.Base + GuestAddress(s.Size)
}

// HostAddr is the userspace address of the mapping, as handed to the
// hypervisor.
func (s *Slot) HostAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&s.Buf[0])))
}

// Pages is the number of dirty-tracking pages covered by the slot.
func (s *Slot) Pages() uint64 {
	return s.Size / PageSize
}

func (s *Slot) markDirty(off, n uint64) {
	if n == 0 {
		return
	}

	for p := off / PageSize; p <= (off+n-1)/PageSize; p++ {
		atomic.OrUint64(&s.dirty[p/64], 1<<(p%64))
	}
}

// GuestMemory owns the host allocations that back guest RAM. The slot table
// is fixed at construction; all accessors are safe for concurrent use.
type GuestMemory struct {
	slots    []*Slot
	tracking atomic.Bool
}

func NewGuestMemory(layout []SlotConfig) (*GuestMemory, error) {
	if len(layout) == 0 {
		return nil, errEmptyLayout
	}

	sorted := append([]SlotConfig(nil), layout...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	m := &GuestMemory{}

	for i, c := range sorted {
		if c.Size == 0 || c.Size%PageSize != 0 || !c.Base.IsAligned(PageSize) {
			m.Close()

			return nil, fmt.Errorf("slot %q at %s size %#x: %w", c.Name, c.Base, c.Size, ErrMisaligned)
		}

		if _, ok := c.Base.CheckedAdd(c.Size); !ok {
			m.Close()

			return nil, fmt.Errorf("slot %q at %s: %w", c.Name, c.Base, ErrOutOfRange)
		}

		if i > 0 && sorted[i-1].Base+GuestAddress(sorted[i-1].Size) > c.Base {
			m.Close()

			return nil, fmt.Errorf("slot %q overlaps %q: %w", c.Name, sorted[i-1].Name, ErrOverlap)
		}

		buf, err := unix.Mmap(-1, 0, int(c.Size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			m.Close()

			return nil, fmt.Errorf("mmap slot %q: %w", c.Name, err)
		}

		pages := c.Size / PageSize

		m.slots = append(m.slots, &Slot{
			Name:  c.Name,
			Index: uint32(i),
			Base:  c.Base,
			Size:  c.Size,
			Buf:   buf,
			dirty: make([]uint64, (pages+63)/64),
		})
	}

	return m, nil
}

// Close releases every host mapping. The memory must not be used afterwards.
func (m *GuestMemory) Close() error {
	var first error

	for _, s := range m.slots {
		if s.Buf == nil {
			continue
		}

		if err := unix.Munmap(s.Buf); err != nil && first == nil {
			first = err
		}

		s.Buf = nil
	}

	return first
}

func (m *GuestMemory) Slots() []*Slot {
	return append([]*Slot(nil), m.slots...)
}

// Size is the total amount of guest RAM.
func (m *GuestMemory) Size() uint64 {
	var total uint64
	for _, s := range m.slots {
		total += s.Size
	}

	return total
}

// Pages is the total number of dirty-tracking pages.
func (m *GuestMemory) Pages() uint64 {
	return m.Size() / PageSize
}

func (m *GuestMemory) slotFor(addr GuestAddress) (*Slot, error) {
	i := sort.Search(len(m.slots), func(i int) bool { return m.slots[i].End() > addr })
	if i == len(m.slots) || m.slots[i].Base > addr {
		return nil, fmt.Errorf("%s: %w", addr, errSlotNotFound)
	}

	return m.slots[i], nil
}

type chunk struct {
	slot *Slot
	off  uint64
	n    uint64
}

// chunks splits [addr, addr+n) across adjacent slots. The whole range is
// validated before anything is returned.
func (m *GuestMemory) chunks(addr GuestAddress, n uint64) ([]chunk, error) {
	if n == 0 {
		return nil, nil
	}

	if _, ok := addr.CheckedAdd(n); !ok {
		return nil, fmt.Errorf("%s+%#x: %w", addr, n, ErrOutOfBounds)
	}

	var cs []chunk

	for cur, left := addr, n; left > 0; {
		s, err := m.slotFor(cur)
		if err != nil {
			return nil, fmt.Errorf("%s+%#x: %w", addr, n, ErrOutOfBounds)
		}

		off := uint64(cur - s.Base)
		take := min(left, s.Size-off)
		cs = append(cs, chunk{slot: s, off: off, n: take})
		cur += GuestAddress(take)
		left -= take
	}

	return cs, nil
}

func (m *GuestMemory) Read(addr GuestAddress, buf []byte) error {
	cs, err := m.chunks(addr, uint64(len(buf)))
	if err != nil {
		return err
	}

	pos := 0
	for _, c := range cs {
		pos += copy(buf[pos:], c.slot.Buf[c.off:c.off+c.n])
	}

	return nil
}

func (m *GuestMemory) Write(addr GuestAddress, buf []byte) error {
	cs, err := m.chunks(addr, uint64(len(buf)))
	if err != nil {
		return err
	}

	tracking := m.tracking.Load()
	pos := 0

	for _, c := range cs {
		pos += copy(c.slot.Buf[c.off:c.off+c.n], buf[pos:])

		if tracking {
			c.slot.markDirty(c.off, c.n)
		}
	}

	return nil
}

// ReadObject decodes a fixed-size little-endian value at addr into v.
func (m *GuestMemory) ReadObject(addr GuestAddress, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("ReadObject %T: not a fixed-size value", v)
	}

	buf := make([]byte, size)
	if err := m.Read(addr, buf); err != nil {
		return err
	}

	_, err := binary.Decode(buf, binary.LittleEndian, v)

	return err
}

// WriteObject encodes a fixed-size value little-endian at addr.
func (m *GuestMemory) WriteObject(addr GuestAddress, v any) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("WriteObject %T: not a fixed-size value", v)
	}

	buf := make([]byte, size)
	if _, err := binary.Encode(buf, binary.LittleEndian, v); err != nil {
		return err
	}

	return m.Write(addr, buf)
}

// ReadAt implements io.ReaderAt with off as a guest physical address.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if err := m.Read(GuestAddress(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt implements io.WriterAt with off as a guest physical address.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if err := m.Write(GuestAddress(off), p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// MarkDirty records a write made behind the hypervisor's back, e.g. by a
// device doing DMA into a host pointer. It is a no-op unless tracking is on.
func (m *GuestMemory) MarkDirty(addr GuestAddress, n uint64) error {
	if !m.tracking.Load() {
		return nil
	}

	cs, err := m.chunks(addr, n)
	if err != nil {
		return err
	}

	for _, c := range cs {
		c.slot.markDirty(c.off, c.n)
	}

	return nil
}

func (m *GuestMemory) DirtyTracking() bool {
	return m.tracking.Load()
}

// EnableDirtyTracking clears all dirty bits and starts recording writes.
func (m *GuestMemory) EnableDirtyTracking() {
	for _, s := range m.slots {
		for i := range s.dirty {
			atomic.StoreUint64(&s.dirty[i], 0)
		}
	}

	m.tracking.Store(true)
}

func (m *GuestMemory) DisableDirtyTracking() {
	m.tracking.Store(false)
}

// HarvestDirty returns every page marked since the previous harvest and
// clears the marks. A write racing with the harvest lands either in this
// set or the next one, never in neither.
func (m *GuestMemory) HarvestDirty() *DirtySet {
	set := NewDirtySet()

	for _, s := range m.slots {
		for i := range s.dirty {
			if w := atomic.SwapUint64(&s.dirty[i], 0); w != 0 {
				set.mergeWord(s.Base.PageIndex()+uint64(i)*64, w)
			}
		}
	}

	return set
}

// Slot looks up the slot with the given hypervisor index.
func (m *GuestMemory) Slot(index uint32) (*Slot, error) {
	for _, s := range m.slots {
		if s.Index == index {
			return s, nil
		}
	}

	return nil, fmt.Errorf("slot %d: %w", index, errSlotNotFound)
}
