package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/vmcore/device"
)

var (
	ErrOverlap               = errors.New("address space occupied")
	ErrOutOfRange            = errors.New("address out of range")
	ErrMisaligned            = errors.New("misaligned region or access")
	ErrCrossesRegionBoundary = errors.New("access crosses region boundary")
	ErrRegionNotFound        = errors.New("unable to find region")
	ErrDuplicateRegion       = errors.New("region name already in use")
	ErrRegionInUse           = errors.New("region is the target of an alias")
	errAliasTooDeep          = errors.New("alias chain too deep")
)

const maxAliasDepth = 4

// FlatRange is one piece of the flattened view: the half-open interval
// [Start, End) is owned by Region, and its first byte maps to Offset in the
// resolved backing (a RAM slot or a device).
type FlatRange struct {
	Start   GuestAddress
	End     GuestAddress
	Region  *Region
	Backing Kind
	Offset  uint64
}

// Target is the result of a translation.
type Target struct {
	Addr   GuestAddress
	Region *Region

	// Set for RAM targets. Host aliases guest memory and is exactly as
	// long as the translated access.
	Slot *Slot
	Host []byte

	// Set for device targets.
	Device *device.Handle

	// Offset into the slot for RAM, or relative to the device region base.
	Offset uint64
}

func (t Target) IsRAM() bool {
	return t.Slot != nil
}

// AddressSpace is a priority-aware region tree flattened into a sorted,
// non-overlapping sequence of ranges.
type AddressSpace struct {
	Name string

	mu       sync.RWMutex
	regions  map[string]*Region
	flat     []FlatRange
	revision atomic.Uint64
}

func NewAddressSpace(name string) *AddressSpace {
	return &AddressSpace{
		Name:    name,
		regions: make(map[string]*Region),
	}
}

// Revision changes every time the flattened view is rebuilt.
func (a *AddressSpace) Revision() uint64 {
	return a.revision.Load()
}

func (a *AddressSpace) AddRegion(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("%s: region %q has zero size: %w", a.Name, r.Name, ErrMisaligned)
	}

	if _, ok := r.Base.CheckedAdd(r.Size); !ok {
		return fmt.Errorf("%s: region %q at %s: %w", a.Name, r.Name, r.Base, ErrOutOfRange)
	}

	if _, ok := r.Kind.(RAM); ok {
		if !r.Base.IsAligned(PageSize) || r.Size%PageSize != 0 {
			return fmt.Errorf("%s: ram region %q at %s size %#x: %w",
				a.Name, r.Name, r.Base, r.Size, ErrMisaligned)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.regions[r.Name]; ok {
		return fmt.Errorf("%s: %q: %w", a.Name, r.Name, ErrDuplicateRegion)
	}

	if err := a.validateKind(&r); err != nil {
		return err
	}

	for _, o := range a.regions {
		if o.Priority == r.Priority && o.Overlaps(&r) {
			return fmt.Errorf("%s: %q [%s, %s) overlaps %q: %w",
				a.Name, r.Name, r.Base, r.End(), o.Name, ErrOverlap)
		}
	}

	region := r
	a.regions[r.Name] = &region

	if err := a.rebuild(); err != nil {
		delete(a.regions, r.Name)

		return err
	}

	return nil
}

func (a *AddressSpace) validateKind(r *Region) error {
	switch k := r.Kind.(type) {
	case RAM:
		if k.Slot == nil || k.Offset+r.Size > k.Slot.Size {
			return fmt.Errorf("%s: ram region %q exceeds its slot: %w", a.Name, r.Name, ErrOutOfRange)
		}
	case Device:
		if k.Handle == nil {
			return fmt.Errorf("%s: device region %q has no handle: %w", a.Name, r.Name, ErrRegionNotFound)
		}
	case Alias:
		t, ok := a.regions[k.Target]
		if !ok {
			return fmt.Errorf("%s: alias %q target %q: %w", a.Name, r.Name, k.Target, ErrRegionNotFound)
		}

		if k.Offset+r.Size > t.Size {
			return fmt.Errorf("%s: alias %q exceeds target %q: %w", a.Name, r.Name, k.Target, ErrOutOfRange)
		}
	default:
		return fmt.Errorf("%s: region %q has no kind: %w", a.Name, r.Name, ErrRegionNotFound)
	}

	return nil
}

func (a *AddressSpace) RemoveRegion(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.regions[name]; !ok {
		return fmt.Errorf("%s: %q: %w", a.Name, name, ErrRegionNotFound)
	}

	for _, o := range a.regions {
		if al, ok := o.Kind.(Alias); ok && al.Target == name {
			return fmt.Errorf("%s: %q aliased by %q: %w", a.Name, name, o.Name, ErrRegionInUse)
		}
	}

	delete(a.regions, name)

	return a.rebuild()
}

// Regions returns a copy of every region sorted by base and priority.
func (a *AddressSpace) Regions() []Region {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rs := make([]Region, 0, len(a.regions))
	for _, r := range a.regions {
		rs = append(rs, *r)
	}

	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Base != rs[j].Base {
			return rs[i].Base < rs[j].Base
		}

		return rs[i].Priority > rs[j].Priority
	})

	return rs
}

// FlatView returns the current flattened view.
func (a *AddressSpace) FlatView() []FlatRange {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return append([]FlatRange(nil), a.flat...)
}

// Translate resolves [addr, addr+n) to a single backing.
func (a *AddressSpace) Translate(addr GuestAddress, n uint64) (Target, error) {
	t, _, err := a.translate(addr, n)

	return t, err
}

func (a *AddressSpace) translate(addr GuestAddress, n uint64) (Target, FlatRange, error) {
	if n == 0 {
		return Target{}, FlatRange{}, fmt.Errorf("%s: zero length access at %s: %w", a.Name, addr, ErrMisaligned)
	}

	end, ok := addr.CheckedAdd(n)
	if !ok {
		return Target{}, FlatRange{}, fmt.Errorf("%s: %s+%#x: %w", a.Name, addr, n, ErrOutOfRange)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	i := sort.Search(len(a.flat), func(i int) bool { return a.flat[i].End > addr })
	if i == len(a.flat) || a.flat[i].Start > addr {
		return Target{}, FlatRange{}, fmt.Errorf("%s: %s: %w", a.Name, addr, ErrOutOfRange)
	}

	fr := a.flat[i]
	if end > fr.End {
		if i+1 < len(a.flat) && a.flat[i+1].Start == fr.End {
			return Target{}, FlatRange{}, fmt.Errorf("%s: %s+%#x leaves %q: %w",
				a.Name, addr, n, fr.Region.Name, ErrCrossesRegionBoundary)
		}

		return Target{}, FlatRange{}, fmt.Errorf("%s: %s+%#x: %w", a.Name, addr, n, ErrOutOfRange)
	}

	return fr.target(addr, n), fr, nil
}

func (fr FlatRange) target(addr GuestAddress, n uint64) Target {
	off := fr.Offset + uint64(addr-fr.Start)
	t := Target{Addr: addr, Region: fr.Region, Offset: off}

	switch k := fr.Backing.(type) {
	case RAM:
		t.Slot = k.Slot
		t.Host = k.Slot.Buf[off : off+n : off+n]
	case Device:
		t.Device = k.Handle
	}

	return t
}

func (fr FlatRange) contains(addr GuestAddress, n uint64) bool {
	end, ok := addr.CheckedAdd(n)

	return ok && addr >= fr.Start && end <= fr.End
}

// rebuild recomputes the flat view. Callers hold the write lock.
func (a *AddressSpace) rebuild() error {
	ordered := make([]*Region, 0, len(a.regions))
	points := make([]GuestAddress, 0, 2*len(a.regions))

	for _, r := range a.regions {
		ordered = append(ordered, r)
		points = append(points, r.Base, r.End())
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}

		return ordered[i].Name < ordered[j].Name
	})
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var flat []FlatRange

	for i := 0; i+1 < len(points); i++ {
		s, e := points[i], points[i+1]
		if s == e {
			continue
		}

		var owner *Region

		for _, r := range ordered {
			if r.Base <= s && e <= r.End() {
				owner = r

				break
			}
		}

		if owner == nil {
			continue
		}

		if n := len(flat); n > 0 && flat[n-1].Region == owner && flat[n-1].End == s {
			flat[n-1].End = e

			continue
		}

		backing, off, err := a.resolve(owner, uint64(s-owner.Base), 0)
		if err != nil {
			return err
		}

		flat = append(flat, FlatRange{Start: s, End: e, Region: owner, Backing: backing, Offset: off})
	}

	a.flat = flat
	a.revision.Add(1)

	return nil
}

// resolve follows aliases until it reaches a RAM or Device backing and
// returns the offset of off (relative to r.Base) inside that backing.
func (a *AddressSpace) resolve(r *Region, off uint64, depth int) (Kind, uint64, error) {
	switch k := r.Kind.(type) {
	case RAM:
		return k, k.Offset + off, nil
	case Device:
		return k, off, nil
	case Alias:
		if depth >= maxAliasDepth {
			return nil, 0, fmt.Errorf("%s: %q: %w", a.Name, r.Name, errAliasTooDeep)
		}

		t, ok := a.regions[k.Target]
		if !ok {
			return nil, 0, fmt.Errorf("%s: alias target %q: %w", a.Name, k.Target, ErrRegionNotFound)
		}

		return a.resolve(t, k.Offset+off, depth+1)
	}

	return nil, 0, fmt.Errorf("%s: region %q has no kind: %w", a.Name, r.Name, ErrRegionNotFound)
}

// TranslationCache remembers the last flat range it resolved and drops it
// as soon as the address space revision changes. It is not safe for
// concurrent use; each vCPU owns one.
type TranslationCache struct {
	as       *AddressSpace
	revision uint64
	last     FlatRange
	valid    bool
}

func NewTranslationCache(as *AddressSpace) *TranslationCache {
	return &TranslationCache{as: as}
}

func (c *TranslationCache) Translate(addr GuestAddress, n uint64) (Target, error) {
	if c.valid && c.as.Revision() == c.revision && c.last.contains(addr, n) {
		return c.last.target(addr, n), nil
	}

	rev := c.as.Revision()

	t, fr, err := c.as.translate(addr, n)
	if err != nil {
		c.valid = false

		return Target{}, err
	}

	c.last, c.revision, c.valid = fr, rev, true

	return t, nil
}
