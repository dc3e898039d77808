package memory_test

import (
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSlot(t *testing.T, size uint64) (*memory.GuestMemory, *memory.Slot) {
	t.Helper()

	mem, err := memory.NewGuestMemory([]memory.SlotConfig{{Name: "ram", Size: size}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = mem.Close() })

	return mem, mem.Slots()[0]
}

func newHandle(id string) *device.Handle {
	return device.NewHandle(id, device.NewPostCodeDevice(io.Discard))
}

// ram [0x0, 0x1000) at priority 0 with a device at [0x800, 0x900) above it.
func ramWithHole(t *testing.T) (*memory.AddressSpace, *memory.GuestMemory, *device.Handle) {
	t.Helper()

	mem, slot := newSlot(t, 0x1000)
	h := newHandle("mmio")
	as := memory.NewAddressSpace("test")

	require.NoError(t, as.AddRegion(memory.Region{
		Name: "ram", Base: 0, Size: 0x1000, Kind: memory.RAM{Slot: slot},
	}))
	require.NoError(t, as.AddRegion(memory.Region{
		Name: "mmio", Base: 0x800, Size: 0x100, Priority: 1, Kind: memory.Device{Handle: h},
	}))

	return as, mem, h
}

func TestTranslateShadowedRAM(t *testing.T) {
	t.Parallel()

	as, mem, h := ramWithHole(t)

	dev, err := as.Translate(0x850, 4)
	require.NoError(t, err)
	assert.False(t, dev.IsRAM())
	assert.Same(t, h, dev.Device)
	assert.Equal(t, uint64(0x50), dev.Offset, "device offsets are relative to the region base")

	ram, err := as.Translate(0x100, 4)
	require.NoError(t, err)
	assert.True(t, ram.IsRAM())
	assert.Equal(t, uint64(0x100), ram.Offset)
	assert.Len(t, ram.Host, 4)

	require.NoError(t, mem.Write(0x100, []byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, ram.Host)

	// The RAM above the hole keeps its own offset into the slot.
	above, err := as.Translate(0x900, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x900), above.Offset)

	_, err = as.Translate(0xff0, 32)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)

	_, err = as.Translate(0x7f0, 0x20)
	assert.ErrorIs(t, err, memory.ErrCrossesRegionBoundary)

	_, err = as.Translate(0x2000, 1)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)

	_, err = as.Translate(0x100, 0)
	assert.ErrorIs(t, err, memory.ErrMisaligned)

	_, err = as.Translate(^memory.GuestAddress(0), 2)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)

	flat := as.FlatView()
	require.Len(t, flat, 3)
	assert.Equal(t, []string{"ram", "mmio", "ram"},
		[]string{flat[0].Region.Name, flat[1].Region.Name, flat[2].Region.Name})
}

func TestTranslateIdempotent(t *testing.T) {
	t.Parallel()

	as, _, _ := ramWithHole(t)

	first, err := as.Translate(0x880, 2)
	require.NoError(t, err)

	for range 10 {
		again, err := as.Translate(0x880, 2)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAddRegionErrors(t *testing.T) {
	t.Parallel()

	as, _, _ := ramWithHole(t)
	_, slot := newSlot(t, 0x2000)

	for name, tt := range map[string]struct {
		region memory.Region
		want   error
	}{
		"same priority overlap": {
			memory.Region{Name: "dev2", Base: 0x8f0, Size: 0x20, Priority: 1, Kind: memory.Device{Handle: newHandle("d")}},
			memory.ErrOverlap,
		},
		"duplicate name": {
			memory.Region{Name: "mmio", Base: 0x5000, Size: 0x10, Kind: memory.Device{Handle: newHandle("d")}},
			memory.ErrDuplicateRegion,
		},
		"zero size": {
			memory.Region{Name: "empty", Base: 0x5000, Kind: memory.Device{Handle: newHandle("d")}},
			memory.ErrMisaligned,
		},
		"misaligned ram": {
			memory.Region{Name: "ram2", Base: 0x5010, Size: 0x1000, Kind: memory.RAM{Slot: slot}},
			memory.ErrMisaligned,
		},
		"ram past slot": {
			memory.Region{Name: "ram2", Base: 0x5000, Size: 0x2000, Kind: memory.RAM{Slot: slot, Offset: 0x1000}},
			memory.ErrOutOfRange,
		},
		"wraps": {
			memory.Region{Name: "top", Base: ^memory.GuestAddress(0), Size: 2, Kind: memory.Device{Handle: newHandle("d")}},
			memory.ErrOutOfRange,
		},
		"no handle": {
			memory.Region{Name: "dev3", Base: 0x5000, Size: 0x10, Kind: memory.Device{}},
			memory.ErrRegionNotFound,
		},
		"alias to nothing": {
			memory.Region{Name: "a", Base: 0x5000, Size: 0x10, Kind: memory.Alias{Target: "rom"}},
			memory.ErrRegionNotFound,
		},
		"alias past target": {
			memory.Region{Name: "a", Base: 0x5000, Size: 0x100, Kind: memory.Alias{Target: "mmio", Offset: 0x80}},
			memory.ErrOutOfRange,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.ErrorIs(t, as.AddRegion(tt.region), tt.want)
		})
	}
}

func TestHighestPriorityWins(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	as := memory.NewAddressSpace("random")

	var regions []memory.Region

	// Distinct priorities never conflict, so every add must succeed.
	for i := range 32 {
		r := memory.Region{
			Name:     fmt.Sprintf("r%d", i),
			Base:     memory.GuestAddress(rng.Intn(0x10000)),
			Size:     uint64(1 + rng.Intn(0x2000)),
			Priority: rng.Intn(1000)*100 + i,
			Kind:     memory.Device{Handle: newHandle(fmt.Sprintf("d%d", i))},
		}
		require.NoError(t, as.AddRegion(r))

		regions = append(regions, r)
	}

	for range 2000 {
		addr := memory.GuestAddress(rng.Intn(0x12000))

		var want *memory.Region

		for i := range regions {
			r := &regions[i]
			if r.Contains(addr) && (want == nil || r.Priority > want.Priority) {
				want = r
			}
		}

		got, err := as.Translate(addr, 1)
		if want == nil {
			assert.ErrorIs(t, err, memory.ErrOutOfRange, "%s", addr)

			continue
		}

		require.NoError(t, err, "%s", addr)
		assert.Equal(t, want.Name, got.Region.Name, "%s", addr)
		assert.Equal(t, uint64(addr-want.Base), got.Offset, "%s", addr)
	}
}

func TestAlias(t *testing.T) {
	t.Parallel()

	as, mem, _ := ramWithHole(t)

	require.NoError(t, as.AddRegion(memory.Region{
		Name: "window", Base: 0x10000, Size: 0x100, Kind: memory.Alias{Target: "ram", Offset: 0x200},
	}))

	require.NoError(t, mem.Write(0x210, []byte("abcd")))

	got, err := as.Translate(0x10010, 4)
	require.NoError(t, err)
	require.True(t, got.IsRAM())
	assert.Equal(t, uint64(0x210), got.Offset)
	assert.Equal(t, []byte("abcd"), got.Host)

	assert.ErrorIs(t, as.RemoveRegion("ram"), memory.ErrRegionInUse)
	require.NoError(t, as.RemoveRegion("window"))
	require.NoError(t, as.RemoveRegion("ram"))
	assert.ErrorIs(t, as.RemoveRegion("ram"), memory.ErrRegionNotFound)
}

func TestAliasChainDepth(t *testing.T) {
	t.Parallel()

	as, _, _ := ramWithHole(t)

	target := "ram"

	for i := 1; i <= 4; i++ {
		name := fmt.Sprintf("a%d", i)
		require.NoError(t, as.AddRegion(memory.Region{
			Name: name, Base: memory.GuestAddress(i * 0x10000), Size: 0x100, Kind: memory.Alias{Target: target},
		}))

		target = name
	}

	rev := as.Revision()

	err := as.AddRegion(memory.Region{
		Name: "a5", Base: 0x50000, Size: 0x100, Kind: memory.Alias{Target: target},
	})
	require.Error(t, err)
	assert.Equal(t, rev, as.Revision(), "a rejected region leaves the view alone")

	for _, r := range as.Regions() {
		assert.NotEqual(t, "a5", r.Name)
	}

	got, err := as.Translate(0x40000, 1)
	require.NoError(t, err)
	assert.True(t, got.IsRAM())
}

func TestTranslationCache(t *testing.T) {
	t.Parallel()

	as, _, h := ramWithHole(t)
	cache := memory.NewTranslationCache(as)

	got, err := cache.Translate(0x850, 4)
	require.NoError(t, err)
	assert.Same(t, h, got.Device)

	got, err = cache.Translate(0x860, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x60), got.Offset)

	rev := as.Revision()
	require.NoError(t, as.RemoveRegion("mmio"))
	assert.Greater(t, as.Revision(), rev)

	got, err = cache.Translate(0x850, 4)
	require.NoError(t, err)
	assert.True(t, got.IsRAM(), "a stale cache entry must not survive a topology change")

	_, err = cache.Translate(0x1000, 4)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)
}

func TestRegionsSorted(t *testing.T) {
	t.Parallel()

	as, _, _ := ramWithHole(t)

	rs := as.Regions()
	require.Len(t, rs, 2)
	assert.Equal(t, "ram", rs[0].Name)
	assert.Equal(t, "mmio", rs[1].Name)
	assert.Equal(t, "device", rs[1].KindName())
	assert.Equal(t, memory.GuestAddress(0x900), rs[1].End())
}
