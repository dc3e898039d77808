// Package bus routes guest MMIO and port I/O accesses to emulated devices.
package bus

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnmappedAccess = errors.New("access to unmapped address")
	ErrDeviceFault    = errors.New("device fault")
	ErrInvalidWidth   = errors.New("invalid access width")
)

var busLog = logrus.WithField("subsystem", "bus")

// SetLogger sets the logger for the bus package.
func SetLogger(logger *logrus.Entry) {
	fields := busLog.Data
	busLog = logger.WithFields(fields)
}

// Bus dispatches accesses on one address space: system memory for MMIO or
// the 64 KiB port space for PIO.
type Bus struct {
	name string
	as   *memory.AddressSpace
	ram  *memory.GuestMemory
}

// New creates a bus over as. ram may be nil for spaces without RAM, such
// as port I/O.
func New(name string, as *memory.AddressSpace, ram *memory.GuestMemory) *Bus {
	return &Bus{name: name, as: as, ram: ram}
}

func (b *Bus) Name() string {
	return b.name
}

func (b *Bus) AddressSpace() *memory.AddressSpace {
	return b.as
}

func validWidth(size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	}

	return false
}

// DispatchRead reads size bytes at addr and returns them as a little-endian
// value.
func (b *Bus) DispatchRead(addr memory.GuestAddress, size int) (uint64, error) {
	if !validWidth(size) {
		return 0, fmt.Errorf("%s read %s/%d: %w", b.name, addr, size, ErrInvalidWidth)
	}

	var buf [8]byte
	if err := b.Access(nil, addr, buf[:size], false); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// DispatchWrite writes the low size bytes of value at addr.
func (b *Bus) DispatchWrite(addr memory.GuestAddress, size int, value uint64) error {
	if !validWidth(size) {
		return fmt.Errorf("%s write %s/%d: %w", b.name, addr, size, ErrInvalidWidth)
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	return b.Access(nil, addr, buf[:size], true)
}

// Access performs one access of len(data) bytes. cache may be nil.
// Errors wrap ErrUnmappedAccess or ErrDeviceFault; a device reporting
// device.ErrUnrecoverable keeps that error in the chain as well.
func (b *Bus) Access(cache *memory.TranslationCache, addr memory.GuestAddress, data []byte, isWrite bool) error {
	var (
		t   memory.Target
		err error
	)

	if cache != nil {
		t, err = cache.Translate(addr, uint64(len(data)))
	} else {
		t, err = b.as.Translate(addr, uint64(len(data)))
	}

	if err != nil {
		dispatchErrors.WithLabelValues(b.name, "unmapped").Inc()

		return fmt.Errorf("%s %s: %w: %w", b.name, addr, ErrUnmappedAccess, err)
	}

	if t.IsRAM() {
		return b.accessRAM(t, data, isWrite)
	}

	if isWrite {
		err = t.Device.Write(t.Offset, data)
	} else {
		err = t.Device.Read(t.Offset, data)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrDetached):
		dispatchErrors.WithLabelValues(b.name, "unmapped").Inc()

		return fmt.Errorf("%s %s: %w: %w", b.name, addr, ErrUnmappedAccess, err)
	default:
		dispatchErrors.WithLabelValues(b.name, "fault").Inc()

		return fmt.Errorf("%s %s device %s offset %#x: %w: %w",
			b.name, addr, t.Device.ID(), t.Offset, ErrDeviceFault, err)
	}
}

func (b *Bus) accessRAM(t memory.Target, data []byte, isWrite bool) error {
	if !isWrite {
		copy(data, t.Host)

		return nil
	}

	if b.ram != nil {
		return b.ram.Write(t.Addr, data)
	}

	copy(t.Host, data)

	return nil
}

// Emulate applies hardware semantics to an access made by a vCPU: reads
// from unmapped or faulting addresses return all ones, such writes are
// discarded. The failure is logged and counted. Only an unrecoverable
// device error is returned.
func (b *Bus) Emulate(cache *memory.TranslationCache, addr memory.GuestAddress, data []byte, isWrite bool) error {
	err := b.Access(cache, addr, data, isWrite)
	if err == nil {
		return nil
	}

	if errors.Is(err, device.ErrUnrecoverable) {
		busLog.WithError(err).WithField("addr", addr).Error("unrecoverable device error")

		return err
	}

	if !isWrite {
		for i := range data {
			data[i] = 0xff
		}
	}

	entry := busLog.WithError(err).WithFields(logrus.Fields{
		"addr":  addr,
		"size":  len(data),
		"write": isWrite,
	})

	if errors.Is(err, ErrUnmappedAccess) {
		entry.Debug("unmapped access")
	} else {
		entry.Warn("device access failed")
	}

	return nil
}
