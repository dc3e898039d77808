package device

import (
	"errors"
	"io"
	"strings"
)

var (
	// ErrUnrecoverable is returned (possibly wrapped) by a device that can
	// no longer be scheduled. It is the only device error that stops a vCPU.
	ErrUnrecoverable = errors.New("device is in an unrecoverable state")

	ErrDataLenInvalid  = errors.New("invalid data size on port")
	ErrDetached        = errors.New("device detached")
	ErrDuplicateDevice = errors.New("device id already registered")
	ErrDeviceNotFound  = errors.New("unable to find device")
	ErrNotMigratable   = errors.New("device does not support migration")
)

// Device is implemented by every emulated device regardless of the bus it
// is attached to. Offsets are relative to the base of the region the
// device is mapped at.
type Device interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

// GuestRAM is the view of guest memory a DMA-capable device gets. Offsets
// are guest physical addresses; writes are recorded as dirty.
type GuestRAM interface {
	io.ReaderAt
	io.WriterAt
}

type DMACapable interface {
	AttachMemory(mem GuestRAM)
}

// InterruptLine is a handle to an interrupt controller input. It identifies
// the line; it does not own the controller.
type InterruptLine interface {
	// Trigger raises an edge on the line.
	Trigger() error
}

type InterruptSource interface {
	ConnectInterrupt(line InterruptLine)
}

// Migratable devices serialize their state into an opaque versioned blob.
type Migratable interface {
	StateVersion() uint32
	SaveState() ([]byte, error)
	RestoreState(version uint32, data []byte) error
}

// VersionChecker lets a device accept state versions other than the one it
// currently produces.
type VersionChecker interface {
	SupportsStateVersion(version uint32) bool
}

// StateValidator lets a device reject a payload before anything is applied.
type StateValidator interface {
	ValidateState(version uint32, data []byte) error
}

type Resettable interface {
	Reset() error
}

// Pauser devices own background activity (I/O threads, timers, DMA) that
// must stop while the machine is paused or the device is detached.
type Pauser interface {
	Pause() error
	Resume() error
}

// Capabilities is the set of optional interfaces a device implements.
type Capabilities uint32

const (
	CapDMA Capabilities = 1 << iota
	CapInterrupt
	CapMigrate
	CapReset
	CapPause
)

func CapabilitiesOf(d Device) Capabilities {
	var c Capabilities

	if _, ok := d.(DMACapable); ok {
		c |= CapDMA
	}

	if _, ok := d.(InterruptSource); ok {
		c |= CapInterrupt
	}

	if _, ok := d.(Migratable); ok {
		c |= CapMigrate
	}

	if _, ok := d.(Resettable); ok {
		c |= CapReset
	}

	if _, ok := d.(Pauser); ok {
		c |= CapPause
	}

	return c
}

func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

func (c Capabilities) String() string {
	names := []string{"dma", "interrupt", "migrate", "reset", "pause"}

	var s []string

	for i, n := range names {
		if c&(1<<i) != 0 {
			s = append(s, n)
		}
	}

	if len(s) == 0 {
		return "none"
	}

	return strings.Join(s, "|")
}

// SupportsVersion reports whether m accepts state produced at version.
func SupportsVersion(m Migratable, version uint32) bool {
	if vc, ok := m.(VersionChecker); ok {
		return vc.SupportsStateVersion(version)
	}

	return version == m.StateVersion()
}
