// Package migration moves a virtual machine between two VMM processes,
// either stopped (cold) or while it keeps running (live), and saves cold
// snapshots to files.
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/google/uuid"
)

var (
	ErrConvergenceTimeout = errors.New("migration: dirty set did not converge")
	ErrVersionMismatch    = errors.New("migration: device state version mismatch")
	ErrDeviceMismatch     = errors.New("migration: device set mismatch")
	ErrConfigMismatch     = errors.New("migration: machine configuration mismatch")
	ErrChannelFailure     = errors.New("migration: channel failure")
	ErrCancelled          = errors.New("migration: cancelled")
	ErrProtocol           = errors.New("migration: protocol error")
)

// Mode selects cold or live migration.
type Mode uint32

const (
	ModeCold Mode = iota + 1
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeCold:
		return "cold"
	case ModeLive:
		return "live"
	}

	return fmt.Sprintf("mode(%d)", uint32(m))
}

// Header opens every migration stream.
type Header struct {
	Session    uuid.UUID
	Mode       Mode
	ConfigHash [32]byte
	PageSize   uint32
	MemSize    uint64
	NCPUs      uint32
}

// DeviceRecord is the saved state of one device.
type DeviceRecord struct {
	ID      string
	Version uint32
	State   []byte
}

// SectionKind tags a RAM section as part of the first full copy or of a
// later dirty round.
type SectionKind uint32

const (
	SectionFull SectionKind = iota + 1
	SectionDelta
)

func (k SectionKind) String() string {
	if k == SectionDelta {
		return "delta"
	}

	return "full"
}

// RAMSection is a run of guest memory starting at guest physical Offset.
type RAMSection struct {
	Kind   SectionKind
	Offset uint64
	Data   []byte
}

// Source is the machine being migrated away. machine.Machine implements it.
type Source interface {
	PauseAll(ctx context.Context) error
	ResumeAll() error
	Paused() bool
	Shutdown() error
	Memory() *memory.GuestMemory
	EnableDirtyTracking() error
	DisableDirtyTracking() error
	HarvestDirty() (*memory.DirtySet, error)
	SaveDeviceStates() ([]DeviceRecord, error)
	SaveVCPUStates() ([]*hypervisor.VCPUState, error)
	ConfigHash() [32]byte
	NCPUs() int
}

// Destination is a freshly created, not yet started machine that receives
// the state. machine.Machine implements it.
type Destination interface {
	Memory() *memory.GuestMemory
	ValidateDeviceStates([]DeviceRecord) error
	RestoreDeviceStates([]DeviceRecord) error
	RestoreVCPUStates([]*hypervisor.VCPUState) error
	ConfigHash() [32]byte
	NCPUs() int
}
