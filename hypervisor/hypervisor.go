// Package hypervisor describes the kernel virtualization primitive the VMM
// core runs on. Backends live in their own packages.
package hypervisor

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("hypervisor: permission denied")
	ErrInvalidHandle     = errors.New("hypervisor: invalid handle")
	ErrResourceExhausted = errors.New("hypervisor: resource exhausted")
)

// MapFlags control how a guest memory slot is registered.
type MapFlags uint32

const (
	MapLogDirty MapFlags = 1 << iota
	MapReadOnly
)

type Hypervisor interface {
	CreateVM() (VM, error)
}

type VM interface {
	CreateVCPU(id int) (VCPU, error)

	// MapGuestMemory registers host memory mem at guest physical address
	// gpa in the given slot. Mapping an existing slot again replaces it.
	MapGuestMemory(slot uint32, gpa uint64, mem []byte, flags MapFlags) error

	// EnableDirtyLog switches write logging on or off for a slot.
	EnableDirtyLog(slot uint32, enable bool) error

	// GetDirtyLog fills bitmap with the pages written by the guest since
	// the previous call and clears the log. Bit i is page i of the slot.
	GetDirtyLog(slot uint32, bitmap []uint64) error

	Close() error
}

// BootState is the register context a vCPU starts from.
type BootState struct {
	Entry uint64
	Stack uint64
	Args  uint64
}

type VCPU interface {
	ID() int

	// Setup initializes the register context for the first entry.
	Setup(boot BootState) error

	// Run enters the guest and returns the reason it exited. Run must be
	// called from the thread that owns the vCPU.
	Run() (Exit, error)

	// Kick forces a concurrent or the next Run to return ExitInterrupted.
	// It may be called from any goroutine.
	Kick()

	// InjectInterrupt asks the backend to deliver vector at the next entry.
	InjectInterrupt(vector uint32) error

	GetState() (*VCPUState, error)
	SetState(*VCPUState) error

	Close() error
}

// MSREntry is one model specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState is the architectural state of a vCPU. The byte fields hold the
// backend's native register structures.
type VCPUState struct {
	Regs      []byte
	Sregs     []byte
	MSRs      []MSREntry
	LAPIC     []byte
	Events    []byte
	MPState   uint32
	DebugRegs []byte
	XCRS      []byte
}

// Exit is the reason Run returned. It is one of the Exit* types below.
type Exit interface {
	Reason() string
}

// ExitMMIO is a guest access to an address not backed by RAM. For reads
// the handler fills Data before the next Run.
type ExitMMIO struct {
	Addr    uint64
	Data    []byte
	IsWrite bool
}

// ExitPIO is a port I/O instruction. String instructions carry Count
// items of Size bytes each in Data.
type ExitPIO struct {
	Port    uint16
	Size    int
	Count   int
	Data    []byte
	IsWrite bool
}

type ExitHalt struct{}

// ExitShutdown is a triple fault or another unrecoverable CPU state.
type ExitShutdown struct{}

// SystemEventType is a guest power state request.
type SystemEventType uint32

const (
	SystemEventShutdown SystemEventType = iota + 1
	SystemEventReset
	SystemEventCrash
)

func (t SystemEventType) String() string {
	switch t {
	case SystemEventShutdown:
		return "shutdown"
	case SystemEventReset:
		return "reset"
	case SystemEventCrash:
		return "crash"
	}

	return fmt.Sprintf("event(%d)", uint32(t))
}

type ExitSystemEvent struct {
	Type SystemEventType
}

// InternalErrorClass tells the vCPU loop whether retrying can help.
type InternalErrorClass int

const (
	InternalErrorFatal InternalErrorClass = iota
	InternalErrorTransient
)

type ExitInternalError struct {
	Class    InternalErrorClass
	Suberror uint32
	Data     []uint64
}

// ExitInterrupted means Run returned because of Kick or a signal.
type ExitInterrupted struct{}

type ExitDebug struct{}

// ExitUnknown carries a backend exit code the core does not understand.
type ExitUnknown struct {
	Code uint32
}

func (ExitMMIO) Reason() string          { return "mmio" }
func (ExitPIO) Reason() string           { return "pio" }
func (ExitHalt) Reason() string          { return "halt" }
func (ExitShutdown) Reason() string      { return "shutdown" }
func (ExitSystemEvent) Reason() string   { return "system_event" }
func (ExitInternalError) Reason() string { return "internal_error" }
func (ExitInterrupted) Reason() string   { return "interrupted" }
func (ExitDebug) Reason() string         { return "debug" }
func (ExitUnknown) Reason() string       { return "unknown" }
