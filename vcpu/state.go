package vcpu

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmcore/hypervisor"
)

type State int32

const (
	Created State = iota
	Running
	Paused
	Halted
	ExitedWithError
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Halted:
		return "halted"
	case ExitedWithError:
		return "exited-with-error"
	case Destroyed:
		return "destroyed"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// quiescent states never touch guest memory or devices.
func (s State) quiescent() bool {
	return s == Created || s == Paused || s == ExitedWithError || s == Destroyed
}

var (
	ErrTripleFault         = errors.New("triple fault")
	ErrIrrecoverableDevice = errors.New("irrecoverable device error")
	ErrGuestCrash          = errors.New("guest reported a crash")
	ErrInternal            = errors.New("hypervisor internal error")
	ErrUnexpectedExit      = errors.New("unexpected exit reason")
	ErrInvalidState        = errors.New("operation not allowed in this vcpu state")
)

// FatalError ends a vCPU and, through the lifecycle controller, the VM.
type FatalError struct {
	CPU int
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("cpu%d: %v", e.CPU, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var f *FatalError

	return errors.As(err, &f)
}

// Event is a guest power state request observed by a vCPU.
type Event struct {
	CPU  int
	Type hypervisor.SystemEventType
}
