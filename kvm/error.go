package kvm

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"golang.org/x/sys/unix"
)

var (
	// ErrUnexpectedExitReason is any error that we do not understand.
	ErrUnexpectedExitReason = errors.New("unexpected kvm exit reason")

	ErrAPIVersion = errors.New("unsupported kvm api version")

	errBadStateSize   = errors.New("unexpected state size")
	errMSRRejected    = errors.New("msr rejected")
	errMissingCap     = errors.New("missing kvm capability")
	errUnalignedSlot  = errors.New("memory slot is not page aligned")
	errUnknownSlot    = errors.New("unknown memory slot")
	errBitmapTooSmall = errors.New("dirty bitmap too small")
)

// ExitType is a virtual machine exit type.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITSYSTEMEVENT   ExitType = 24

	EXITIOIN  = 0
	EXITIOOUT = 1
)

var exitNames = map[ExitType]string{
	EXITUNKNOWN:       "EXITUNKNOWN",
	EXITEXCEPTION:     "EXITEXCEPTION",
	EXITIO:            "EXITIO",
	EXITHYPERCALL:     "EXITHYPERCALL",
	EXITDEBUG:         "EXITDEBUG",
	EXITHLT:           "EXITHLT",
	EXITMMIO:          "EXITMMIO",
	EXITIRQWINDOWOPEN: "EXITIRQWINDOWOPEN",
	EXITSHUTDOWN:      "EXITSHUTDOWN",
	EXITFAILENTRY:     "EXITFAILENTRY",
	EXITINTR:          "EXITINTR",
	EXITSETTPR:        "EXITSETTPR",
	EXITTPRACCESS:     "EXITTPRACCESS",
	EXITNMI:           "EXITNMI",
	EXITINTERNALERROR: "EXITINTERNALERROR",
	EXITSYSTEMEVENT:   "EXITSYSTEMEVENT",
}

func (e ExitType) String() string {
	if n, ok := exitNames[e]; ok {
		return n
	}

	return fmt.Sprintf("ExitType(%d)", uint32(e))
}

// wrapErrno attaches the hypervisor error class to a failed ioctl so that
// callers outside this package can match it with errors.Is.
func wrapErrno(op string, err error) error {
	if err == nil {
		return nil
	}

	var class error

	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		class = hypervisor.ErrPermissionDenied
	case errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSPC),
		errors.Is(err, unix.EMFILE), errors.Is(err, unix.E2BIG), errors.Is(err, unix.EAGAIN):
		class = hypervisor.ErrResourceExhausted
	default:
		class = hypervisor.ErrInvalidHandle
	}

	return fmt.Errorf("%s: %w: %w", op, class, err)
}
