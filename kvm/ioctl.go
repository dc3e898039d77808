package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

// ioctl numbers, without direction and size where those are added by
// IIOR/IIOW/IIOWR at the call site.
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmInterrupt           = 0x86
	kvmGetMSRS             = 0x88
	kvmSetMSRS             = 0x89
	kvmSetCPUID2           = 0x90
	kvmGetMPState          = 0x98
	kvmSetMPState          = 0x99
	kvmGetVCPUEvents       = 0x9f
	kvmSetVCPUEvents       = 0xa0
	kvmGetDebugRegs        = 0xa1
	kvmSetDebugRegs        = 0xa2
	kvmGetXCRS             = 0xa6
	kvmSetXCRS             = 0xa7
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmio<<iocTypeShift | nr<<iocNRShift
}

// IIO encodes an ioctl without argument data.
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOR encodes an ioctl that reads size bytes from the kernel.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOW encodes an ioctl that writes size bytes to the kernel.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, nr, size)
}

// Ioctl issues an ioctl and retries it while it is interrupted by a signal.
// KVM_RUN must not go through here since EINTR is how a kick is reported.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, err := rawIoctl(fd, op, arg)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return res, err
	}
}

func rawIoctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}
