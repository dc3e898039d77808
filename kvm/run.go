package kvm

import (
	"fmt"

	"github.com/bobuhiro11/vmcore/hypervisor"
)

// RunData is the head of the kvm_run page shared with the kernel.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// runDataOffset is where the exit union starts in the kvm_run page.
const runDataOffset = 32

const (
	systemEventShutdown = 1
	systemEventReset    = 2
	systemEventCrash    = 3

	internalErrorEmulation = 1
)

func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// MMIO returns the guest physical address, the access length and the
// direction of an MMIO exit. The data bytes live at runDataOffset+8.
func (r *RunData) MMIO() (uint64, uint32, bool) {
	return r.Data[0], uint32(r.Data[2]), (r.Data[2]>>32)&0xFF != 0
}

func (r *RunData) SystemEvent() uint32 {
	return uint32(r.Data[0])
}

func (r *RunData) InternalError() (uint32, []uint64) {
	suberror := uint32(r.Data[0])
	ndata := min(r.Data[0]>>32, 16)

	return suberror, append([]uint64(nil), r.Data[1:1+ndata]...)
}

// decodeExit turns the exit recorded in run into a hypervisor.Exit. Data
// slices of I/O exits point into page, so values a handler stores there
// are seen by the guest on the next KVM_RUN.
func decodeExit(run *RunData, page []byte) (hypervisor.Exit, error) {
	switch ExitType(run.ExitReason) {
	case EXITHLT:
		return &hypervisor.ExitHalt{}, nil
	case EXITIO:
		direction, size, port, count, offset := run.IO()

		end := offset + size*count
		if end > uint64(len(page)) || end < offset {
			return nil, fmt.Errorf("io exit data at %#x+%d: %w", offset, size*count, ErrUnexpectedExitReason)
		}

		return &hypervisor.ExitPIO{
			Port:    uint16(port),
			Size:    int(size),
			Count:   int(count),
			Data:    page[offset:end],
			IsWrite: direction == EXITIOOUT,
		}, nil
	case EXITMMIO:
		addr, length, isWrite := run.MMIO()
		if length > 8 {
			return nil, fmt.Errorf("mmio exit length %d: %w", length, ErrUnexpectedExitReason)
		}

		start := runDataOffset + 8

		return &hypervisor.ExitMMIO{
			Addr:    addr,
			Data:    page[start : start+int(length)],
			IsWrite: isWrite,
		}, nil
	case EXITSHUTDOWN:
		return &hypervisor.ExitShutdown{}, nil
	case EXITSYSTEMEVENT:
		switch run.SystemEvent() {
		case systemEventShutdown:
			return &hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventShutdown}, nil
		case systemEventReset:
			return &hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventReset}, nil
		case systemEventCrash:
			return &hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventCrash}, nil
		}

		return &hypervisor.ExitUnknown{Code: run.ExitReason}, nil
	case EXITINTERNALERROR:
		suberror, data := run.InternalError()

		class := hypervisor.InternalErrorFatal
		if suberror == internalErrorEmulation {
			class = hypervisor.InternalErrorTransient
		}

		return &hypervisor.ExitInternalError{Class: class, Suberror: suberror, Data: data}, nil
	case EXITFAILENTRY:
		return &hypervisor.ExitInternalError{Class: hypervisor.InternalErrorFatal, Data: []uint64{run.Data[0]}}, nil
	case EXITINTR, EXITIRQWINDOWOPEN:
		return &hypervisor.ExitInterrupted{}, nil
	case EXITDEBUG:
		return &hypervisor.ExitDebug{}, nil
	}

	return &hypervisor.ExitUnknown{Code: run.ExitReason}, nil
}
