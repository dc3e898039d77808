package iodev

import (
	"github.com/sirupsen/logrus"
)

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint64(0x600)
	ACPIShutDownDevSize = uint64(0x8)
)

// SystemEvent is a guest-initiated power state change.
type SystemEvent int

const (
	SystemEventShutdown SystemEvent = iota + 1
	SystemEventReset
)

func (e SystemEvent) String() string {
	switch e {
	case SystemEventShutdown:
		return "shutdown"
	case SystemEventReset:
		return "reset"
	}

	return "unknown"
}

var iodevLog = logrus.WithField("subsystem", "iodev")

// SetLogger sets the logger for the iodev package.
func SetLogger(logger *logrus.Entry) {
	fields := iodevLog.Data
	iodevLog = logger.WithFields(fields)
}

type ACPIShutDownDevice struct {
	// OnEvent is called from the vCPU thread that performed the write.
	OnEvent func(SystemEvent)
}

func NewACPIShutDownDevice(onEvent func(SystemEvent)) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{OnEvent: onEvent}
}

func (a *ACPIShutDownDevice) Read(offset uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ACPIShutDownDevice) Write(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5
	S5SleepVal := uint8(5)
	SleepStatusENBit := uint8(5)
	SleepValBit := uint8(2)

	switch data[0] {
	case 1:
		iodevLog.Info("ACPI reboot signalled")
		a.signal(SystemEventReset)
	case (S5SleepVal << SleepValBit) | (1 << SleepStatusENBit):
		iodevLog.Info("ACPI shutdown signalled")
		a.signal(SystemEventShutdown)
	}

	return nil
}

func (a *ACPIShutDownDevice) signal(e SystemEvent) {
	if a.OnEvent != nil {
		a.OnEvent(e)
	}
}
