package vmm

import (
	"fmt"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/iodev"
	"github.com/bobuhiro11/vmcore/machine"
	"github.com/bobuhiro11/vmcore/serial"
)

const (
	serialPort       = serial.COM1Addr
	serialSize       = serial.Size
	postCodePort     = device.PostCodePort
	acpiShutdownPort = iodev.ACPIShutDownDevPort
	acpiShutdownSize = iodev.ACPIShutDownDevSize
)

// newDevice builds the device named by d. The first serial port becomes
// the console.
func (v *VMM) newDevice(d DeviceConfig) (device.Device, []machine.AttachOption, error) {
	opts := []machine.AttachOption{machine.AtPIO(d.Port, d.Size), machine.OnCPU(d.CPU)}

	switch d.Kind {
	case KindSerial:
		s := serial.New(v.out)
		if v.console == nil {
			v.console = s
		}

		if d.IRQ != 0 {
			opts = append(opts, machine.WithIRQ(d.IRQ))
		} else if d.Port == serial.COM1Addr {
			opts = append(opts, machine.WithIRQ(serial.COM1IRQ))
		} else {
			opts = append(opts, machine.WithAutoIRQ())
		}

		return s, opts, nil
	case KindPostCode:
		return device.NewPostCodeDevice(v.out), opts, nil
	case KindACPIShutdown:
		return iodev.NewACPIShutDownDevice(v.onSystemEvent), opts, nil
	case KindNoop:
		return &iodev.NoopDevice{}, opts, nil
	}

	return nil, nil, fmt.Errorf("%q: %w", d.Kind, errDeviceKind)
}

func (v *VMM) attachDevices(m *machine.Machine) error {
	for _, d := range v.Config.Devices {
		dev, opts, err := v.newDevice(d)
		if err != nil {
			return err
		}

		if err := m.AttachDevice(d.ID, dev, opts...); err != nil {
			return fmt.Errorf("attach %s: %w", d.ID, err)
		}

		vmmLog.WithField("device", d.ID).WithField("port", fmt.Sprintf("%#x", d.Port)).Debug("device attached")
	}

	return nil
}

// onSystemEvent runs on the vCPU thread that wrote the ACPI register, so
// the actual transition happens on another goroutine.
func (v *VMM) onSystemEvent(e iodev.SystemEvent) {
	m := v.Machine

	switch e {
	case iodev.SystemEventShutdown:
		go func() {
			if err := m.Shutdown(); err != nil {
				vmmLog.WithError(err).Warn("guest poweroff")
			}
		}()
	case iodev.SystemEventReset:
		go func() {
			if err := m.Reset(v.ctx); err != nil {
				vmmLog.WithError(err).Error("guest reboot")
			}
		}()
	}
}
