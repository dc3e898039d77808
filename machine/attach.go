package machine

import (
	"fmt"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/hashicorp/go-multierror"
)

// Space selects the address space a device is mapped into.
type Space int

const (
	SpaceMMIO Space = iota
	SpacePIO
)

func (s Space) String() string {
	if s == SpacePIO {
		return "pio"
	}

	return "mmio"
}

type mapping struct {
	space    Space
	base     uint64
	size     uint64
	priority int
}

type attachOptions struct {
	mappings []mapping
	irq      *uint32
	autoIRQ  bool
	cpu      int
}

// AttachOption configures how AttachDevice wires a device.
type AttachOption func(*attachOptions)

// AtMMIO maps the device at [base, base+size) of system memory.
func AtMMIO(base, size uint64, priority int) AttachOption {
	return func(o *attachOptions) {
		o.mappings = append(o.mappings, mapping{space: SpaceMMIO, base: base, size: size, priority: priority})
	}
}

// AtPIO maps the device at ports [base, base+size).
func AtPIO(base, size uint64) AttachOption {
	return func(o *attachOptions) {
		o.mappings = append(o.mappings, mapping{space: SpacePIO, base: base, size: size})
	}
}

// WithIRQ connects the device's interrupt output to a fixed IRQ line.
func WithIRQ(irq uint32) AttachOption {
	return func(o *attachOptions) { o.irq = &irq }
}

// WithAutoIRQ connects the device to the lowest free IRQ line.
func WithAutoIRQ() AttachOption {
	return func(o *attachOptions) { o.autoIRQ = true }
}

// OnCPU routes the device interrupt to cpu instead of the boot processor.
func OnCPU(cpu int) AttachOption {
	return func(o *attachOptions) { o.cpu = cpu }
}

type attachment struct {
	space   []Space
	regions []string
	irq     *uint32
}

type interruptTarget interface {
	InjectInterrupt(cpu int, vector uint32) error
}

// irqLine names an interrupt by cpu and vector; devices only hold this.
type irqLine struct {
	target interruptTarget
	cpu    int
	vector uint32
}

func (l irqLine) Trigger() error {
	return l.target.InjectInterrupt(l.cpu, l.vector)
}

func (m *Machine) space(s Space) *memory.AddressSpace {
	if s == SpacePIO {
		return m.pioSpace
	}

	return m.mmioSpace
}

// AttachDevice registers dev under id and maps it into the address spaces
// named by opts. It may be called while the machine runs.
func (m *Machine) AttachDevice(id string, dev device.Device, opts ...AttachOption) error {
	var o attachOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == stateShutdown {
		return ErrShutdown
	}

	if o.cpu < 0 || o.cpu >= len(m.cpus) {
		return fmt.Errorf("device %s: cpu%d: %w", id, o.cpu, errCPUNotFound)
	}

	m.devMu.Lock()
	defer m.devMu.Unlock()

	h, err := m.devices.Register(id, dev)
	if err != nil {
		return err
	}

	a := &attachment{}

	for i, mp := range o.mappings {
		name := fmt.Sprintf("%s/%s%d", id, mp.space, i)
		if err := m.space(mp.space).AddRegion(memory.Region{
			Name:     name,
			Base:     memory.GuestAddress(mp.base),
			Size:     mp.size,
			Priority: mp.priority,
			Kind:     memory.Device{Handle: h},
		}); err != nil {
			return multierror.Append(fmt.Errorf("attach %s: %w", id, err), m.undoAttach(id, a)).ErrorOrNil()
		}

		a.space = append(a.space, mp.space)
		a.regions = append(a.regions, name)
	}

	if src, ok := dev.(device.InterruptSource); ok && (o.irq != nil || o.autoIRQ) {
		irq, err := m.allocIRQ(id, o.irq)
		if err != nil {
			return multierror.Append(err, m.undoAttach(id, a)).ErrorOrNil()
		}

		a.irq = &irq
		src.ConnectInterrupt(irqLine{target: m, cpu: o.cpu, vector: IRQVectorBase + irq})
	}

	if d, ok := dev.(device.DMACapable); ok {
		d.AttachMemory(m.mem)
	}

	m.attached[id] = a

	machineLog.WithField("device", id).WithField("caps", h.Capabilities()).Debug("device attached")

	return nil
}

func (m *Machine) allocIRQ(id string, fixed *uint32) (uint32, error) {
	if fixed != nil {
		if owner, ok := m.irqs[*fixed]; ok {
			return 0, fmt.Errorf("device %s: IRQ %d already used by %s", id, *fixed, owner)
		}

		m.irqs[*fixed] = id

		return *fixed, nil
	}

	for irq := m.cfg.IRQMin; irq <= m.cfg.IRQMax; irq++ {
		if _, ok := m.irqs[irq]; !ok {
			m.irqs[irq] = id

			return irq, nil
		}
	}

	return 0, fmt.Errorf("device %s: %w", id, ErrIRQExhausted)
}

func (m *Machine) undoAttach(id string, a *attachment) error {
	var result *multierror.Error

	for i, name := range a.regions {
		if err := m.space(a.space[i]).RemoveRegion(name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if a.irq != nil {
		delete(m.irqs, *a.irq)
	}

	if _, err := m.devices.Unregister(id); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// DetachDevice unmaps and unregisters a device. Region removal waits for
// in-flight translations and the handle waits for in-flight accesses, so
// the device sees no access once DetachDevice returns. A Pauser device is
// paused so its DMA drains.
func (m *Machine) DetachDevice(id string) error {
	m.devMu.Lock()
	defer m.devMu.Unlock()

	h, ok := m.devices.Get(id)
	if !ok {
		return fmt.Errorf("%q: %w", id, device.ErrDeviceNotFound)
	}

	a := m.attached[id]
	if a == nil {
		a = &attachment{}
	}

	var result *multierror.Error

	for i, name := range a.regions {
		if err := m.space(a.space[i]).RemoveRegion(name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	h.Detach()

	if p, ok := h.Device().(device.Pauser); ok {
		if err := p.Pause(); err != nil {
			result = multierror.Append(result, fmt.Errorf("pause %s: %w", id, err))
		}
	}

	if a.irq != nil {
		delete(m.irqs, *a.irq)
	}

	if _, err := m.devices.Unregister(id); err != nil {
		result = multierror.Append(result, err)
	}

	delete(m.attached, id)
	machineLog.WithField("device", id).Debug("device detached")

	return result.ErrorOrNil()
}
