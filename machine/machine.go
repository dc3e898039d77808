// Package machine owns one virtual machine: its guest memory, address
// spaces, devices and vCPUs, and drives them through their lifecycle.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/vmcore/bus"
	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/bobuhiro11/vmcore/vcpu"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPauseTimeout   = errors.New("timed out waiting for vcpus to pause")
	ErrAlreadyRunning = errors.New("machine already running")
	ErrNotRunning     = errors.New("machine is not running")
	ErrShutdown       = errors.New("machine has been shut down")
	ErrIRQExhausted   = errors.New("IRQ number exhausted")
	errNoCPUs         = errors.New("machine needs at least one vcpu")
	errCPUNotFound    = errors.New("unable to find vcpu")
)

const (
	defaultPauseTimeout = 5 * time.Second

	// IRQVectorBase is the vector legacy IRQ 0 is delivered on.
	IRQVectorBase = 0x20
)

var machineLog = logrus.WithField("subsystem", "machine")

// SetLogger sets the logger for the machine package.
func SetLogger(logger *logrus.Entry) {
	fields := machineLog.Data
	machineLog = logger.WithFields(fields)
}

type Config struct {
	NCPUs   int
	MemSize uint64

	// Layout overrides the default RAM split around the PCI hole.
	Layout []memory.SlotConfig

	Boot hypervisor.BootState

	PauseTimeout            time.Duration
	MaxInternalErrorRetries int

	// IRQMin and IRQMax bound the lines handed out by WithAutoIRQ.
	IRQMin uint32
	IRQMax uint32
}

type lifecycle int

const (
	stateCreated lifecycle = iota
	stateRunning
	statePaused
	stateShutdown
)

func (l lifecycle) String() string {
	return [...]string{"created", "running", "paused", "shutdown"}[l]
}

type Machine struct {
	cfg Config

	vm  hypervisor.VM
	mem *memory.GuestMemory

	mmioSpace *memory.AddressSpace
	pioSpace  *memory.AddressSpace
	mmio      *bus.Bus
	pio       *bus.Bus

	devices *device.Registry
	cpus    []*vcpu.VCPU
	boot    []*hypervisor.VCPUState

	devMu    sync.Mutex
	attached map[string]*attachment
	irqs     map[uint32]string

	mu           sync.Mutex
	state        lifecycle
	started      bool
	resetPending bool
	done         chan struct{}

	errMu    sync.Mutex
	waitErr  error
	fatalErr error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates the VM, its guest memory and its vCPUs. Devices are attached
// separately with AttachDevice.
func New(hv hypervisor.Hypervisor, cfg Config) (*Machine, error) {
	if cfg.NCPUs < 1 {
		return nil, errNoCPUs
	}

	if cfg.PauseTimeout == 0 {
		cfg.PauseTimeout = defaultPauseTimeout
	}

	if cfg.IRQMin == 0 && cfg.IRQMax == 0 {
		cfg.IRQMin, cfg.IRQMax = 5, 15
	}

	layout := cfg.Layout
	if len(layout) == 0 {
		layout = memory.SplitLayout(cfg.MemSize)
	}

	vm, err := hv.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	m := &Machine{
		cfg:       cfg,
		vm:        vm,
		mmioSpace: memory.NewAddressSpace("mmio"),
		pioSpace:  memory.NewAddressSpace("pio"),
		devices:   device.NewRegistry(),
		attached:  make(map[string]*attachment),
		irqs:      make(map[uint32]string),
		done:      make(chan struct{}),
	}

	if err := m.init(layout); err != nil {
		return nil, multierror.Append(err, m.release()).ErrorOrNil()
	}

	return m, nil
}

func (m *Machine) init(layout []memory.SlotConfig) error {
	mem, err := memory.NewGuestMemory(layout)
	if err != nil {
		return err
	}

	m.mem = mem

	for _, s := range mem.Slots() {
		if err := m.vm.MapGuestMemory(s.Index, s.Base.Raw(), s.Buf, 0); err != nil {
			return fmt.Errorf("MapGuestMemory %s: %w", s.Name, err)
		}

		if err := m.mmioSpace.AddRegion(memory.Region{
			Name: s.Name,
			Base: s.Base,
			Size: s.Size,
			Kind: memory.RAM{Slot: s},
		}); err != nil {
			return err
		}
	}

	m.mmio = bus.New("mmio", m.mmioSpace, mem)
	m.pio = bus.New("pio", m.pioSpace, nil)

	for i := 0; i < m.cfg.NCPUs; i++ {
		hc, err := m.vm.CreateVCPU(i)
		if err != nil {
			return fmt.Errorf("CreateVCPU %d: %w", i, err)
		}

		m.cpus = append(m.cpus, vcpu.New(i, hc, vcpu.Config{
			MMIO:                    m.mmio,
			PIO:                     m.pio,
			OnEvent:                 m.onEvent,
			MaxInternalErrorRetries: m.cfg.MaxInternalErrorRetries,
		}))

		if err := hc.Setup(m.cfg.Boot); err != nil {
			return fmt.Errorf("Setup cpu%d: %w", i, err)
		}

		st, err := hc.GetState()
		if err != nil {
			return fmt.Errorf("GetState cpu%d: %w", i, err)
		}

		m.boot = append(m.boot, st)
	}

	return nil
}

// release frees everything New allocated. vCPUs must not be running.
func (m *Machine) release() error {
	var result *multierror.Error

	for _, c := range m.cpus {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close cpu%d: %w", c.ID(), err))
		}
	}

	if m.mem != nil {
		if err := m.mem.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release guest memory: %w", err))
		}
	}

	if err := m.vm.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close vm: %w", err))
	}

	return result.ErrorOrNil()
}

func (m *Machine) Memory() *memory.GuestMemory {
	return m.mem
}

func (m *Machine) MMIO() *bus.Bus {
	return m.mmio
}

func (m *Machine) PIO() *bus.Bus {
	return m.pio
}

func (m *Machine) Devices() *device.Registry {
	return m.devices
}

func (m *Machine) NCPUs() int {
	return len(m.cpus)
}

// VCPU returns the vCPU with the given index.
func (m *Machine) VCPU(cpu int) (*vcpu.VCPU, error) {
	if cpu < 0 || cpu >= len(m.cpus) {
		return nil, fmt.Errorf("cpu%d: %w", cpu, errCPUNotFound)
	}

	return m.cpus[cpu], nil
}

// LoadBlob copies an opaque image (firmware, kernel, tables) into guest RAM.
func (m *Machine) LoadBlob(addr memory.GuestAddress, data []byte) error {
	if err := m.mem.Write(addr, data); err != nil {
		return fmt.Errorf("LoadBlob at %s: %w", addr, err)
	}

	return nil
}

// InjectInterrupt queues vector on cpu; it is delivered at the next entry.
func (m *Machine) InjectInterrupt(cpu int, vector uint32) error {
	c, err := m.VCPU(cpu)
	if err != nil {
		return err
	}

	c.InjectInterrupt(vector)

	return nil
}

// Start launches one goroutine, locked to its own OS thread, per vCPU.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning, statePaused:
		return ErrAlreadyRunning
	case stateShutdown:
		return ErrShutdown
	}

	var eg errgroup.Group

	for _, c := range m.cpus {
		eg.Go(func() error {
			err := c.Run()
			if vcpu.IsFatal(err) {
				m.fatal(c.ID(), err)
			}

			return err
		})
	}

	go func() {
		err := eg.Wait()

		m.errMu.Lock()
		m.waitErr = err
		m.errMu.Unlock()

		close(m.done)
	}()

	m.state = stateRunning
	m.started = true
	machineLog.WithField("cpus", len(m.cpus)).Info("machine started")

	return nil
}

// fatal runs on the failing vCPU's goroutine. It records the error before
// the vCPU goroutine returns, so Wait always sees it. The teardown itself
// runs elsewhere because Shutdown waits for every vCPU goroutine.
func (m *Machine) fatal(cpu int, err error) {
	entry := machineLog.WithError(err).WithField("cpu", cpu)
	if inst, err := m.Inst(cpu); err == nil {
		entry = entry.WithField("inst", inst)
	}

	entry.Error("fatal vm error, tearing down")

	m.errMu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.errMu.Unlock()

	go func() {
		if err := m.Shutdown(); err != nil {
			machineLog.WithError(err).Warn("teardown after fatal error")
		}
	}()
}

func (m *Machine) onEvent(ev vcpu.Event) {
	switch ev.Type {
	case hypervisor.SystemEventShutdown:
		go func() {
			if err := m.Shutdown(); err != nil {
				machineLog.WithError(err).Warn("guest shutdown")
			}
		}()
	case hypervisor.SystemEventReset:
		go func() {
			if err := m.Reset(context.Background()); err != nil {
				machineLog.WithError(err).Error("guest reset")
			}
		}()
	}
}

// PauseAll asks every vCPU to park at its next safe point and waits for
// all of them to acknowledge, then pauses device background activity.
// Once it returns, no vCPU touches guest memory or devices until ResumeAll.
// A machine that was never started is already quiescent and stays in the
// created state.
func (m *Machine) PauseAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateCreated, statePaused:
		return nil
	case stateShutdown:
		return ErrShutdown
	}

	return m.pauseLocked(ctx)
}

func (m *Machine) pauseLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PauseTimeout)
	defer cancel()

	start := time.Now()

	for _, c := range m.cpus {
		c.RequestPause()
	}

	for _, c := range m.cpus {
		if err := c.WaitPaused(ctx); err != nil {
			m.resumeCPUs()

			return fmt.Errorf("%w: %w", ErrPauseTimeout, err)
		}
	}

	if err := m.pauseDevices(); err != nil {
		m.resumeCPUs()

		return err
	}

	m.state = statePaused
	machineLog.WithField("took", time.Since(start)).Debug("machine paused")

	return nil
}

// pauseDevices pauses devices in registration order and rolls back on
// the first failure.
func (m *Machine) pauseDevices() error {
	var paused []device.Pauser

	for _, h := range m.devices.Handles() {
		p, ok := h.Device().(device.Pauser)
		if !ok {
			continue
		}

		if err := p.Pause(); err != nil {
			for i := len(paused) - 1; i >= 0; i-- {
				if rerr := paused[i].Resume(); rerr != nil {
					machineLog.WithError(rerr).Warn("resume device during rollback")
				}
			}

			return fmt.Errorf("pause device %s: %w", h.ID(), err)
		}

		paused = append(paused, p)
	}

	return nil
}

func (m *Machine) resumeCPUs() {
	for _, c := range m.cpus {
		c.Resume()
	}
}

// ResumeAll undoes PauseAll. A reset requested while the machine was paused
// is applied first; if it fails the machine stays paused.
func (m *Machine) ResumeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case stateRunning:
		return nil
	case statePaused:
	case stateShutdown:
		return ErrShutdown
	default:
		return ErrNotRunning
	}

	if m.resetPending {
		m.resetPending = false

		if err := m.resetLocked(); err != nil {
			return err
		}
	}

	return m.resumeLocked()
}

func (m *Machine) resumeLocked() error {
	var result *multierror.Error

	for _, h := range m.devices.Handles() {
		if p, ok := h.Device().(device.Pauser); ok {
			if err := p.Resume(); err != nil {
				result = multierror.Append(result, fmt.Errorf("resume device %s: %w", h.ID(), err))
			}
		}
	}

	m.resumeCPUs()
	m.state = stateRunning

	return result.ErrorOrNil()
}

// Paused reports whether no vCPU can run: PauseAll has completed and
// ResumeAll not yet run, or the machine was never started.
func (m *Machine) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state == statePaused || m.state == stateCreated
}

func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state == stateRunning
}

// Reset puts every vCPU back to its boot state and resets devices. If
// another caller holds the machine paused, the reset is deferred to its
// ResumeAll and the pause is left alone.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case statePaused:
		m.resetPending = true
		machineLog.Info("machine paused, reset deferred until resume")

		return nil
	case stateShutdown:
		return ErrShutdown
	case stateCreated:
		return ErrNotRunning
	}

	if err := m.pauseLocked(ctx); err != nil {
		return err
	}

	if err := m.resetLocked(); err != nil {
		return err
	}

	return m.resumeLocked()
}

func (m *Machine) resetLocked() error {
	var result *multierror.Error

	for i, c := range m.cpus {
		if err := c.RestoreState(m.boot[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, h := range m.devices.Handles() {
		if err := h.Do(func(d device.Device) error {
			if r, ok := d.(device.Resettable); ok {
				return r.Reset()
			}

			return nil
		}); err != nil {
			result = multierror.Append(result, fmt.Errorf("reset device %s: %w", h.ID(), err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	machineLog.Info("machine reset")

	return nil
}

// Shutdown stops every vCPU, detaches devices in reverse registration
// order and releases guest memory and the VM. It is safe to call more than
// once and from any goroutine other than a vCPU's.
func (m *Machine) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.state = stateShutdown

		for _, c := range m.cpus {
			c.Stop()
		}
		started := m.started
		m.mu.Unlock()

		if started {
			<-m.done
		}

		var result *multierror.Error

		hs := m.devices.Handles()
		for i := len(hs) - 1; i >= 0; i-- {
			if err := m.DetachDevice(hs[i].ID()); err != nil {
				result = multierror.Append(result, err)
			}
		}

		if err := m.release(); err != nil {
			result = multierror.Append(result, err)
		}

		m.shutdownErr = result.ErrorOrNil()
		machineLog.Info("machine shut down")
	})

	return m.shutdownErr
}

// Wait blocks until every vCPU has returned and the machine is torn down,
// then reports the first fatal error, if any.
func (m *Machine) Wait() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if !started {
		return ErrNotRunning
	}

	<-m.done

	// A guest poweroff or a fatal error starts the teardown on another
	// goroutine. Shutdown joins it.
	shutdownErr := m.Shutdown()

	m.errMu.Lock()
	defer m.errMu.Unlock()

	if m.fatalErr != nil {
		return m.fatalErr
	}

	if m.waitErr != nil {
		return m.waitErr
	}

	return shutdownErr
}
