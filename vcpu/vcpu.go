// Package vcpu runs one virtual CPU: it enters the guest, decodes why the
// guest stopped, emulates the access and re-enters.
package vcpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/sirupsen/logrus"
)

const defaultInternalErrorRetries = 3

var vcpuLog = logrus.WithField("subsystem", "vcpu")

// SetLogger sets the logger for the vcpu package.
func SetLogger(logger *logrus.Entry) {
	fields := vcpuLog.Data
	vcpuLog = logger.WithFields(fields)
}

// Dispatcher emulates a guest access. bus.Bus implements it.
type Dispatcher interface {
	Emulate(cache *memory.TranslationCache, addr memory.GuestAddress, data []byte, isWrite bool) error
	AddressSpace() *memory.AddressSpace
}

type Config struct {
	MMIO Dispatcher
	PIO  Dispatcher

	// OnEvent receives guest power state requests. It is called on the
	// vCPU thread and must not wait for this vCPU to pause.
	OnEvent func(Event)

	// MaxInternalErrorRetries bounds consecutive transient internal
	// errors before the vCPU gives up. Zero means the default.
	MaxInternalErrorRetries int
}

type VCPU struct {
	id  int
	hv  hypervisor.VCPU
	cfg Config

	mmioCache *memory.TranslationCache
	pioCache  *memory.TranslationCache

	mu             sync.Mutex
	state          State
	pauseRequested bool
	stopRequested  bool
	pending        []uint32
	changed        chan struct{}
	err            error
}

func New(id int, hv hypervisor.VCPU, cfg Config) *VCPU {
	if cfg.MaxInternalErrorRetries == 0 {
		cfg.MaxInternalErrorRetries = defaultInternalErrorRetries
	}

	c := &VCPU{
		id:      id,
		hv:      hv,
		cfg:     cfg,
		changed: make(chan struct{}),
	}

	if cfg.MMIO != nil {
		c.mmioCache = memory.NewTranslationCache(cfg.MMIO.AddressSpace())
	}

	if cfg.PIO != nil {
		c.pioCache = memory.NewTranslationCache(cfg.PIO.AddressSpace())
	}

	return c
}

func (c *VCPU) ID() int {
	return c.id
}

func (c *VCPU) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Err returns the fatal error the vCPU exited with, if any.
func (c *VCPU) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// broadcastLocked wakes everyone waiting for a state or request change.
func (c *VCPU) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *VCPU) setStateLocked(s State) {
	if c.state == s {
		return
	}

	vcpuLog.WithFields(logrus.Fields{"cpu": c.id, "from": c.state, "to": s}).Debug("state change")
	c.state = s
	c.broadcastLocked()
}

// waitLocked releases the lock until the next change notification.
func (c *VCPU) waitLocked() {
	ch := c.changed
	c.mu.Unlock()
	<-ch
	c.mu.Lock()
}

// Run executes the vCPU until it is stopped or fails. It locks the calling
// goroutine to its OS thread for the duration.
func (c *VCPU) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.mu.Lock()
	if c.state != Created {
		s := c.state
		c.mu.Unlock()

		return fmt.Errorf("cpu%d run in state %s: %w", c.id, s, ErrInvalidState)
	}

	c.setStateLocked(Running)
	c.mu.Unlock()

	retries := 0

	for {
		if !c.safePoint() {
			return c.finish(nil)
		}

		c.deliverInterrupts()

		exit, err := c.hv.Run()
		if err != nil {
			return c.fail(fmt.Errorf("run: %w", err))
		}

		exitCounter.WithLabelValues(exit.Reason()).Inc()

		if ie, ok := exit.(*hypervisor.ExitInternalError); ok {
			retries++

			if ie.Class == hypervisor.InternalErrorTransient && retries <= c.cfg.MaxInternalErrorRetries {
				vcpuLog.WithFields(logrus.Fields{
					"cpu": c.id, "suberror": ie.Suberror, "retry": retries,
				}).Warn("transient internal error")

				continue
			}

			return c.fail(fmt.Errorf("%w: suberror %d data %#x", ErrInternal, ie.Suberror, ie.Data))
		}

		retries = 0

		if err := c.handleExit(exit); err != nil {
			return c.fail(err)
		}
	}
}

func (c *VCPU) handleExit(exit hypervisor.Exit) error {
	switch e := exit.(type) {
	case *hypervisor.ExitMMIO:
		if err := c.cfg.MMIO.Emulate(c.mmioCache, memory.GuestAddress(e.Addr), e.Data, e.IsWrite); err != nil {
			return fmt.Errorf("%w: %w", ErrIrrecoverableDevice, err)
		}
	case *hypervisor.ExitPIO:
		return c.handlePIO(e)
	case *hypervisor.ExitHalt:
		c.halt()
	case *hypervisor.ExitShutdown:
		return ErrTripleFault
	case *hypervisor.ExitSystemEvent:
		return c.systemEvent(e.Type)
	case *hypervisor.ExitInterrupted, *hypervisor.ExitDebug:
	case *hypervisor.ExitUnknown:
		return fmt.Errorf("%w: %d", ErrUnexpectedExit, e.Code)
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedExit, exit)
	}

	return nil
}

func (c *VCPU) handlePIO(e *hypervisor.ExitPIO) error {
	size, count := e.Size, e.Count
	if size == 0 {
		size = len(e.Data)
	}

	if count == 0 {
		count = 1
	}

	if size*count > len(e.Data) {
		return fmt.Errorf("%w: pio port %#x size %d count %d data %d",
			ErrUnexpectedExit, e.Port, size, count, len(e.Data))
	}

	for i := 0; i < count; i++ {
		chunk := e.Data[i*size : (i+1)*size]
		if err := c.cfg.PIO.Emulate(c.pioCache, memory.GuestAddress(e.Port), chunk, e.IsWrite); err != nil {
			return fmt.Errorf("%w: %w", ErrIrrecoverableDevice, err)
		}
	}

	return nil
}

func (c *VCPU) systemEvent(t hypervisor.SystemEventType) error {
	vcpuLog.WithFields(logrus.Fields{"cpu": c.id, "event": t}).Info("system event")

	c.mu.Lock()
	switch t {
	case hypervisor.SystemEventShutdown:
		c.stopRequested = true
	case hypervisor.SystemEventReset:
		// Park at the next safe point; the controller resumes us after
		// the reset.
		c.pauseRequested = true
	}
	c.broadcastLocked()
	c.mu.Unlock()

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(Event{CPU: c.id, Type: t})
	}

	if t == hypervisor.SystemEventCrash {
		return ErrGuestCrash
	}

	return nil
}

// safePoint parks the vCPU while a pause is requested. It returns false
// if the vCPU must stop.
func (c *VCPU) safePoint() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.stopRequested {
			return false
		}

		if !c.pauseRequested {
			c.setStateLocked(Running)

			return true
		}

		c.setStateLocked(Paused)
		c.waitLocked()
	}
}

// halt blocks until an interrupt is queued or the vCPU is asked to pause
// or stop. It never spins.
func (c *VCPU) halt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 || c.pauseRequested || c.stopRequested {
		return
	}

	c.setStateLocked(Halted)

	for len(c.pending) == 0 && !c.pauseRequested && !c.stopRequested {
		c.waitLocked()
	}
}

func (c *VCPU) deliverInterrupts() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, v := range pending {
		if err := c.hv.InjectInterrupt(v); err != nil {
			vcpuLog.WithError(err).WithFields(logrus.Fields{"cpu": c.id, "vector": v}).Warn("inject interrupt")
		}
	}
}

func (c *VCPU) fail(err error) error {
	f := &FatalError{CPU: c.id, Err: err}
	vcpuLog.WithError(err).WithField("cpu", c.id).Error("vcpu exited with error")

	return c.finish(f)
}

func (c *VCPU) finish(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.err = err
		c.setStateLocked(ExitedWithError)

		return err
	}

	c.setStateLocked(Destroyed)

	return nil
}

// InjectInterrupt queues vector for delivery at the next guest entry and
// wakes the vCPU if it is halted.
func (c *VCPU) InjectInterrupt(vector uint32) {
	c.mu.Lock()
	c.pending = append(c.pending, vector)
	running := c.state == Running
	c.broadcastLocked()
	c.mu.Unlock()

	if running {
		c.hv.Kick()
	}
}

// RequestPause asks the vCPU to park at its next safe point.
func (c *VCPU) RequestPause() {
	c.mu.Lock()
	c.pauseRequested = true
	c.broadcastLocked()
	c.mu.Unlock()

	c.hv.Kick()
}

// WaitPaused blocks until the vCPU no longer touches guest state.
func (c *VCPU) WaitPaused(ctx context.Context) error {
	c.mu.Lock()

	for !c.state.quiescent() {
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("cpu%d: %w", c.id, ctx.Err())
		}

		c.mu.Lock()
	}

	c.mu.Unlock()

	return nil
}

// Paused reports whether a pause has been requested and acknowledged.
func (c *VCPU) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pauseRequested && c.state.quiescent()
}

func (c *VCPU) Resume() {
	c.mu.Lock()
	c.pauseRequested = false
	c.broadcastLocked()
	c.mu.Unlock()
}

// Stop makes Run return at the next safe point.
func (c *VCPU) Stop() {
	c.mu.Lock()
	c.stopRequested = true
	c.broadcastLocked()
	c.mu.Unlock()

	c.hv.Kick()
}

// Close releases the hypervisor vCPU. Run must have returned.
func (c *VCPU) Close() error {
	c.mu.Lock()
	c.setStateLocked(Destroyed)
	c.mu.Unlock()

	return c.hv.Close()
}

// SaveState captures the architectural state. The vCPU must be paused or
// not yet started.
func (c *VCPU) SaveState() (*hypervisor.VCPUState, error) {
	if err := c.checkQuiescent("save"); err != nil {
		return nil, err
	}

	st, err := c.hv.GetState()
	if err != nil {
		return nil, fmt.Errorf("cpu%d: get state: %w", c.id, err)
	}

	return st, nil
}

func (c *VCPU) RestoreState(st *hypervisor.VCPUState) error {
	if err := c.checkQuiescent("restore"); err != nil {
		return err
	}

	if err := c.hv.SetState(st); err != nil {
		return fmt.Errorf("cpu%d: set state: %w", c.id, err)
	}

	return nil
}

func (c *VCPU) checkQuiescent(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Created && c.state != Paused {
		return fmt.Errorf("cpu%d %s in state %s: %w", c.id, op, c.state, ErrInvalidState)
	}

	return nil
}

// Hypervisor returns the backend vCPU.
func (c *VCPU) Hypervisor() hypervisor.VCPU {
	return c.hv
}
