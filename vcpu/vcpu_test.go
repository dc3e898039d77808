package vcpu_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/hypervisor/fakehv"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/bobuhiro11/vmcore/vcpu"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitFor = 5 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// countingBus records every access instead of emulating it.
type countingBus struct {
	as *memory.AddressSpace

	n      atomic.Int64
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func newCountingBus() *countingBus {
	return &countingBus{as: memory.NewAddressSpace("counting")}
}

func (b *countingBus) Emulate(_ *memory.TranslationCache, _ memory.GuestAddress, data []byte, isWrite bool) error {
	b.n.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if isWrite {
		b.writes = append(b.writes, append([]byte(nil), data...))
	}

	return b.err
}

func (b *countingBus) AddressSpace() *memory.AddressSpace {
	return b.as
}

func (b *countingBus) Writes() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([][]byte(nil), b.writes...)
}

type events struct {
	mu  sync.Mutex
	got []vcpu.Event
}

func (e *events) add(ev vcpu.Event) {
	e.mu.Lock()
	e.got = append(e.got, ev)
	e.mu.Unlock()
}

func (e *events) list() []vcpu.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]vcpu.Event(nil), e.got...)
}

func newVCPU(t *testing.T, p fakehv.Program, cfg vcpu.Config) (*vcpu.VCPU, *fakehv.CPU) {
	t.Helper()

	hv := fakehv.New()
	hv.SetProgram(0, p)

	vm, err := hv.CreateVM()
	require.NoError(t, err)

	hc, err := vm.CreateVCPU(0)
	require.NoError(t, err)

	if cfg.MMIO == nil {
		cfg.MMIO = newCountingBus()
	}

	if cfg.PIO == nil {
		cfg.PIO = newCountingBus()
	}

	return vcpu.New(0, hc, cfg), hc.(*fakehv.CPU)
}

func start(c *vcpu.VCPU) <-chan error {
	done := make(chan error, 1)

	go func() { done <- c.Run() }()

	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("vcpu did not return")
	}

	return nil
}

func pioOut(port uint16, b byte) *hypervisor.ExitPIO {
	return &hypervisor.ExitPIO{Port: port, Size: 1, Count: 1, Data: []byte{b}, IsWrite: true}
}

func TestHaltBlocksUntilInterrupt(t *testing.T) {
	t.Parallel()

	c, hc := newVCPU(t, fakehv.Halt(), vcpu.Config{})
	done := start(c)

	require.Eventually(t, func() bool { return c.State() == vcpu.Halted }, waitFor, time.Millisecond)

	// A halted vCPU must not re-enter the guest on its own.
	runs := hc.Runs()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, runs, hc.Runs())
	assert.Equal(t, vcpu.Halted, c.State())

	c.InjectInterrupt(0x21)

	require.Eventually(t, func() bool {
		return len(hc.Delivered()) == 1 && c.State() == vcpu.Halted
	}, waitFor, time.Millisecond)
	assert.Equal(t, []uint32{0x21}, hc.Delivered())
	assert.Equal(t, runs+1, hc.Runs())

	c.Stop()
	require.NoError(t, wait(t, done))
	assert.Equal(t, vcpu.Destroyed, c.State())
	require.NoError(t, c.Close())
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	pio := newCountingBus()
	c, _ := newVCPU(t, fakehv.Loop(pioOut(0x10, 1)), vcpu.Config{PIO: pio})
	done := start(c)

	require.Eventually(t, func() bool { return pio.n.Load() > 10 }, waitFor, time.Millisecond)

	_, err := c.SaveState()
	assert.ErrorIs(t, err, vcpu.ErrInvalidState, "registers are only stable while paused")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.WaitPaused(ctx), context.DeadlineExceeded)

	c.RequestPause()
	require.NoError(t, c.WaitPaused(context.Background()))
	assert.True(t, c.Paused())
	assert.Equal(t, vcpu.Paused, c.State())

	n := pio.n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, pio.n.Load(), "no access after pause")

	st, err := c.SaveState()
	require.NoError(t, err)
	require.NoError(t, c.RestoreState(st))

	c.Resume()
	require.Eventually(t, func() bool { return pio.n.Load() > n }, waitFor, time.Millisecond)
	assert.False(t, c.Paused())

	c.Stop()
	require.NoError(t, wait(t, done))
}

func TestFatalExits(t *testing.T) {
	t.Parallel()

	unrecoverable := newCountingBus()
	unrecoverable.err = fmt.Errorf("disk gone: %w", device.ErrUnrecoverable)

	for name, tt := range map[string]struct {
		exit hypervisor.Exit
		cfg  vcpu.Config
		want error
	}{
		"triple fault": {&hypervisor.ExitShutdown{}, vcpu.Config{}, vcpu.ErrTripleFault},
		"crash":        {&hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventCrash}, vcpu.Config{}, vcpu.ErrGuestCrash},
		"unknown":      {&hypervisor.ExitUnknown{Code: 99}, vcpu.Config{}, vcpu.ErrUnexpectedExit},
		"internal":     {&hypervisor.ExitInternalError{Class: hypervisor.InternalErrorFatal}, vcpu.Config{}, vcpu.ErrInternal},
		"short pio": {
			&hypervisor.ExitPIO{Port: 0x10, Size: 2, Count: 2, Data: []byte{1, 2, 3}, IsWrite: true},
			vcpu.Config{},
			vcpu.ErrUnexpectedExit,
		},
		"device": {
			&hypervisor.ExitMMIO{Addr: 0xd000_0000, Data: []byte{0}, IsWrite: true},
			vcpu.Config{MMIO: unrecoverable},
			vcpu.ErrIrrecoverableDevice,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, _ := newVCPU(t, fakehv.Sequence(tt.exit), tt.cfg)

			err := wait(t, start(c))
			require.ErrorIs(t, err, tt.want)
			assert.True(t, vcpu.IsFatal(err))
			assert.Equal(t, vcpu.ExitedWithError, c.State())
			assert.Equal(t, err, c.Err())

			assert.ErrorIs(t, c.Run(), vcpu.ErrInvalidState, "a vCPU runs once")
		})
	}
}

func TestInternalErrorRetry(t *testing.T) {
	t.Parallel()

	transient := &hypervisor.ExitInternalError{Class: hypervisor.InternalErrorTransient, Suberror: 1}
	poweroff := &hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventShutdown}

	var ev events

	c, _ := newVCPU(t, fakehv.Sequence(transient, transient, transient, poweroff),
		vcpu.Config{MaxInternalErrorRetries: 3, OnEvent: ev.add})
	require.NoError(t, wait(t, start(c)))
	assert.Equal(t, []vcpu.Event{{CPU: 0, Type: hypervisor.SystemEventShutdown}}, ev.list())

	c, _ = newVCPU(t, fakehv.Sequence(transient, transient, transient, transient), vcpu.Config{})
	assert.ErrorIs(t, wait(t, start(c)), vcpu.ErrInternal)
}

func TestResetEventParks(t *testing.T) {
	t.Parallel()

	var ev events

	c, _ := newVCPU(t, fakehv.Sequence(&hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventReset}),
		vcpu.Config{OnEvent: ev.add})
	done := start(c)

	require.Eventually(t, c.Paused, waitFor, time.Millisecond)
	assert.Equal(t, []vcpu.Event{{CPU: 0, Type: hypervisor.SystemEventReset}}, ev.list())

	c.Resume()
	require.Eventually(t, func() bool { return c.State() == vcpu.Running }, waitFor, time.Millisecond)

	c.Stop()
	require.NoError(t, wait(t, done))
}

func TestStringPIO(t *testing.T) {
	t.Parallel()

	pio := newCountingBus()
	c, _ := newVCPU(t, fakehv.Sequence(
		&hypervisor.ExitPIO{Port: 0x3f8, Size: 1, Count: 2, Data: []byte("hi"), IsWrite: true},
	), vcpu.Config{PIO: pio})
	done := start(c)

	require.Eventually(t, func() bool { return pio.n.Load() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("h"), []byte("i")}, pio.Writes())

	c.Stop()
	require.NoError(t, wait(t, done))
}

func TestInterruptWhileRunning(t *testing.T) {
	t.Parallel()

	c, hc := newVCPU(t, fakehv.Loop(pioOut(0x80, 0)), vcpu.Config{})
	done := start(c)

	require.Eventually(t, func() bool { return c.State() == vcpu.Running }, waitFor, time.Millisecond)

	c.InjectInterrupt(0x24)
	c.InjectInterrupt(0x25)

	require.Eventually(t, func() bool { return len(hc.Delivered()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []uint32{0x24, 0x25}, hc.Delivered())

	c.Stop()
	require.NoError(t, wait(t, done))
}

func TestStateBeforeRun(t *testing.T) {
	t.Parallel()

	c, hc := newVCPU(t, nil, vcpu.Config{})
	require.NoError(t, hc.Setup(hypervisor.BootState{Entry: 0x100000}))

	assert.Equal(t, vcpu.Created, c.State())
	assert.Equal(t, "created", c.State().String())
	require.NoError(t, c.WaitPaused(context.Background()), "a created vCPU is already quiescent")

	st, err := c.SaveState()
	require.NoError(t, err)
	assert.Len(t, st.Regs, 24)

	c.Stop()
	require.NoError(t, wait(t, start(c)))
	assert.Equal(t, vcpu.Destroyed, c.State())
	assert.Equal(t, 0, c.ID())
}

func TestRegisterMetrics(t *testing.T) {
	t.Parallel()

	require.NoError(t, vcpu.RegisterMetrics(prometheus.NewRegistry()))
}
