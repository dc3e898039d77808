// Package fakehv is a software hypervisor backend. Guest execution is
// replaced by Programs: Go functions that produce the exits a real guest
// would cause. It backs the VMM core tests and runs without /dev/kvm.
package fakehv

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/vmcore/hypervisor"
)

const pageSize = 0x1000

// Program is called every time a vCPU enters the guest and returns the
// exit that ends this entry.
type Program func(c *CPU) hypervisor.Exit

type Hypervisor struct {
	mu       sync.Mutex
	programs map[int]Program
	vms      []*VM

	// FailCreateVCPU makes CreateVCPU fail for the given id.
	FailCreateVCPU map[int]error
}

func New() *Hypervisor {
	return &Hypervisor{programs: make(map[int]Program), FailCreateVCPU: make(map[int]error)}
}

// SetProgram replaces the program run by vCPU id. It takes effect at the
// next entry.
func (h *Hypervisor) SetProgram(id int, p Program) {
	h.mu.Lock()
	h.programs[id] = p
	h.mu.Unlock()
}

func (h *Hypervisor) program(id int) Program {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.programs[id]
}

func (h *Hypervisor) CreateVM() (hypervisor.VM, error) {
	vm := &VM{hv: h, slots: make(map[uint32]*slot)}

	h.mu.Lock()
	h.vms = append(h.vms, vm)
	h.mu.Unlock()

	return vm, nil
}

// VMs returns every VM created so far.
func (h *Hypervisor) VMs() []*VM {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*VM(nil), h.vms...)
}

type slot struct {
	gpa     uint64
	mem     []byte
	logging bool
	dirty   []uint64
}

type VM struct {
	hv *Hypervisor

	mu     sync.Mutex
	slots  map[uint32]*slot
	cpus   []*CPU
	closed bool
}

func (vm *VM) CreateVCPU(id int) (hypervisor.VCPU, error) {
	if err := vm.hv.FailCreateVCPU[id]; err != nil {
		return nil, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, hypervisor.ErrInvalidHandle
	}

	c := &CPU{id: id, vm: vm, kickC: make(chan struct{}, 1)}
	vm.cpus = append(vm.cpus, c)

	return c, nil
}

// CPU returns the vCPU with the given id or nil.
func (vm *VM) CPU(id int) *CPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, c := range vm.cpus {
		if c.id == id {
			return c
		}
	}

	return nil
}

func (vm *VM) MapGuestMemory(idx uint32, gpa uint64, mem []byte, flags hypervisor.MapFlags) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return hypervisor.ErrInvalidHandle
	}

	if gpa%pageSize != 0 || len(mem)%pageSize != 0 {
		return fmt.Errorf("map slot %d: %w", idx, hypervisor.ErrInvalidHandle)
	}

	pages := len(mem) / pageSize
	vm.slots[idx] = &slot{
		gpa:     gpa,
		mem:     mem,
		logging: flags&hypervisor.MapLogDirty != 0,
		dirty:   make([]uint64, (pages+63)/64),
	}

	return nil
}

func (vm *VM) EnableDirtyLog(idx uint32, enable bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	s, ok := vm.slots[idx]
	if !ok {
		return fmt.Errorf("slot %d: %w", idx, hypervisor.ErrInvalidHandle)
	}

	s.logging = enable

	return nil
}

func (vm *VM) GetDirtyLog(idx uint32, bitmap []uint64) error {
	vm.mu.Lock()
	s, ok := vm.slots[idx]
	vm.mu.Unlock()

	if !ok {
		return fmt.Errorf("slot %d: %w", idx, hypervisor.ErrInvalidHandle)
	}

	if len(bitmap) < len(s.dirty) {
		return fmt.Errorf("dirty bitmap for slot %d too small: %w", idx, hypervisor.ErrResourceExhausted)
	}

	for i := range s.dirty {
		bitmap[i] = atomic.SwapUint64(&s.dirty[i], 0)
	}

	return nil
}

func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.closed = true

	return nil
}

func (vm *VM) Closed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.closed
}

// guestWrite stores data at gpa the way a guest store instruction would,
// including the hypervisor dirty log.
func (vm *VM) guestWrite(gpa uint64, data []byte) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, s := range vm.slots {
		if gpa < s.gpa || gpa+uint64(len(data)) > s.gpa+uint64(len(s.mem)) {
			continue
		}

		off := gpa - s.gpa
		copy(s.mem[off:], data)

		if s.logging && len(data) > 0 {
			for p := off / pageSize; p <= (off+uint64(len(data))-1)/pageSize; p++ {
				atomic.OrUint64(&s.dirty[p/64], 1<<(p%64))
			}
		}

		return nil
	}

	return fmt.Errorf("guest write %#x: %w", gpa, hypervisor.ErrInvalidHandle)
}

func (vm *VM) guestRead(gpa uint64, buf []byte) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, s := range vm.slots {
		if gpa >= s.gpa && gpa+uint64(len(buf)) <= s.gpa+uint64(len(s.mem)) {
			copy(buf, s.mem[gpa-s.gpa:])

			return nil
		}
	}

	return fmt.Errorf("guest read %#x: %w", gpa, hypervisor.ErrInvalidHandle)
}

type CPU struct {
	id int
	vm *VM

	kicked atomic.Bool
	kickC  chan struct{}
	runs   atomic.Uint64

	mu        sync.Mutex
	boot      hypervisor.BootState
	state     *hypervisor.VCPUState
	pending   []uint32
	delivered []uint32
	closed    bool
}

func (c *CPU) ID() int {
	return c.id
}

func (c *CPU) Setup(boot hypervisor.BootState) error {
	regs := make([]byte, 24)
	binary.LittleEndian.PutUint64(regs[0:], boot.Entry)
	binary.LittleEndian.PutUint64(regs[8:], boot.Stack)
	binary.LittleEndian.PutUint64(regs[16:], boot.Args)

	c.mu.Lock()
	c.boot = boot
	c.state = &hypervisor.VCPUState{Regs: regs}
	c.mu.Unlock()

	return nil
}

func (c *CPU) Run() (hypervisor.Exit, error) {
	c.runs.Add(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, hypervisor.ErrInvalidHandle
	}

	c.delivered = append(c.delivered, c.pending...)
	c.pending = nil
	c.mu.Unlock()

	if c.kicked.Swap(false) {
		return &hypervisor.ExitInterrupted{}, nil
	}

	p := c.vm.hv.program(c.id)
	if p == nil {
		// An idle guest: spin in the guest until kicked.
		<-c.kickC
		c.kicked.Store(false)

		return &hypervisor.ExitInterrupted{}, nil
	}

	return p(c), nil
}

func (c *CPU) Kick() {
	c.kicked.Store(true)

	select {
	case c.kickC <- struct{}{}:
	default:
	}
}

func (c *CPU) InjectInterrupt(vector uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, vector)

	return nil
}

func (c *CPU) GetState() (*hypervisor.VCPUState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil {
		return &hypervisor.VCPUState{}, nil
	}

	st := *c.state
	st.Regs = append([]byte(nil), c.state.Regs...)

	return &st, nil
}

func (c *CPU) SetState(st *hypervisor.VCPUState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *st
	cp.Regs = append([]byte(nil), st.Regs...)
	c.state = &cp

	return nil
}

func (c *CPU) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}

// Runs is the number of times the vCPU entered the guest.
func (c *CPU) Runs() uint64 {
	return c.runs.Load()
}

// Delivered returns the interrupt vectors delivered at guest entry so far.
func (c *CPU) Delivered() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]uint32(nil), c.delivered...)
}

// Boot returns the state passed to Setup.
func (c *CPU) Boot() hypervisor.BootState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.boot
}

// SetRegister stores v at register slot i of the fake register file.
func (c *CPU) SetRegister(i int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == nil {
		c.state = &hypervisor.VCPUState{}
	}

	if need := (i + 1) * 8; len(c.state.Regs) < need {
		c.state.Regs = append(c.state.Regs, make([]byte, need-len(c.state.Regs))...)
	}

	binary.LittleEndian.PutUint64(c.state.Regs[i*8:], v)
}

func (c *CPU) WriteGuest(gpa uint64, data []byte) error {
	return c.vm.guestWrite(gpa, data)
}

func (c *CPU) ReadGuest(gpa uint64, buf []byte) error {
	return c.vm.guestRead(gpa, buf)
}

// Sleep lets the guest run for up to d. It returns false if the vCPU was
// kicked first.
func (c *CPU) Sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.kickC:
		c.kicked.Store(true)

		return false
	}
}
