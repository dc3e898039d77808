// Package kvm implements the hypervisor interfaces on Linux KVM.
package kvm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	apiVersion = 12

	pageSize = 0x1000

	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000

	// immediateExitBit is ImmediateExit within the first 32-bit word of
	// the kvm_run page; requestWindowBit is RequestInterruptWindow.
	requestWindowBit = 1 << 0
	immediateExitBit = 1 << 8
)

var kvmLog = logrus.WithField("subsystem", "kvm")

// SetLogger sets the logger for the kvm package.
func SetLogger(logger *logrus.Entry) {
	fields := kvmLog.Data
	kvmLog = logger.WithFields(fields)
}

func GetAPIVersion(kvmFd uintptr) (int, error) {
	v, err := Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)

	return int(v), err
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(vcpuID))
}

func GetVCPUMMmapSize(kvmFd uintptr) (int, error) {
	n, err := Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)

	return int(n), err
}

// Hypervisor is an open /dev/kvm.
type Hypervisor struct {
	f       *os.File
	runSize int
	cpuid   CPUID
	xcrs    bool
}

// Open opens the KVM device at path and checks that it can run guests the
// way this package drives them.
func Open(path string) (*Hypervisor, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open %s: %w: %w", path, hypervisor.ErrPermissionDenied, err)
		}

		return nil, fmt.Errorf("open %s: %w: %w", path, hypervisor.ErrInvalidHandle, err)
	}

	h := &Hypervisor{f: f}
	if err := h.init(); err != nil {
		f.Close()

		return nil, err
	}

	return h, nil
}

func (h *Hypervisor) init() error {
	fd := h.Fd()

	v, err := GetAPIVersion(fd)
	if err != nil {
		return wrapErrno("GetAPIVersion", err)
	}

	if v != apiVersion {
		return fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}

	for _, c := range RequiredCapabilities {
		n, err := CheckExtension(fd, c)
		if err != nil {
			return wrapErrno("CheckExtension", err)
		}

		if n == 0 {
			return fmt.Errorf("%w: %s", errMissingCap, c)
		}
	}

	if n, err := CheckExtension(fd, CapXCRS); err == nil && n > 0 {
		h.xcrs = true
	}

	if h.runSize, err = GetVCPUMMmapSize(fd); err != nil {
		return wrapErrno("GetVCPUMMmapSize", err)
	}

	if err := GetSupportedCPUID(fd, &h.cpuid); err != nil {
		return wrapErrno("GetSupportedCPUID", err)
	}

	return nil
}

func (h *Hypervisor) Fd() uintptr {
	return h.f.Fd()
}

func (h *Hypervisor) Close() error {
	return h.f.Close()
}

func (h *Hypervisor) CreateVM() (hypervisor.VM, error) {
	fd, err := CreateVM(h.Fd())
	if err != nil {
		return nil, wrapErrno("CreateVM", err)
	}

	vm := &VM{hv: h, fd: fd, slots: make(map[uint32]*UserspaceMemoryRegion)}

	if err := SetTSSAddr(fd, tssAddr); err != nil {
		vm.Close()

		return nil, wrapErrno("SetTSSAddr", err)
	}

	if err := SetIdentityMapAddr(fd, identityMapAddr); err != nil {
		vm.Close()

		return nil, wrapErrno("SetIdentityMapAddr", err)
	}

	return vm, nil
}

type VM struct {
	hv *Hypervisor
	fd uintptr

	mu    sync.Mutex
	slots map[uint32]*UserspaceMemoryRegion
}

func (vm *VM) CreateVCPU(id int) (hypervisor.VCPU, error) {
	fd, err := CreateVCPU(vm.fd, id)
	if err != nil {
		return nil, wrapErrno(fmt.Sprintf("CreateVCPU %d", id), err)
	}

	page, err := unix.Mmap(int(fd), 0, vm.hv.runSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, wrapErrno("mmap kvm_run", err)
	}

	c := &VCPU{
		id:   id,
		fd:   fd,
		vm:   vm,
		page: page,
		run:  (*RunData)(unsafe.Pointer(&page[0])),
	}

	if err := SetCPUID2(fd, vm.hv.cpuid.ForVCPU(id)); err != nil {
		c.Close()

		return nil, wrapErrno("SetCPUID2", err)
	}

	return c, nil
}

func (vm *VM) MapGuestMemory(slot uint32, gpa uint64, mem []byte, flags hypervisor.MapFlags) error {
	if gpa%pageSize != 0 || len(mem) == 0 || len(mem)%pageSize != 0 {
		return fmt.Errorf("slot %d at %#x: %w", slot, gpa, errUnalignedSlot)
	}

	r := &UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if flags&hypervisor.MapLogDirty != 0 {
		r.SetMemLogDirtyPages()
	}

	if flags&hypervisor.MapReadOnly != 0 {
		r.SetMemReadonly()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := SetUserMemoryRegion(vm.fd, r); err != nil {
		return wrapErrno(fmt.Sprintf("SetUserMemoryRegion slot %d", slot), err)
	}

	vm.slots[slot] = r

	return nil
}

// EnableDirtyLog re-registers the slot with the dirty logging flag changed.
func (vm *VM) EnableDirtyLog(slot uint32, enable bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	r, ok := vm.slots[slot]
	if !ok {
		return fmt.Errorf("slot %d: %w: %w", slot, hypervisor.ErrInvalidHandle, errUnknownSlot)
	}

	nr := *r
	if enable {
		nr.SetMemLogDirtyPages()
	} else {
		nr.Flags &^= 1 << 0
	}

	if err := SetUserMemoryRegion(vm.fd, &nr); err != nil {
		return wrapErrno(fmt.Sprintf("SetUserMemoryRegion slot %d", slot), err)
	}

	*r = nr

	return nil
}

func (vm *VM) GetDirtyLog(slot uint32, bitmap []uint64) error {
	vm.mu.Lock()
	r, ok := vm.slots[slot]
	vm.mu.Unlock()

	if !ok {
		return fmt.Errorf("slot %d: %w: %w", slot, hypervisor.ErrInvalidHandle, errUnknownSlot)
	}

	pages := r.MemorySize / pageSize
	if uint64(len(bitmap)) < (pages+63)/64 {
		return fmt.Errorf("slot %d: %w", slot, errBitmapTooSmall)
	}

	return wrapErrno(fmt.Sprintf("GetDirtyLog slot %d", slot), GetDirtyLog(vm.fd, slot, bitmap))
}

func (vm *VM) Close() error {
	return wrapErrno("close vm", unix.Close(int(vm.fd)))
}

type VCPU struct {
	id   int
	fd   uintptr
	vm   *VM
	page []byte
	run  *RunData

	tid atomic.Int32

	mu      sync.Mutex
	pending []uint32
}

func (c *VCPU) ID() int {
	return c.id
}

// Setup puts the vCPU in flat 32-bit protected mode at boot.Entry.
func (c *VCPU) Setup(boot hypervisor.BootState) error {
	regs, err := GetRegs(c.fd)
	if err != nil {
		return wrapErrno("GetRegs", err)
	}

	regs.RFLAGS = 2
	regs.RIP = boot.Entry
	regs.RSP = boot.Stack
	regs.RSI = boot.Args

	if err := SetRegs(c.fd, regs); err != nil {
		return wrapErrno("SetRegs", err)
	}

	sregs, err := GetSregs(c.fd)
	if err != nil {
		return wrapErrno("GetSregs", err)
	}

	// set all segment flat
	for _, s := range []*Segment{&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS} {
		s.Base, s.Limit, s.G = 0, 0xFFFFFFFF, 1
	}

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	return wrapErrno("SetSregs", SetSregs(c.fd, sregs))
}

func (c *VCPU) head() *uint32 {
	return (*uint32)(unsafe.Pointer(&c.page[0]))
}

// Run enters the guest once. A kick or a signal returns ExitInterrupted.
func (c *VCPU) Run() (hypervisor.Exit, error) {
	c.tid.Store(int32(unix.Gettid()))

	if err := c.injectPending(); err != nil {
		return nil, err
	}

	_, err := rawIoctl(c.fd, IIO(kvmRun), 0)

	switch {
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		atomic.AndUint32(c.head(), ^uint32(immediateExitBit))

		return &hypervisor.ExitInterrupted{}, nil
	case err != nil:
		return nil, wrapErrno("KVM_RUN", err)
	}

	exit, err := decodeExit(c.run, c.page)
	if err != nil {
		return nil, err
	}

	if u, ok := exit.(*hypervisor.ExitUnknown); ok {
		kvmLog.WithFields(logrus.Fields{"cpu": c.id, "reason": ExitType(u.Code)}).Debug("unhandled exit")
	}

	return exit, nil
}

// Kick sets immediate_exit for the next entry and signals the vCPU thread
// to leave a KVM_RUN in progress. SIGURG is already handled by the Go
// runtime, so the signal does nothing else.
func (c *VCPU) Kick() {
	atomic.OrUint32(c.head(), immediateExitBit)

	if tid := c.tid.Load(); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}

// InjectInterrupt queues vector. It is handed to KVM once the guest can
// take it; until then an interrupt window exit is requested.
func (c *VCPU) InjectInterrupt(vector uint32) error {
	c.mu.Lock()
	c.pending = append(c.pending, vector)
	c.mu.Unlock()

	return nil
}

func (c *VCPU) injectPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 && c.run.ReadyForInterruptInjection != 0 && c.run.IfFlag != 0 {
		if err := Interrupt(c.fd, c.pending[0]); err != nil {
			return wrapErrno("KVM_INTERRUPT", err)
		}

		c.pending = c.pending[1:]
	}

	if len(c.pending) > 0 {
		atomic.OrUint32(c.head(), requestWindowBit)
	} else {
		atomic.AndUint32(c.head(), ^uint32(requestWindowBit))
	}

	return nil
}

func (c *VCPU) GetState() (*hypervisor.VCPUState, error) {
	st := &hypervisor.VCPUState{}

	regs, err := GetRegs(c.fd)
	if err != nil {
		return nil, wrapErrno("GetRegs", err)
	}

	sregs, err := GetSregs(c.fd)
	if err != nil {
		return nil, wrapErrno("GetSregs", err)
	}

	var dregs DebugRegs
	if err := GetDebugRegs(c.fd, &dregs); err != nil {
		return nil, wrapErrno("GetDebugRegs", err)
	}

	if st.Regs, err = encode(regs); err != nil {
		return nil, err
	}

	if st.Sregs, err = encode(sregs); err != nil {
		return nil, err
	}

	if st.DebugRegs, err = encode(&dregs); err != nil {
		return nil, err
	}

	if st.MSRs, err = GetMSRs(c.fd, savedMSRs); err != nil {
		return nil, wrapErrno("GetMSRs", err)
	}

	if st.MPState, err = getMPState(c.fd); err != nil {
		return nil, wrapErrno("GetMPState", err)
	}

	if st.Events, err = getVCPUEvents(c.fd); err != nil {
		return nil, wrapErrno("GetVCPUEvents", err)
	}

	if c.vm.hv.xcrs {
		if st.XCRS, err = getXCRS(c.fd); err != nil {
			return nil, wrapErrno("GetXCRS", err)
		}
	}

	return st, nil
}

// SetState restores a state taken by GetState. Special registers go first
// since they change how the general purpose ones are interpreted.
func (c *VCPU) SetState(st *hypervisor.VCPUState) error {
	if len(st.Sregs) > 0 {
		var sregs Sregs
		if err := decode(st.Sregs, &sregs); err != nil {
			return fmt.Errorf("sregs: %w", err)
		}

		if err := SetSregs(c.fd, &sregs); err != nil {
			return wrapErrno("SetSregs", err)
		}
	}

	if len(st.Regs) > 0 {
		var regs Regs
		if err := decode(st.Regs, &regs); err != nil {
			return fmt.Errorf("regs: %w", err)
		}

		if err := SetRegs(c.fd, &regs); err != nil {
			return wrapErrno("SetRegs", err)
		}
	}

	if len(st.MSRs) > 0 {
		if err := SetMSRs(c.fd, st.MSRs); err != nil {
			return wrapErrno("SetMSRs", err)
		}
	}

	if len(st.XCRS) > 0 {
		if err := setXCRS(c.fd, st.XCRS); err != nil {
			return wrapErrno("SetXCRS", err)
		}
	}

	if len(st.Events) > 0 {
		if err := setVCPUEvents(c.fd, st.Events); err != nil {
			return wrapErrno("SetVCPUEvents", err)
		}
	}

	if len(st.DebugRegs) > 0 {
		var dregs DebugRegs
		if err := decode(st.DebugRegs, &dregs); err != nil {
			return fmt.Errorf("debugregs: %w", err)
		}

		if err := SetDebugRegs(c.fd, &dregs); err != nil {
			return wrapErrno("SetDebugRegs", err)
		}
	}

	return wrapErrno("SetMPState", setMPState(c.fd, st.MPState))
}

func (c *VCPU) Close() error {
	var errs []error

	if c.page != nil {
		errs = append(errs, unix.Munmap(c.page))
		c.page = nil
	}

	errs = append(errs, unix.Close(int(c.fd)))

	return wrapErrno(fmt.Sprintf("close cpu%d", c.id), errors.Join(errs...))
}
