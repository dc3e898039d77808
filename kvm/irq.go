package kvm

import "unsafe"

type interrupt struct {
	IRQ uint32
}

// Interrupt queues an external interrupt vector on a vcpu. It is only valid
// without an in-kernel irqchip and while the vcpu is ready for injection.
func Interrupt(vcpuFd uintptr, vector uint32) error {
	irq := interrupt{IRQ: vector}
	_, err := Ioctl(vcpuFd, IIOW(kvmInterrupt, unsafe.Sizeof(irq)), uintptr(unsafe.Pointer(&irq)))

	return err
}
