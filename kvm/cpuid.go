package kvm

import (
	"unsafe"
)

const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2 with room for maxCPUIDEntries leaves.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// ForVCPU returns a copy of the leaves with the initial APIC id in leaf 1
// set to id.
func (c *CPUID) ForVCPU(id int) *CPUID {
	out := *c

	for i := range out.Entries[:out.Nent] {
		if e := &out.Entries[i]; e.Function == 1 {
			e.Ebx = e.Ebx&0x00ffffff | uint32(id)<<24
		}
	}

	return &out
}

// GetSupportedCPUID fills c with every leaf the host KVM can expose.
func GetSupportedCPUID(kvmFd uintptr, c *CPUID) error {
	c.Nent = maxCPUIDEntries
	_, err := Ioctl(kvmFd, IIOWR(kvmGetSupportedCPUID, 8), uintptr(unsafe.Pointer(c)))

	return err
}

// SetCPUID2 installs c on one vCPU. It must run before the first KVM_RUN.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetCPUID2, 8), uintptr(unsafe.Pointer(c)))

	return err
}
