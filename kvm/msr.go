package kvm

import (
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/vmcore/hypervisor"
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = uint32(len(list.Indicies))
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, 4),
		uintptr(unsafe.Pointer(list)))

	return err
}

// savedMSRs are carried across migration. EFER travels in Sregs.
var savedMSRs = []uint32{
	0x10,       // IA32_TIME_STAMP_COUNTER
	0x174,      // IA32_SYSENTER_CS
	0x175,      // IA32_SYSENTER_ESP
	0x176,      // IA32_SYSENTER_EIP
	0x1a0,      // IA32_MISC_ENABLE
	0xc0000081, // STAR
	0xc0000082, // LSTAR
	0xc0000083, // CSTAR
	0xc0000084, // SFMASK
	0xc0000102, // KERNEL_GS_BASE
}

const maxMSRs = 32

type msrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type msrs struct {
	NMSRs   uint32
	Pad     uint32
	Entries [maxMSRs]msrEntry
}

// GetMSRs reads the given MSRs. KVM stops at the first one it cannot read,
// so the result may be shorter than indexes.
func GetMSRs(vcpuFd uintptr, indexes []uint32) ([]hypervisor.MSREntry, error) {
	if len(indexes) > maxMSRs {
		return nil, fmt.Errorf("%d msrs: %w", len(indexes), errBadStateSize)
	}

	m := msrs{NMSRs: uint32(len(indexes))}
	for i, idx := range indexes {
		m.Entries[i].Index = idx
	}

	n, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRS, 8), uintptr(unsafe.Pointer(&m)))
	if err != nil {
		return nil, err
	}

	out := make([]hypervisor.MSREntry, 0, n)
	for _, e := range m.Entries[:n] {
		out = append(out, hypervisor.MSREntry{Index: e.Index, Data: e.Data})
	}

	return out, nil
}

func SetMSRs(vcpuFd uintptr, entries []hypervisor.MSREntry) error {
	if len(entries) > maxMSRs {
		return fmt.Errorf("%d msrs: %w", len(entries), errBadStateSize)
	}

	m := msrs{NMSRs: uint32(len(entries))}
	for i, e := range entries {
		m.Entries[i] = msrEntry{Index: e.Index, Data: e.Data}
	}

	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRS, 8), uintptr(unsafe.Pointer(&m)))
	if err != nil {
		return err
	}

	if int(n) != len(entries) {
		return fmt.Errorf("set msr %#x: %w", entries[n].Index, errMSRRejected)
	}

	return nil
}
