package kvm

import (
	"fmt"
	"slices"
)

// Capability is a KVM extension queried with CheckExtension.
type Capability uint32

const (
	CapIRQChip                Capability = 0
	CapHLT                    Capability = 1
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapEXTCPUID               Capability = 7
	CapNRVCPUs                Capability = 9
	CapNRMemSlots             Capability = 10
	CapMPState                Capability = 14
	CapCoalescedMMIO          Capability = 15
	CapSyncMMU                Capability = 16
	CapIOMMU                  Capability = 18
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapIRQRouting             Capability = 25
	CapSetIdentityMapAddr     Capability = 37
	CapInternalErrorData      Capability = 40
	CapVCPUEvents             Capability = 41
	CapDebugRegs              Capability = 50
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapKVMClockCtrl           Capability = 76
	CapImmediateExit          Capability = 136
	CapGETMSRFeatures         Capability = 153
	CapManualDirtyLogProtect2 Capability = 168
	CapX86TripleFaultEvent    Capability = 218
)

var capNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapHLT:                    "CapHLT",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapEXTCPUID:               "CapEXTCPUID",
	CapNRVCPUs:                "CapNRVCPUs",
	CapNRMemSlots:             "CapNRMemSlots",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapSyncMMU:                "CapSyncMMU",
	CapIOMMU:                  "CapIOMMU",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapIRQRouting:             "CapIRQRouting",
	CapSetIdentityMapAddr:     "CapSetIdentityMapAddr",
	CapInternalErrorData:      "CapInternalErrorData",
	CapVCPUEvents:             "CapVCPUEvents",
	CapDebugRegs:              "CapDebugRegs",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapImmediateExit:          "CapImmediateExit",
	CapGETMSRFeatures:         "CapGETMSRFeatures",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapX86TripleFaultEvent:    "CapX86TripleFaultEvent",
}

func (c Capability) String() string {
	if n, ok := capNames[c]; ok {
		return n
	}

	return fmt.Sprintf("Capability(%d)", uint32(c))
}

// Capabilities lists every capability this package knows by name, in
// ascending order.
func Capabilities() []Capability {
	caps := make([]Capability, 0, len(capNames))
	for c := range capNames {
		caps = append(caps, c)
	}

	slices.Sort(caps)

	return caps
}

// RequiredCapabilities must all be present for the backend to work.
var RequiredCapabilities = []Capability{
	CapUserMemory,
	CapSetTSSAddr,
	CapImmediateExit,
}

// CheckExtension returns the value KVM reports for cap; zero means the
// extension is absent.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	res, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(res), err
}
