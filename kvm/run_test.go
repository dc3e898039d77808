package kvm

import (
	"testing"
	"unsafe"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunPage(t *testing.T) ([]byte, *RunData) {
	t.Helper()

	page := make([]byte, 0x1000)

	return page, (*RunData)(unsafe.Pointer(&page[0]))
}

func TestRunDataLayout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uintptr(1), unsafe.Offsetof(RunData{}.ImmediateExit))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(RunData{}.ExitReason))
	assert.Equal(t, uintptr(runDataOffset), unsafe.Offsetof(RunData{}.Data))
	assert.Equal(t, uintptr(144), unsafe.Sizeof(Regs{}))
	assert.Equal(t, uintptr(312), unsafe.Sizeof(Sregs{}))
	assert.Equal(t, uintptr(128), unsafe.Sizeof(DebugRegs{}))
}

func TestDecodePIO(t *testing.T) {
	t.Parallel()

	page, run := newRunPage(t)
	run.ExitReason = uint32(EXITIO)
	// out, 1 byte, port 0x3f8, count 2, data at 0x200
	run.Data[0] = EXITIOOUT | 1<<8 | 0x3f8<<16 | 2<<32
	run.Data[1] = 0x200
	page[0x200], page[0x201] = 'h', 'i'

	exit, err := decodeExit(run, page)
	require.NoError(t, err)

	pio, ok := exit.(*hypervisor.ExitPIO)
	require.True(t, ok)
	assert.Equal(t, uint16(0x3f8), pio.Port)
	assert.Equal(t, 1, pio.Size)
	assert.Equal(t, 2, pio.Count)
	assert.True(t, pio.IsWrite)
	assert.Equal(t, []byte("hi"), pio.Data)

	// Data aliases the run page.
	pio.Data[0] = 'H'
	assert.Equal(t, byte('H'), page[0x200])
}

func TestDecodePIOOutOfPage(t *testing.T) {
	t.Parallel()

	page, run := newRunPage(t)
	run.ExitReason = uint32(EXITIO)
	run.Data[0] = EXITIOIN | 4<<8 | 0x60<<16 | 1<<32
	run.Data[1] = 0xffe

	_, err := decodeExit(run, page)
	assert.ErrorIs(t, err, ErrUnexpectedExitReason)
}

func TestDecodeMMIORead(t *testing.T) {
	t.Parallel()

	page, run := newRunPage(t)
	run.ExitReason = uint32(EXITMMIO)
	run.Data[0] = 0xd000_0010
	run.Data[2] = 4

	exit, err := decodeExit(run, page)
	require.NoError(t, err)

	mmio, ok := exit.(*hypervisor.ExitMMIO)
	require.True(t, ok)
	assert.Equal(t, uint64(0xd000_0010), mmio.Addr)
	assert.False(t, mmio.IsWrite)
	require.Len(t, mmio.Data, 4)

	copy(mmio.Data, []byte{1, 2, 3, 4})
	assert.Equal(t, uint64(0x04030201), run.Data[1])
}

func TestDecodeExits(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		reason ExitType
		data0  uint64
		want   hypervisor.Exit
	}{
		{name: "Halt", reason: EXITHLT, want: &hypervisor.ExitHalt{}},
		{name: "Shutdown", reason: EXITSHUTDOWN, want: &hypervisor.ExitShutdown{}},
		{name: "Intr", reason: EXITINTR, want: &hypervisor.ExitInterrupted{}},
		{name: "IRQWindow", reason: EXITIRQWINDOWOPEN, want: &hypervisor.ExitInterrupted{}},
		{name: "Debug", reason: EXITDEBUG, want: &hypervisor.ExitDebug{}},
		{
			name: "Poweroff", reason: EXITSYSTEMEVENT, data0: systemEventShutdown,
			want: &hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventShutdown},
		},
		{
			name: "Reset", reason: EXITSYSTEMEVENT, data0: systemEventReset,
			want: &hypervisor.ExitSystemEvent{Type: hypervisor.SystemEventReset},
		},
		{
			name: "Emulation", reason: EXITINTERNALERROR, data0: internalErrorEmulation,
			want: &hypervisor.ExitInternalError{
				Class: hypervisor.InternalErrorTransient, Suberror: internalErrorEmulation,
			},
		},
		{
			name: "DeliveryEvent", reason: EXITINTERNALERROR, data0: 3,
			want: &hypervisor.ExitInternalError{Class: hypervisor.InternalErrorFatal, Suberror: 3},
		},
		{name: "Unknown", reason: ExitType(99), want: &hypervisor.ExitUnknown{Code: 99}},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			page, run := newRunPage(t)
			run.ExitReason = uint32(test.reason)
			run.Data[0] = test.data0

			exit, err := decodeExit(run, page)
			require.NoError(t, err)
			assert.Equal(t, test.want, exit)
		})
	}
}

func TestRegsRoundTrip(t *testing.T) {
	t.Parallel()

	in := &Sregs{CR0: 1, EFER: 0x500}
	in.CS.Limit, in.CS.G, in.CS.DB = 0xffffffff, 1, 1
	in.GDT.Base = 0x1000

	b, err := encode(in)
	require.NoError(t, err)
	require.Len(t, b, int(unsafe.Sizeof(Sregs{})))

	var out Sregs
	require.NoError(t, decode(b, &out))
	assert.Equal(t, *in, out)

	assert.ErrorIs(t, decode(append(b, 0), &out), errBadStateSize)
}
