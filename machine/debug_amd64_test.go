package machine_test

import (
	"testing"

	"github.com/bobuhiro11/vmcore/hypervisor/fakehv"
	"github.com/bobuhiro11/vmcore/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestInst(t *testing.T) {
	t.Parallel()

	hv := fakehv.New()
	m := newMachine(t, hv, machine.Config{})

	_, err := m.Inst(0)
	assert.ErrorIs(t, err, machine.ErrBadRegister, "the boot register file has no RIP")

	// RIP is register 16 in the KVM layout.
	rip := uint64(0x1000)
	hv.VMs()[0].CPU(0).SetRegister(16, rip)

	require.NoError(t, m.LoadBlob(0x1000, []byte{0xf4}))

	inst, err := m.Inst(0)
	require.NoError(t, err)
	assert.Equal(t, "hlt", inst)

	require.NoError(t, m.LoadBlob(0x1000, []byte{0x90}))

	inst, err = m.Inst(0)
	require.NoError(t, err)
	assert.Equal(t, "nop", inst)

	// The last byte of RAM still decodes.
	hv.VMs()[0].CPU(0).SetRegister(16, 1<<20-1)
	require.NoError(t, m.LoadBlob(1<<20-1, []byte{0xf4}))

	inst, err = m.Inst(0)
	require.NoError(t, err)
	assert.Equal(t, "hlt", inst)

	hv.VMs()[0].CPU(0).SetRegister(16, 1<<30)
	_, err = m.Inst(0)
	assert.Error(t, err)

	_, err = m.Inst(4)
	assert.Error(t, err)
}

func TestAsm(t *testing.T) {
	t.Parallel()

	d, err := x86asm.Decode([]byte{0xf4}, 64)
	require.NoError(t, err)
	assert.Equal(t, "hlt", machine.Asm(&d, 0))
}
