package iodev_test

import (
	"testing"

	"github.com/bobuhiro11/vmcore/iodev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACPIShutDownDevice(t *testing.T) {
	t.Parallel()

	var got []iodev.SystemEvent

	d := iodev.NewACPIShutDownDevice(func(e iodev.SystemEvent) { got = append(got, e) })

	for _, v := range []byte{0x34, 0x00, 0x01, 0x14} {
		require.NoError(t, d.Write(0, []byte{v}))
	}

	require.NoError(t, d.Write(0, nil))
	assert.Equal(t, []iodev.SystemEvent{iodev.SystemEventShutdown, iodev.SystemEventReset}, got)
	assert.Equal(t, "shutdown", got[0].String())
	assert.Equal(t, "reset", got[1].String())
	assert.Equal(t, "unknown", iodev.SystemEvent(9).String())

	buf := []byte{0xff, 0xff}
	require.NoError(t, d.Read(0, buf))
	assert.Equal(t, []byte{0, 0}, buf)

	require.NoError(t, iodev.NewACPIShutDownDevice(nil).Write(0, []byte{0x34}))
}

func TestNoopDevice(t *testing.T) {
	t.Parallel()

	d := &iodev.NoopDevice{}
	buf := []byte{7}

	require.NoError(t, d.Read(0, buf))
	require.NoError(t, d.Write(1, buf))
	assert.Equal(t, []byte{7}, buf)
}
