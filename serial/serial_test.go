package serial_test

import (
	"bytes"
	"encoding/gob"
	"sync/atomic"
	"testing"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type line struct {
	n atomic.Int32
}

func (l *line) Trigger() error {
	l.n.Add(1)

	return nil
}

func in(t *testing.T, s *serial.Serial, offset uint64) byte {
	t.Helper()

	b := []byte{0}
	require.NoError(t, s.Read(offset, b))

	return b[0]
}

func out(t *testing.T, s *serial.Serial, offset uint64, v byte) {
	t.Helper()

	require.NoError(t, s.Write(offset, []byte{v}))
}

func TestTransmit(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := serial.New(&buf)

	for _, c := range []byte("hello") {
		out(t, s, 0, c)
	}

	assert.Equal(t, "hello", buf.String())
	assert.Equal(t, byte(0x60), in(t, s, 5), "transmitter always empty")

	// With DLAB set offset 0 is the divisor latch, not THR.
	out(t, s, 3, 0x80)
	out(t, s, 0, 'x')
	assert.Equal(t, byte(0xc), in(t, s, 0))
	assert.Equal(t, "hello", buf.String())

	assert.ErrorIs(t, s.Write(0, []byte{1, 2}), device.ErrDataLenInvalid)
	assert.ErrorIs(t, s.Read(0, nil), device.ErrDataLenInvalid)
}

func TestReceive(t *testing.T) {
	t.Parallel()

	l := &line{}
	s := serial.New(nil)
	s.ConnectInterrupt(l)

	s.Input('a')
	assert.Zero(t, l.n.Load(), "receive interrupt is masked")
	assert.Equal(t, byte(0x61), in(t, s, 5), "data ready")
	assert.Equal(t, byte(0x01), in(t, s, 2), "no interrupt pending")

	out(t, s, 1, 0x01)
	assert.Equal(t, int32(1), l.n.Load(), "enabling IER raises the line")
	assert.Equal(t, byte(0x04), in(t, s, 2))

	s.Input('b')
	assert.Equal(t, int32(2), l.n.Load())

	assert.Equal(t, byte('a'), in(t, s, 0))
	assert.Equal(t, byte('b'), in(t, s, 0))
	assert.Equal(t, byte(0x60), in(t, s, 5))
	assert.Equal(t, byte(0x01), in(t, s, 2))

	out(t, s, 1, 0x02)
	assert.Equal(t, byte(0x02), in(t, s, 2), "THR empty")
}

func TestInputLimit(t *testing.T) {
	t.Parallel()

	s := serial.New(nil)
	s.Input(make([]byte, 20000)...)

	st, err := s.SaveState()
	require.NoError(t, err)

	r := serial.New(nil)
	require.NoError(t, r.RestoreState(serial.StateVersion, st))

	n := 0
	for in(t, r, 5)&0x01 != 0 {
		in(t, r, 0)
		n++
	}

	assert.Equal(t, 10000, n)
}

func TestRestoreRejectsOversizedInput(t *testing.T) {
	t.Parallel()

	// Same field names as the saved state; gob matches on those.
	blob := func(n int) []byte {
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(struct {
			LCR   byte
			Input []byte
		}{LCR: 0x03, Input: bytes.Repeat([]byte{'x'}, n)}))

		return buf.Bytes()
	}

	r := serial.New(nil)
	out(t, r, 3, 0x07)

	assert.Error(t, r.ValidateState(serial.StateVersion, blob(10001)))
	assert.Error(t, r.RestoreState(serial.StateVersion, blob(10001)))
	assert.Equal(t, byte(0x07), in(t, r, 3), "a rejected blob leaves the device alone")
	assert.Zero(t, in(t, r, 5)&0x01, "nothing was queued")

	require.NoError(t, r.ValidateState(serial.StateVersion, blob(10000)))
	require.NoError(t, r.RestoreState(serial.StateVersion, blob(10000)))
	assert.Equal(t, byte(0x03), in(t, r, 3))
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	s := serial.New(nil)
	out(t, s, 3, 0x03)
	out(t, s, 4, 0x0b)
	out(t, s, 7, 0x5a)
	out(t, s, 1, 0x01)
	s.Input('q')

	assert.Equal(t, uint32(1), s.StateVersion())

	blob, err := s.SaveState()
	require.NoError(t, err)

	r := serial.New(nil)
	require.NoError(t, r.ValidateState(serial.StateVersion, blob))
	require.NoError(t, r.RestoreState(serial.StateVersion, blob))

	again, err := r.SaveState()
	require.NoError(t, err)
	assert.Equal(t, blob, again)

	assert.Equal(t, byte(0x03), in(t, r, 3))
	assert.Equal(t, byte(0x0b), in(t, r, 4))
	assert.Equal(t, byte(0x5a), in(t, r, 7))
	assert.Equal(t, byte('q'), in(t, r, 0))

	assert.Error(t, r.ValidateState(serial.StateVersion+1, blob))
	assert.Error(t, r.RestoreState(serial.StateVersion, []byte("garbage")))

	require.NoError(t, r.Reset())
	assert.Zero(t, in(t, r, 1))
	assert.Equal(t, byte(0x60), in(t, r, 5))
}
