package migration_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/migration"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, rx *migration.Receiver, want migration.MsgType) []byte {
	t.Helper()

	typ, payload, err := rx.Next()
	require.NoError(t, err)
	require.Equal(t, want, typ)

	return payload
}

func TestFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	tx := migration.NewSender(&buf)

	hdr := migration.Header{
		Session:  uuid.New(),
		Mode:     migration.ModeLive,
		PageSize: 0x1000,
		MemSize:  1 << 30,
		NCPUs:    4,
	}
	hdr.ConfigHash[0], hdr.ConfigHash[31] = 0xaa, 0x55

	ram := migration.RAMSection{Kind: migration.SectionDelta, Offset: 0x10000, Data: []byte{1, 2, 3, 4}}
	dev := migration.DeviceRecord{ID: "serial0", Version: 2, State: []byte("uart")}
	cpu := &hypervisor.VCPUState{
		Regs:    []byte{1, 2, 3},
		Sregs:   []byte{4},
		MSRs:    []hypervisor.MSREntry{{Index: 0x10, Data: 42}},
		MPState: 1,
	}

	require.NoError(t, tx.SendHeader(hdr))
	require.NoError(t, tx.SendRAM(ram))
	require.NoError(t, tx.SendRAM(migration.RAMSection{Kind: migration.SectionFull, Data: []byte{9}}))
	require.NoError(t, tx.SendDevice(dev))
	require.NoError(t, tx.SendVCPU(3, cpu))
	require.NoError(t, tx.SendDone())
	require.NoError(t, tx.SendNack(migration.NackDeviceMismatch, "no blk0"))
	require.NoError(t, tx.SendAck())
	require.NoError(t, tx.SendCommit())
	require.NoError(t, tx.SendCancel())

	assert.Equal(t, uint64(buf.Len()), tx.Bytes())

	rx := migration.NewReceiver(&buf)

	gotHdr, err := migration.DecodeHeader(next(t, rx, migration.MsgHeader))
	require.NoError(t, err)
	assert.Equal(t, hdr, gotHdr)

	gotRAM, err := migration.DecodeRAM(migration.MsgRAMDelta, next(t, rx, migration.MsgRAMDelta))
	require.NoError(t, err)
	assert.Equal(t, ram, gotRAM)

	gotRAM, err = migration.DecodeRAM(migration.MsgRAMFull, next(t, rx, migration.MsgRAMFull))
	require.NoError(t, err)
	assert.Equal(t, migration.SectionFull, gotRAM.Kind)
	assert.Equal(t, []byte{9}, gotRAM.Data)

	gotDev, err := migration.DecodeDevice(next(t, rx, migration.MsgDevice))
	require.NoError(t, err)
	assert.Equal(t, dev, gotDev)

	idx, gotCPU, err := migration.DecodeVCPU(next(t, rx, migration.MsgVCPU))
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
	assert.Equal(t, cpu, gotCPU)

	assert.Empty(t, next(t, rx, migration.MsgDone))

	code, reason, err := migration.DecodeNack(next(t, rx, migration.MsgNack))
	require.NoError(t, err)
	assert.Equal(t, migration.NackDeviceMismatch, code)
	assert.Equal(t, "no blk0", reason)

	next(t, rx, migration.MsgAck)
	next(t, rx, migration.MsgCommit)
	next(t, rx, migration.MsgCancel)

	_, _, err = rx.Next()
	assert.ErrorIs(t, err, migration.ErrChannelFailure)
}

func TestTruncatedStream(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, migration.NewSender(&buf).SendDevice(migration.DeviceRecord{ID: "rtc", State: make([]byte, 64)}))

	frame := buf.Bytes()

	for _, n := range []int{5, 12, len(frame) - 1} {
		_, _, err := migration.NewReceiver(bytes.NewReader(frame[:n])).Next()
		assert.ErrorIs(t, err, migration.ErrChannelFailure, "cut at %d", n)
	}
}

func TestOversizedFrame(t *testing.T) {
	t.Parallel()

	frame := make([]byte, 12)
	binary.BigEndian.PutUint32(frame[0:4], uint32(migration.MsgRAMFull))
	binary.BigEndian.PutUint64(frame[4:12], 1<<40)

	_, _, err := migration.NewReceiver(bytes.NewReader(frame)).Next()
	assert.ErrorIs(t, err, migration.ErrProtocol)
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	_, err := migration.DecodeHeader(make([]byte, 10))
	assert.ErrorIs(t, err, migration.ErrProtocol)

	_, err = migration.DecodeRAM(migration.MsgRAMFull, make([]byte, 4))
	assert.ErrorIs(t, err, migration.ErrProtocol)

	// Declared length 8, carried 2.
	ram := make([]byte, 14)
	binary.BigEndian.PutUint32(ram[8:12], 8)
	_, err = migration.DecodeRAM(migration.MsgRAMFull, ram)
	assert.ErrorIs(t, err, migration.ErrProtocol)

	_, err = migration.DecodeDevice([]byte{0})
	assert.ErrorIs(t, err, migration.ErrProtocol)

	// Id length runs past the payload.
	_, err = migration.DecodeDevice([]byte{0, 40, 'a'})
	assert.ErrorIs(t, err, migration.ErrProtocol)

	_, _, err = migration.DecodeVCPU([]byte{0, 0})
	assert.ErrorIs(t, err, migration.ErrProtocol)

	_, _, err = migration.DecodeVCPU([]byte{0, 0, 0, 1, 0xde, 0xad})
	assert.ErrorIs(t, err, migration.ErrProtocol)

	_, _, err = migration.DecodeNack(nil)
	assert.ErrorIs(t, err, migration.ErrProtocol)
}

func TestNackCode(t *testing.T) {
	t.Parallel()

	for code, want := range map[migration.NackCode]error{
		migration.NackProtocol:        migration.ErrProtocol,
		migration.NackVersionMismatch: migration.ErrVersionMismatch,
		migration.NackDeviceMismatch:  migration.ErrDeviceMismatch,
		migration.NackConfigMismatch:  migration.ErrConfigMismatch,
		migration.NackRestoreFailed:   migration.ErrProtocol,
	} {
		assert.True(t, errors.Is(code.Err(), want), "code %d", code)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ram-delta", migration.MsgRAMDelta.String())
	assert.Equal(t, "msg(99)", migration.MsgType(99).String())
	assert.Equal(t, "live", migration.ModeLive.String())
	assert.Equal(t, "mode(7)", migration.Mode(7).String())
	assert.Equal(t, "delta", migration.SectionDelta.String())
	assert.Equal(t, "full", migration.SectionFull.String())
}
