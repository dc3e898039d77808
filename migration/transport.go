// This file implements the framed binary transport used to stream migration
// data between the source and destination.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// RAM section payload:    [8B offset][4B length][data]
// Device record payload:  [2B id length][id][4B version][4B length][state]
// vCPU payload:           [4B cpu index][gob-encoded hypervisor.VCPUState]
// Nack payload:           [4B code][reason]
package migration

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/bobuhiro11/vmcore/hypervisor"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgHeader   MsgType = 1  // stream header
	MsgRAMFull  MsgType = 2  // RAM section of the first full copy
	MsgRAMDelta MsgType = 3  // RAM section of a dirty round
	MsgDevice   MsgType = 4  // one device record
	MsgVCPU     MsgType = 5  // one vCPU state
	MsgDone     MsgType = 6  // source has sent everything
	MsgAck      MsgType = 7  // destination validated and applied the state
	MsgNack     MsgType = 8  // destination rejected the state
	MsgCommit   MsgType = 9  // source hands the guest over
	MsgCancel   MsgType = 10 // source abandons the migration
)

func (t MsgType) String() string {
	names := map[MsgType]string{
		MsgHeader: "header", MsgRAMFull: "ram-full", MsgRAMDelta: "ram-delta",
		MsgDevice: "device", MsgVCPU: "vcpu", MsgDone: "done", MsgAck: "ack",
		MsgNack: "nack", MsgCommit: "commit", MsgCancel: "cancel",
	}
	if n, ok := names[t]; ok {
		return n
	}

	return fmt.Sprintf("msg(%d)", uint32(t))
}

// NackCode tells the source why the destination refused the state.
type NackCode uint32

const (
	NackProtocol NackCode = iota + 1
	NackVersionMismatch
	NackDeviceMismatch
	NackConfigMismatch
	NackRestoreFailed
)

// Err maps the code back to the error the destination saw.
func (c NackCode) Err() error {
	switch c {
	case NackVersionMismatch:
		return ErrVersionMismatch
	case NackDeviceMismatch:
		return ErrDeviceMismatch
	case NackConfigMismatch:
		return ErrConfigMismatch
	}

	return ErrProtocol
}

func nackCodeFor(err error) NackCode {
	switch {
	case errors.Is(err, ErrVersionMismatch):
		return NackVersionMismatch
	case errors.Is(err, ErrDeviceMismatch):
		return NackDeviceMismatch
	case errors.Is(err, ErrConfigMismatch):
		return NackConfigMismatch
	case errors.Is(err, ErrProtocol):
		return NackProtocol
	}

	return NackRestoreFailed
}

const (
	frameHeaderLen = 12
	headerLen      = 16 + 4 + 32 + 4 + 8 + 4

	// maxPayload bounds a single message so that a corrupt length cannot
	// make the receiver allocate unbounded memory.
	maxPayload = 1 << 30
)

var (
	errPayloadTooShort = errors.New("payload too short")
	errPayloadTooLarge = errors.New("payload too large")
)

// Sender writes framed messages to an underlying writer (typically a TCP conn).
type Sender struct {
	w     io.Writer
	bytes uint64
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Bytes is the number of bytes written so far.
func (s *Sender) Bytes() uint64 { return s.bytes }

// send writes a single framed message.
func (s *Sender) send(t MsgType, parts ...[]byte) error {
	var length uint64
	for _, p := range parts {
		length += uint64(len(p))
	}

	hdr := make([]byte, frameHeaderLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], length)

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("%w: send %s header: %w", ErrChannelFailure, t, err)
	}

	for _, p := range parts {
		if len(p) == 0 {
			continue
		}

		if _, err := s.w.Write(p); err != nil {
			return fmt.Errorf("%w: send %s payload: %w", ErrChannelFailure, t, err)
		}
	}

	s.bytes += frameHeaderLen + length

	return nil
}

func (s *Sender) SendHeader(h Header) error {
	b := make([]byte, headerLen)
	copy(b[0:16], h.Session[:])
	binary.BigEndian.PutUint32(b[16:20], uint32(h.Mode))
	copy(b[20:52], h.ConfigHash[:])
	binary.BigEndian.PutUint32(b[52:56], h.PageSize)
	binary.BigEndian.PutUint64(b[56:64], h.MemSize)
	binary.BigEndian.PutUint32(b[64:68], h.NCPUs)

	return s.send(MsgHeader, b)
}

// SendRAM sends one RAM section.
func (s *Sender) SendRAM(sec RAMSection) error {
	if uint64(len(sec.Data)) > math.MaxUint32 {
		return fmt.Errorf("ram section at %#x: %w", sec.Offset, errPayloadTooLarge)
	}

	hdr := make([]byte, 12)
	binary.BigEndian.PutUint64(hdr[0:8], sec.Offset)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(sec.Data)))

	t := MsgRAMFull
	if sec.Kind == SectionDelta {
		t = MsgRAMDelta
	}

	return s.send(t, hdr, sec.Data)
}

func (s *Sender) SendDevice(rec DeviceRecord) error {
	if len(rec.ID) > math.MaxUint16 || uint64(len(rec.State)) > math.MaxUint32 {
		return fmt.Errorf("device record %q: %w", rec.ID, errPayloadTooLarge)
	}

	hdr := make([]byte, 2+len(rec.ID)+8)
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(rec.ID)))
	copy(hdr[2:], rec.ID)
	binary.BigEndian.PutUint32(hdr[2+len(rec.ID):], rec.Version)
	binary.BigEndian.PutUint32(hdr[6+len(rec.ID):], uint32(len(rec.State)))

	return s.send(MsgDevice, hdr, rec.State)
}

// SendVCPU encodes st with gob and sends it as a MsgVCPU.
func (s *Sender) SendVCPU(cpu int, st *hypervisor.VCPUState) error {
	var buf bytes.Buffer

	idx := make([]byte, 4)
	binary.BigEndian.PutUint32(idx, uint32(cpu))
	buf.Write(idx)

	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode cpu%d state: %w", cpu, err)
	}

	return s.send(MsgVCPU, buf.Bytes())
}

// SendDone signals that the whole state has been sent.
func (s *Sender) SendDone() error { return s.send(MsgDone) }

func (s *Sender) SendAck() error { return s.send(MsgAck) }

func (s *Sender) SendNack(code NackCode, reason string) error {
	b := make([]byte, 4+len(reason))
	binary.BigEndian.PutUint32(b[0:4], uint32(code))
	copy(b[4:], reason)

	return s.send(MsgNack, b)
}

func (s *Sender) SendCommit() error { return s.send(MsgCommit) }

func (s *Sender) SendCancel() error { return s.send(MsgCancel) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("%w: read header: %w", ErrChannelFailure, err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length > maxPayload {
		return 0, nil, fmt.Errorf("%w: %s length %d: %w", ErrProtocol, t, length, errPayloadTooLarge)
	}

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("%w: read payload (type=%s len=%d): %w", ErrChannelFailure, t, length, err)
	}

	return t, payload, nil
}

func DecodeHeader(payload []byte) (Header, error) {
	var h Header

	if len(payload) != headerLen {
		return h, fmt.Errorf("%w: header: %w", ErrProtocol, errPayloadTooShort)
	}

	copy(h.Session[:], payload[0:16])
	h.Mode = Mode(binary.BigEndian.Uint32(payload[16:20]))
	copy(h.ConfigHash[:], payload[20:52])
	h.PageSize = binary.BigEndian.Uint32(payload[52:56])
	h.MemSize = binary.BigEndian.Uint64(payload[56:64])
	h.NCPUs = binary.BigEndian.Uint32(payload[64:68])

	return h, nil
}

// DecodeRAM splits a RAM message payload. Data aliases payload.
func DecodeRAM(t MsgType, payload []byte) (RAMSection, error) {
	if len(payload) < 12 {
		return RAMSection{}, fmt.Errorf("%w: ram section: %w", ErrProtocol, errPayloadTooShort)
	}

	sec := RAMSection{Kind: SectionFull, Offset: binary.BigEndian.Uint64(payload[0:8])}
	if t == MsgRAMDelta {
		sec.Kind = SectionDelta
	}

	length := binary.BigEndian.Uint32(payload[8:12])
	if uint64(len(payload)-12) != uint64(length) {
		return RAMSection{}, fmt.Errorf("%w: ram section at %#x: length %d, have %d",
			ErrProtocol, sec.Offset, length, len(payload)-12)
	}

	sec.Data = payload[12:]

	return sec, nil
}

func DecodeDevice(payload []byte) (DeviceRecord, error) {
	var rec DeviceRecord

	if len(payload) < 2 {
		return rec, fmt.Errorf("%w: device record: %w", ErrProtocol, errPayloadTooShort)
	}

	idLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+idLen+8 {
		return rec, fmt.Errorf("%w: device record: %w", ErrProtocol, errPayloadTooShort)
	}

	rec.ID = string(payload[2 : 2+idLen])
	rec.Version = binary.BigEndian.Uint32(payload[2+idLen:])
	length := binary.BigEndian.Uint32(payload[6+idLen:])

	state := payload[10+idLen:]
	if uint64(len(state)) != uint64(length) {
		return rec, fmt.Errorf("%w: device %q: length %d, have %d", ErrProtocol, rec.ID, length, len(state))
	}

	rec.State = state

	return rec, nil
}

// DecodeVCPU decodes a gob-encoded vCPU state.
func DecodeVCPU(payload []byte) (int, *hypervisor.VCPUState, error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("%w: vcpu state: %w", ErrProtocol, errPayloadTooShort)
	}

	cpu := int(binary.BigEndian.Uint32(payload[0:4]))
	st := &hypervisor.VCPUState{}

	if err := gob.NewDecoder(bytes.NewReader(payload[4:])).Decode(st); err != nil {
		return 0, nil, fmt.Errorf("%w: decode cpu%d state: %w", ErrProtocol, cpu, err)
	}

	return cpu, st, nil
}

func DecodeNack(payload []byte) (NackCode, string, error) {
	if len(payload) < 4 {
		return 0, "", fmt.Errorf("%w: nack: %w", ErrProtocol, errPayloadTooShort)
	}

	return NackCode(binary.BigEndian.Uint32(payload[0:4])), string(payload[4:]), nil
}
