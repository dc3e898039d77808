package migration

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	errUnexpectedMessage = errors.New("unexpected message")
	errMissingVCPU       = errors.New("missing vcpu state")
)

// staging collects one incoming stream. RAM goes straight into the
// destination's guest memory, which nothing runs on yet; device and vCPU
// states are held back until the whole stream has arrived.
type staging struct {
	dst     Destination
	hdr     Header
	devices []DeviceRecord
	cpus    []*hypervisor.VCPUState
	pages   uint64
}

func checkHeader(h Header, dst Destination) error {
	if h.Mode != ModeCold && h.Mode != ModeLive {
		return fmt.Errorf("%w: unknown mode %d", ErrProtocol, uint32(h.Mode))
	}

	if h.PageSize != memory.PageSize {
		return fmt.Errorf("%w: page size %#x, local %#x", ErrConfigMismatch, h.PageSize, memory.PageSize)
	}

	if mem := dst.Memory().Size(); h.MemSize != mem {
		return fmt.Errorf("%w: memory size %d, local %d", ErrConfigMismatch, h.MemSize, mem)
	}

	if int(h.NCPUs) != dst.NCPUs() {
		return fmt.Errorf("%w: %d vcpus, local %d", ErrConfigMismatch, h.NCPUs, dst.NCPUs())
	}

	if h.ConfigHash != dst.ConfigHash() {
		return fmt.Errorf("%w: configuration hash differs", ErrConfigMismatch)
	}

	return nil
}

func (s *staging) begin(rx *Receiver) error {
	t, payload, err := rx.Next()
	if err != nil {
		return err
	}

	switch t {
	case MsgHeader:
	case MsgCancel:
		return ErrCancelled
	default:
		return fmt.Errorf("%w: %w: %s before header", ErrProtocol, errUnexpectedMessage, t)
	}

	h, err := DecodeHeader(payload)
	if err != nil {
		return err
	}

	if err := checkHeader(h, s.dst); err != nil {
		return err
	}

	s.hdr = h
	s.cpus = make([]*hypervisor.VCPUState, h.NCPUs)

	return nil
}

// collect consumes messages up to and including MsgDone.
func (s *staging) collect(rx *Receiver) error {
	for {
		t, payload, err := rx.Next()
		if err != nil {
			return err
		}

		switch t {
		case MsgRAMFull, MsgRAMDelta:
			sec, err := DecodeRAM(t, payload)
			if err != nil {
				return err
			}

			if err := s.dst.Memory().Write(memory.GuestAddress(sec.Offset), sec.Data); err != nil {
				return fmt.Errorf("%w: ram section at %#x: %w", ErrProtocol, sec.Offset, err)
			}

			s.pages += uint64(len(sec.Data)) / memory.PageSize
		case MsgDevice:
			rec, err := DecodeDevice(payload)
			if err != nil {
				return err
			}

			s.devices = append(s.devices, rec)
		case MsgVCPU:
			cpu, st, err := DecodeVCPU(payload)
			if err != nil {
				return err
			}

			if cpu >= len(s.cpus) || s.cpus[cpu] != nil {
				return fmt.Errorf("%w: unexpected state for cpu%d", ErrProtocol, cpu)
			}

			s.cpus[cpu] = st
		case MsgDone:
			return nil
		case MsgCancel:
			return ErrCancelled
		default:
			return fmt.Errorf("%w: %w: %s", ErrProtocol, errUnexpectedMessage, t)
		}
	}
}

// apply checks every device record against the local registry before
// restoring anything.
func (s *staging) apply() error {
	for i, st := range s.cpus {
		if st == nil {
			return fmt.Errorf("%w: cpu%d: %w", ErrProtocol, i, errMissingVCPU)
		}
	}

	if err := s.dst.ValidateDeviceStates(s.devices); err != nil {
		return err
	}

	if err := s.dst.RestoreDeviceStates(s.devices); err != nil {
		return err
	}

	return s.dst.RestoreVCPUStates(s.cpus)
}

// Receive restores the machine sent by Migrate into dst, which must be
// freshly created and not started. It returns nil once the source has
// committed; the caller then starts dst. Any error means dst holds a
// partial image and must be discarded.
func Receive(ctx context.Context, ch io.ReadWriter, dst Destination) (err error) {
	ctx, span := tracer().Start(ctx, "migration.restore")

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	stop := watchCancel(ctx, ch)
	defer stop()

	rx := NewReceiver(ch)
	tx := NewSender(ch)
	s := &staging{dst: dst}

	defer func() {
		if err != nil && ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}()

	if err := s.begin(rx); err != nil {
		return nack(tx, err)
	}

	log := migrationLog.WithFields(logrus.Fields{"session": s.hdr.Session, "mode": s.hdr.Mode})
	log.Info("incoming migration")
	span.SetAttributes(attribute.String("session", s.hdr.Session.String()))

	if err := s.collect(rx); err != nil {
		return nack(tx, err)
	}

	if err := s.apply(); err != nil {
		return nack(tx, err)
	}

	if err := tx.SendAck(); err != nil {
		return err
	}

	return awaitCommit(rx, log, s.pages, span)
}

func awaitCommit(rx *Receiver, log *logrus.Entry, pages uint64, span trace.Span) error {
	t, _, err := rx.Next()
	if err != nil {
		return err
	}

	switch t {
	case MsgCommit:
		span.SetAttributes(attribute.Int64("pages", int64(pages)))
		log.WithField("pages", pages).Info("migration committed by source")

		return nil
	case MsgCancel:
		return ErrCancelled
	}

	return fmt.Errorf("%w: waiting for commit, got %s", ErrProtocol, t)
}

// nack reports err to the source unless the channel itself failed or the
// source cancelled.
func nack(tx *Sender, err error) error {
	if errors.Is(err, ErrChannelFailure) || errors.Is(err, ErrCancelled) {
		return err
	}

	if serr := tx.SendNack(nackCodeFor(err), err.Error()); serr != nil {
		migrationLog.WithError(serr).Debug("send nack")
	}

	return err
}
