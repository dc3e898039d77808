package migration

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// WriteSnapshot writes a cold image of src to w as a zstd compressed
// migration stream. src is paused for the duration and resumed afterwards
// unless it was already paused.
func WriteSnapshot(ctx context.Context, w io.Writer, src Source) (err error) {
	opts := Options{Mode: ModeCold}.withDefaults()

	ctx, span := tracer().Start(ctx, "migration.snapshot")
	defer span.End()

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	m := newMigrator(src, enc, nil, opts)

	defer func() {
		if m.pausedHere {
			if rerr := src.ResumeAll(); rerr != nil && err == nil {
				err = fmt.Errorf("resume after snapshot: %w", rerr)
			}
		}
	}()

	if err := m.pause(ctx); err != nil {
		enc.Close()

		return err
	}

	if err := m.tx.SendHeader(m.header()); err != nil {
		enc.Close()

		return err
	}

	if err := m.sendFull(ctx); err != nil {
		enc.Close()

		return err
	}

	if err := m.sendState(ctx); err != nil {
		enc.Close()

		return err
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: flush snapshot: %w", ErrChannelFailure, err)
	}

	m.log.WithField("bytes", m.tx.Bytes()).Info("snapshot written")

	return nil
}

// ReadSnapshot restores an image written by WriteSnapshot into dst, which
// must be freshly created and not started.
func ReadSnapshot(ctx context.Context, r io.Reader, dst Destination) error {
	_, span := tracer().Start(ctx, "migration.restore")
	defer span.End()

	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	rx := NewReceiver(dec)
	s := &staging{dst: dst}

	if err := s.begin(rx); err != nil {
		return err
	}

	if s.hdr.Mode != ModeCold {
		return fmt.Errorf("%w: snapshot in %s mode", ErrProtocol, s.hdr.Mode)
	}

	if err := s.collect(rx); err != nil {
		return err
	}

	if err := s.apply(); err != nil {
		return err
	}

	migrationLog.WithFields(logrus.Fields{"session": s.hdr.Session, "pages": s.pages}).Info("snapshot restored")

	return nil
}
