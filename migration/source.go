package migration

// source.go: the sending side.
//
// Live mode:
//  1. Enable dirty-page tracking.
//  2. Send the full RAM image while the guest keeps running.
//  3. Send dirty rounds until one is at or below Policy.DirtyPageThreshold,
//     or fail with ErrConvergenceTimeout after Policy.MaxIterations rounds.
//  4. Pause all vCPUs and devices.
//  5. Send the residual dirty pages, device records in registry order and
//     vCPU states, then MsgDone.
//  6. Ack: send MsgCommit and shut the source down.
//     Nack, cancellation or a channel error: resume the source.
//
// Cold mode pauses first and sends the full image once.

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bobuhiro11/vmcore/memory"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxIterations      = 10
	DefaultDirtyPageThreshold = 0.01

	// DefaultSectionSize is the largest RAM section put in one message.
	DefaultSectionSize = 256 * memory.PageSize

	// cancelGrace is how long a cancel message may take once the context
	// has been cancelled.
	cancelGrace = time.Second
)

var migrationLog = logrus.WithField("subsystem", "migration")

// SetLogger sets the logger for the migration package.
func SetLogger(logger *logrus.Entry) {
	fields := migrationLog.Data
	migrationLog = logger.WithFields(fields)
}

func tracer() trace.Tracer {
	return otel.Tracer("github.com/bobuhiro11/vmcore/migration")
}

// Policy bounds the live pre-copy phase.
type Policy struct {
	// MaxIterations is the number of dirty rounds sent while the guest runs.
	MaxIterations int

	// DirtyPageThreshold is the fraction of guest pages a dirty round may
	// hold for the source to stop the guest and finish.
	DirtyPageThreshold float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}

	if p.DirtyPageThreshold <= 0 {
		p.DirtyPageThreshold = DefaultDirtyPageThreshold
	}

	return p
}

func (p Policy) thresholdPages(total uint64) uint64 {
	return uint64(float64(total) * p.DirtyPageThreshold)
}

type Phase string

const (
	PhaseFull     Phase = "full"
	PhaseDelta    Phase = "delta"
	PhaseStopCopy Phase = "stop-copy"
	PhaseState    Phase = "state"
	PhaseCommit   Phase = "commit"
)

// Progress is reported after every RAM section and at phase changes.
type Progress struct {
	Phase Phase
	Round int

	// Sent and Total count bytes of guest RAM in the current phase.
	Sent  uint64
	Total uint64
}

type Options struct {
	Mode    Mode
	Policy  Policy
	Session uuid.UUID

	SectionSize uint64
	Progress    func(Progress)
}

func (o Options) withDefaults() Options {
	if o.Mode == 0 {
		o.Mode = ModeLive
	}

	if o.Session == uuid.Nil {
		o.Session = uuid.New()
	}

	if o.SectionSize == 0 || o.SectionSize%memory.PageSize != 0 {
		o.SectionSize = DefaultSectionSize
	}

	o.Policy = o.Policy.withDefaults()

	return o
}

type migrator struct {
	src  Source
	opts Options
	tx   *Sender
	rx   *Receiver
	log  *logrus.Entry

	buf        []byte
	unwatch    func()
	tracking   bool
	pausedHere bool
	pausedAt   time.Time
}

func newMigrator(src Source, w io.Writer, r io.Reader, opts Options) *migrator {
	m := &migrator{
		src:  src,
		opts: opts,
		tx:   NewSender(w),
		buf:  make([]byte, opts.SectionSize),
		log:  migrationLog.WithFields(logrus.Fields{"session": opts.Session, "mode": opts.Mode}),
	}

	if r != nil {
		m.rx = NewReceiver(r)
	}

	return m
}

// Migrate sends src over ch. On success the destination owns the guest and
// src has been shut down. On any error before commit src is left running,
// or paused if it was paused when Migrate was called.
func Migrate(ctx context.Context, ch io.ReadWriter, src Source, opts Options) (err error) {
	opts = opts.withDefaults()

	ctx, span := tracer().Start(ctx, "migration.migrate", trace.WithAttributes(
		attribute.String("session", opts.Session.String()),
		attribute.String("mode", opts.Mode.String()),
	))

	m := newMigrator(src, ch, ch, opts)

	defer func() {
		bytesSent.Add(float64(m.tx.Bytes()))
		outcomes.WithLabelValues(opts.Mode.String(), outcome(err)).Inc()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	m.unwatch = watchCancel(ctx, ch)
	defer m.unwatch()

	m.log.Info("migration started")

	if err := m.run(ctx); err != nil {
		return m.abort(ctx, ch, err)
	}

	if err := ctx.Err(); err != nil {
		return m.abort(ctx, ch, err)
	}

	if err := m.tx.SendCommit(); err != nil {
		// The destination never starts without a commit.
		return m.abort(ctx, ch, err)
	}

	m.report(Progress{Phase: PhaseCommit})

	if m.pausedHere {
		downtime.Observe(time.Since(m.pausedAt).Seconds())
	}

	m.log.WithField("bytes", m.tx.Bytes()).Info("migration committed")

	if err := src.Shutdown(); err != nil {
		return fmt.Errorf("shut down source after commit: %w", err)
	}

	return nil
}

func (m *migrator) run(ctx context.Context) error {
	if m.opts.Mode == ModeCold {
		if err := m.pause(ctx); err != nil {
			return err
		}
	} else {
		if err := m.src.EnableDirtyTracking(); err != nil {
			return err
		}

		m.tracking = true
	}

	if err := m.tx.SendHeader(m.header()); err != nil {
		return err
	}

	if err := m.sendFull(ctx); err != nil {
		return err
	}

	if m.opts.Mode == ModeLive {
		residual, err := m.precopy(ctx)
		if err != nil {
			return err
		}

		if err := m.pause(ctx); err != nil {
			return err
		}

		if err := m.stopCopy(ctx, residual); err != nil {
			return err
		}
	}

	if err := m.sendState(ctx); err != nil {
		return err
	}

	return m.awaitReply()
}

func (m *migrator) header() Header {
	mem := m.src.Memory()

	return Header{
		Session:    m.opts.Session,
		Mode:       m.opts.Mode,
		ConfigHash: m.src.ConfigHash(),
		PageSize:   memory.PageSize,
		MemSize:    mem.Size(),
		NCPUs:      uint32(m.src.NCPUs()),
	}
}

func (m *migrator) pause(ctx context.Context) error {
	if m.src.Paused() {
		return nil
	}

	if err := m.src.PauseAll(ctx); err != nil {
		return err
	}

	m.pausedHere = true
	m.pausedAt = time.Now()
	m.log.Debug("source paused")

	return nil
}

func (m *migrator) report(p Progress) {
	if m.opts.Progress != nil {
		m.opts.Progress(p)
	}
}

func (m *migrator) sendFull(ctx context.Context) error {
	_, span := tracer().Start(ctx, "migration.precopy")
	defer span.End()

	mem := m.src.Memory()
	total := mem.Size()

	var sent uint64

	for _, s := range mem.Slots() {
		for off := uint64(0); off < s.Size; off += m.opts.SectionSize {
			if err := ctx.Err(); err != nil {
				return err
			}

			n := min(m.opts.SectionSize, s.Size-off)
			if err := m.sendSection(SectionFull, s.Base+memory.GuestAddress(off), n); err != nil {
				return err
			}

			sent += n
			m.report(Progress{Phase: PhaseFull, Sent: sent, Total: total})
		}
	}

	return nil
}

func (m *migrator) sendSection(kind SectionKind, addr memory.GuestAddress, n uint64) error {
	data := m.buf[:n]
	if err := m.src.Memory().Read(addr, data); err != nil {
		return err
	}

	if err := m.tx.SendRAM(RAMSection{Kind: kind, Offset: addr.Raw(), Data: data}); err != nil {
		return err
	}

	pagesSent.WithLabelValues(kind.String()).Add(float64(n / memory.PageSize))

	return nil
}

func (m *migrator) sendDirty(ctx context.Context, phase Phase, round int, set *memory.DirtySet) error {
	total := set.Len() * memory.PageSize

	var sent uint64

	for _, r := range set.Runs(m.opts.SectionSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := m.sendSection(SectionDelta, r.Addr, r.Len); err != nil {
			return err
		}

		sent += r.Len
		m.report(Progress{Phase: phase, Round: round, Sent: sent, Total: total})
	}

	return nil
}

// precopy streams dirty rounds while the guest runs and returns the first
// round small enough to be sent with the guest stopped.
func (m *migrator) precopy(ctx context.Context) (*memory.DirtySet, error) {
	limit := m.opts.Policy.thresholdPages(m.src.Memory().Pages())

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dirty, err := m.src.HarvestDirty()
		if err != nil {
			return nil, err
		}

		log := m.log.WithFields(logrus.Fields{"round": round, "dirty": dirty.Len(), "limit": limit})

		if dirty.Len() <= limit {
			log.Debug("dirty set converged")

			return dirty, nil
		}

		if round > m.opts.Policy.MaxIterations {
			return nil, fmt.Errorf("%w: %d dirty pages after %d rounds, limit %d",
				ErrConvergenceTimeout, dirty.Len(), m.opts.Policy.MaxIterations, limit)
		}

		log.Debug("sending dirty round")
		iterations.Inc()

		if err := m.sendDirty(ctx, PhaseDelta, round, dirty); err != nil {
			return nil, err
		}
	}
}

func (m *migrator) stopCopy(ctx context.Context, residual *memory.DirtySet) error {
	_, span := tracer().Start(ctx, "migration.stopcopy")
	defer span.End()

	final, err := m.src.HarvestDirty()
	if err != nil {
		return err
	}

	final.Union(residual)
	span.SetAttributes(attribute.Int64("pages", int64(final.Len())))

	if err := m.sendDirty(ctx, PhaseStopCopy, 0, final); err != nil {
		return err
	}

	if err := m.src.DisableDirtyTracking(); err != nil {
		return err
	}

	m.tracking = false

	return nil
}

// sendState sends device records, vCPU states and MsgDone. The source
// must be paused.
func (m *migrator) sendState(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.report(Progress{Phase: PhaseState})

	records, err := m.src.SaveDeviceStates()
	if err != nil {
		return err
	}

	for _, r := range records {
		if err := m.tx.SendDevice(r); err != nil {
			return err
		}
	}

	states, err := m.src.SaveVCPUStates()
	if err != nil {
		return err
	}

	for i, st := range states {
		if err := m.tx.SendVCPU(i, st); err != nil {
			return err
		}
	}

	m.log.WithFields(logrus.Fields{"devices": len(records), "cpus": len(states)}).Debug("state sent")

	return m.tx.SendDone()
}

func (m *migrator) awaitReply() error {
	t, payload, err := m.rx.Next()
	if err != nil {
		return err
	}

	switch t {
	case MsgAck:
		return nil
	case MsgNack:
		code, reason, err := DecodeNack(payload)
		if err != nil {
			return err
		}

		return fmt.Errorf("%w: destination: %s", code.Err(), reason)
	}

	return fmt.Errorf("%w: waiting for ack, got %s", ErrProtocol, t)
}

// abort tells the destination to discard what it has and gives the guest
// back to the source.
func (m *migrator) abort(ctx context.Context, ch io.Writer, cause error) error {
	if m.unwatch != nil {
		m.unwatch()
	}

	if ctx.Err() != nil {
		cause = fmt.Errorf("%w: %w", ErrCancelled, cause)

		if d, ok := ch.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(cancelGrace))
		}
	}

	var result *multierror.Error

	if err := m.tx.SendCancel(); err != nil {
		m.log.WithError(err).Debug("send cancel")
	}

	if m.tracking {
		if err := m.src.DisableDirtyTracking(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if m.pausedHere {
		if err := m.src.ResumeAll(); err != nil {
			result = multierror.Append(result, fmt.Errorf("resume source: %w", err))
		}

		downtime.Observe(time.Since(m.pausedAt).Seconds())
	}

	m.log.WithError(cause).Warn("migration aborted, source keeps running")

	if result == nil {
		return cause
	}

	return multierror.Append(cause, result.Errors...)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watchCancel unblocks pending reads and writes on ch when ctx is done,
// provided ch supports deadlines. Once the returned stop func has returned
// the deadline is no longer touched.
func watchCancel(ctx context.Context, ch any) func() {
	d, ok := ch.(deadliner)
	if !ok {
		return func() {}
	}

	var (
		mu      sync.Mutex
		stopped bool
	)

	stopAfter := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()

		if !stopped {
			_ = d.SetDeadline(time.Now())
		}
	})

	return func() {
		stopAfter()

		mu.Lock()
		stopped = true
		mu.Unlock()
	}
}
