package vmm

// migrate.go: moving the machine to another process.
//
// Source side (MigrateTo): dial the destination and hand the connection to
// migration.Migrate, which streams RAM while the guest runs, pauses it for
// the final state and shuts it down once the destination commits.
//
// Destination side (Incoming): Init a machine with the same config, accept
// one connection, let migration.Receive fill it and start the vCPUs only
// after the commit.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobuhiro11/vmcore/migration"
	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
)

const dialTimeout = 30 * time.Second

const (
	cmdMigrate  = "MIGRATE"
	cmdSnapshot = "SNAPSHOT"

	replyOK    = "OK"
	replyError = "ERROR"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errControl        = errors.New("control command failed")
)

// ControlSocketPath returns the Unix socket path for the given PID.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/vmcore-%d.sock", pid)
}

// StartControlSocket listens on a Unix domain socket and handles control
// commands sent by the `vmcore migrate` and `vmcore snapshot save`
// subcommands.
//
// Supported commands (newline-terminated):
//
//	MIGRATE <addr>    live migration to <addr> (host:port)
//	SNAPSHOT <path>   write a cold snapshot and keep running
func (v *VMM) StartControlSocket() (io.Closer, error) {
	path := v.ControlSocket
	if path == "" {
		path = ControlSocketPath(os.Getpid())
	}

	_ = os.Remove(path)

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	vmmLog.WithField("path", path).Info("control socket ready")

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go v.handleControl(conn)
		}
	}()

	return l, nil
}

func (v *VMM) handleControl(conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		vmmLog.WithError(err).Warn("control read")

		return
	}

	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case cmdMigrate:
		err = v.MigrateTo(v.ctx, arg)
	case cmdSnapshot:
		err = v.SaveSnapshot(v.ctx, arg)
	default:
		err = fmt.Errorf("%q: %w", cmd, errUnknownCommand)
	}

	reply := replyOK
	if err != nil {
		vmmLog.WithError(err).WithField("command", cmd).Error("control command failed")
		reply = replyError + " " + err.Error()
	}

	_, _ = conn.Write([]byte(reply + "\n"))
}

// Control sends one command to the VMM listening on path and returns its
// reply. An ERROR reply is returned as an error.
func Control(ctx context.Context, path, cmd string) error {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return err
	}

	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	reply = strings.TrimSpace(reply)
	if reply != replyOK {
		return fmt.Errorf("%w: %s", errControl, strings.TrimPrefix(reply, replyError+" "))
	}

	return nil
}

// MigrateTo migrates the running VM to the destination at addr
// (host:port). On success the local machine has been shut down.
func (v *VMM) MigrateTo(ctx context.Context, addr string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	opts, err := v.Migration.Options()
	if err != nil {
		return err
	}

	vmmLog.WithField("addr", addr).WithField("mode", opts.Mode).Info("migration: connecting")

	d := net.Dialer{Timeout: dialTimeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	defer conn.Close()

	report, finish := v.progressReporter()
	defer finish()

	opts.Progress = report

	if err := migration.Migrate(ctx, conn, v.Machine, opts); err != nil {
		return err
	}

	vmmLog.Info("migration: complete, destination is running")

	return nil
}

// Incoming listens on listenAddr for one incoming migration and, once the
// source commits, starts the vCPUs. Init must not have started the machine.
// If the transfer fails the half-filled machine is discarded.
func (v *VMM) Incoming(ctx context.Context, listenAddr string) error {
	if v.Machine == nil {
		if err := v.Init(); err != nil {
			return err
		}
	}

	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}

	vmmLog.WithField("addr", l.Addr().String()).Info("migration: waiting for incoming connection")

	return v.IncomingOn(ctx, l)
}

// IncomingOn is Incoming on an existing listener, which it closes after
// the first connection.
func (v *VMM) IncomingOn(ctx context.Context, l net.Listener) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	conn, err := l.Accept()

	l.Close()

	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", migration.ErrCancelled, ctx.Err())
		}

		return multierror.Append(fmt.Errorf("accept: %w", err), v.Close()).ErrorOrNil()
	}

	defer conn.Close()

	vmmLog.WithField("peer", conn.RemoteAddr().String()).Info("migration: source connected")

	if err := migration.Receive(ctx, conn, v.Machine); err != nil {
		return multierror.Append(err, v.Close()).ErrorOrNil()
	}

	return v.Start()
}

// SaveSnapshot writes a zstd-compressed cold snapshot of the machine to
// path. A running machine is paused for the duration and resumed after.
func (v *VMM) SaveSnapshot(ctx context.Context, path string) (err error) {
	if v.Machine == nil {
		return errNotInitialized
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := migration.WriteSnapshot(ctx, tmp, v.Machine); err != nil {
		return multierror.Append(err, tmp.Close()).ErrorOrNil()
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	vmmLog.WithField("path", path).Info("snapshot saved")

	return nil
}

// RestoreSnapshot loads a snapshot written by SaveSnapshot into a machine
// that Init created and that has not been started.
func (v *VMM) RestoreSnapshot(ctx context.Context, path string) error {
	if v.Machine == nil {
		return errNotInitialized
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	if err := migration.ReadSnapshot(ctx, bufio.NewReader(f), v.Machine); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}

	vmmLog.WithField("path", path).Info("snapshot restored")

	return nil
}

// progressReporter draws one bar per migration phase and dirty round.
func (v *VMM) progressReporter() (func(migration.Progress), func()) {
	if v.progress == nil {
		return nil, func() {}
	}

	var (
		bar   *progressbar.ProgressBar
		phase migration.Phase
		round int
	)

	finish := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}

	report := func(p migration.Progress) {
		if bar == nil || p.Phase != phase || p.Round != round {
			finish()

			phase, round = p.Phase, p.Round

			desc := string(p.Phase)
			if p.Round > 0 {
				desc = fmt.Sprintf("%s #%d", p.Phase, p.Round)
			}

			bar = progressbar.NewOptions64(int64(p.Total),
				progressbar.OptionSetWriter(v.progress),
				progressbar.OptionSetDescription(desc),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(30),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(v.progress) }),
			)
		}

		_ = bar.Set64(int64(p.Sent))
	}

	return report, finish
}
