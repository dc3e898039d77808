// Package vmm assembles a machine from a Config and runs it as a process:
// console, control socket, metrics endpoint, migration and snapshots.
package vmm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/kvm"
	"github.com/bobuhiro11/vmcore/machine"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/bobuhiro11/vmcore/serial"
	"github.com/bobuhiro11/vmcore/term"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// escape sequence on the console: Ctrl-A x.
const (
	escapePrefix = 0x1
	escapeQuit   = 'x'
)

var errNotInitialized = errors.New("vmm: machine not initialized")

var vmmLog = logrus.WithField("subsystem", "vmm")

// SetLogger sets the logger for the vmm package.
func SetLogger(logger *logrus.Entry) {
	fields := vmmLog.Data
	vmmLog = logger.WithFields(fields)
}

type VMM struct {
	*machine.Machine
	Config

	hv      hypervisor.Hypervisor
	closeHV func() error

	console  *serial.Serial
	in       io.Reader
	out      io.Writer
	progress io.Writer

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*VMM)

// WithHypervisor runs the machine on hv instead of opening Config.Dev.
func WithHypervisor(hv hypervisor.Hypervisor) Option {
	return func(v *VMM) { v.hv = hv }
}

// WithConsole connects the first serial port to in and out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(v *VMM) {
		v.in = in
		v.out = out
	}
}

// WithProgress draws migration progress bars on w. A nil w disables them.
func WithProgress(w io.Writer) Option {
	return func(v *VMM) { v.progress = w }
}

func New(c Config, opts ...Option) *VMM {
	ctx, cancel := context.WithCancel(context.Background())

	v := &VMM{
		Machine:  nil,
		Config:   c,
		out:      os.Stdout,
		progress: os.Stderr,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Init instantiates a machine and attaches the configured devices. Guest
// memory is left untouched, so Init is also the first step on the
// receiving side of a migration.
func (v *VMM) Init() error {
	if v.MemSize == 0 {
		if err := v.Config.Normalize(); err != nil {
			return err
		}
	}

	if v.hv == nil {
		h, err := kvm.Open(v.Dev)
		if err != nil {
			return err
		}

		v.hv = h
		v.closeHV = h.Close
	}

	m, err := machine.New(v.hv, machine.Config{
		NCPUs:   v.Config.NCPUs,
		MemSize: v.MemSize,
		Boot: hypervisor.BootState{
			Entry: v.Entry,
			Stack: v.Stack,
			Args:  v.Args,
		},
		PauseTimeout: v.PauseTimeout,
	})
	if err != nil {
		return multierror.Append(err, v.closeHypervisor()).ErrorOrNil()
	}

	v.Machine = m

	if err := v.attachDevices(m); err != nil {
		return multierror.Append(err, v.Close()).ErrorOrNil()
	}

	vmmLog.WithFields(logrus.Fields{
		"cpus":    v.Config.NCPUs,
		"memory":  v.Config.Memory,
		"devices": len(v.Config.Devices),
	}).Info("machine initialized")

	return nil
}

// Setup copies the boot blobs into guest memory.
func (v *VMM) Setup() error {
	if v.Machine == nil {
		return errNotInitialized
	}

	for _, b := range v.Blobs {
		data, err := os.ReadFile(b.Path)
		if err != nil {
			return err
		}

		if err := v.LoadBlob(memory.GuestAddress(b.Addr), data); err != nil {
			return fmt.Errorf("load %s at %#x: %w", b.Path, b.Addr, err)
		}

		vmmLog.WithField("path", b.Path).WithField("addr", fmt.Sprintf("%#x", b.Addr)).Debug("blob loaded")
	}

	return nil
}

// Boot starts the vCPUs and serves until the machine stops.
func (v *VMM) Boot() error {
	if v.Machine == nil {
		return errNotInitialized
	}

	if err := v.Start(); err != nil {
		return err
	}

	return v.Serve()
}

// Serve exposes the metrics endpoint and the control socket, forwards
// console input and blocks until the machine stops.
func (v *VMM) Serve() error {
	if v.Machine == nil {
		return errNotInitialized
	}

	defer v.cancel()

	if v.MetricsAddr != "" {
		srv, err := v.ServeMetrics(v.MetricsAddr)
		if err != nil {
			return err
		}

		defer srv.Close()
	}

	ctl, err := v.StartControlSocket()
	if err != nil {
		return err
	}

	defer ctl.Close()

	restore, err := v.attachConsole()
	if err != nil {
		return err
	}

	defer restore()

	vmmLog.Info("waiting for cpus to exit")

	err = v.Wait()

	vmmLog.Info("all cpus done")

	return err
}

// attachConsole feeds console input to the first serial port. On a
// terminal it switches stdin to raw mode and returns the restore func.
func (v *VMM) attachConsole() (func(), error) {
	restore := func() {}

	in := v.in
	if in == nil {
		if !term.IsTerminal() {
			vmmLog.Warn("this is not terminal and does not accept input")

			return restore, nil
		}

		var err error

		restore, err = term.SetRawMode()
		if err != nil {
			return restore, err
		}

		in = os.Stdin
	}

	if v.console == nil {
		return restore, nil
	}

	go v.readConsole(bufio.NewReader(in), restore)

	return restore, nil
}

func (v *VMM) readConsole(in *bufio.Reader, restore func()) {
	var before byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				vmmLog.WithError(err).Warn("console input")
			}

			return
		}

		if before == escapePrefix && b == escapeQuit {
			restore()

			if err := v.Shutdown(); err != nil {
				vmmLog.WithError(err).Warn("shutdown from console")
			}

			return
		}

		v.console.Input(b)
		before = b
	}
}

// Close shuts the machine down and releases the hypervisor.
func (v *VMM) Close() error {
	v.cancel()

	var result *multierror.Error

	if v.Machine != nil {
		if err := v.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := v.closeHypervisor(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (v *VMM) closeHypervisor() error {
	if v.closeHV == nil {
		return nil
	}

	err := v.closeHV()
	v.closeHV = nil

	return err
}
