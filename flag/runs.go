package flag

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/vmcore/bus"
	"github.com/bobuhiro11/vmcore/iodev"
	"github.com/bobuhiro11/vmcore/kvm"
	"github.com/bobuhiro11/vmcore/machine"
	"github.com/bobuhiro11/vmcore/migration"
	"github.com/bobuhiro11/vmcore/probe"
	"github.com/bobuhiro11/vmcore/serial"
	"github.com/bobuhiro11/vmcore/vcpu"
	"github.com/bobuhiro11/vmcore/vmm"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
)

const (
	programName = "vmcore"
	programDesc = "vmcore is a small KVM virtual machine monitor with live migration"
)

func newParser(c *CLI) (*kong.Kong, error) {
	return kong.New(c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))
}

// Parse parses args (without the program name) and runs the selected
// command.
func Parse(args []string) error {
	c := CLI{}

	parser, err := newParser(&c)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	if err := setupLogging(c.LogLevel, c.LogFormat); err != nil {
		return err
	}

	if mode := profileMode(c.Profile); mode != nil {
		defer profile.Start(mode, profile.ProfilePath(c.ProfilePath), profile.NoShutdownHook).Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))

	return kctx.Run()
}

func profileMode(name string) func(*profile.Profile) {
	switch name {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	case "mutex":
		return profile.MutexProfile
	case "block":
		return profile.BlockProfile
	}

	return nil
}

// setupLogging configures the root logger and hands every package an
// entry tagged with the process id.
func setupLogging(level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logrus.SetLevel(lvl)

	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	entry := logrus.WithFields(logrus.Fields{"source": programName, "pid": os.Getpid()})

	for _, set := range []func(*logrus.Entry){
		bus.SetLogger,
		iodev.SetLogger,
		kvm.SetLogger,
		machine.SetLogger,
		migration.SetLogger,
		serial.SetLogger,
		vcpu.SetLogger,
		vmm.SetLogger,
	} {
		set(entry)
	}

	return nil
}

func (d *ProbeCMD) Run() error {
	return probe.Report(os.Stdout, d.Dev)
}

func (s *BootCMD) Run() error {
	c, err := s.config()
	if err != nil {
		return err
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}

func (s *IncomingCMD) Run(ctx context.Context) error {
	c, err := s.config()
	if err != nil {
		return err
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	if err := v.Incoming(ctx, s.Listen); err != nil {
		return err
	}

	return v.Serve()
}

func (s *MigrateCMD) Run(ctx context.Context) error {
	return vmm.Control(ctx, s.path(), "MIGRATE "+s.Addr)
}

func (s *SnapshotSaveCMD) Run(ctx context.Context) error {
	return vmm.Control(ctx, s.path(), "SNAPSHOT "+s.Path)
}

func (s *SnapshotRestoreCMD) Run(ctx context.Context) error {
	c, err := s.config()
	if err != nil {
		return err
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	defer v.Close()

	if err := v.RestoreSnapshot(ctx, s.Path); err != nil {
		return err
	}

	return v.Boot()
}
