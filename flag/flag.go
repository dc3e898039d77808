package flag

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobuhiro11/vmcore/vmm"
)

var errBlobSyntax = errors.New("blob must be path@addr")

// CLI is the command line of vmcore.
type CLI struct {
	LogLevel  string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json"`

	Profile     string `help:"Profile the process (cpu, mem, mutex, block)." enum:"none,cpu,mem,mutex,block" default:"none"`
	ProfilePath string `help:"Directory for profile output." default:"." type:"path"`

	Boot     BootCMD     `cmd:"" help:"Boot a machine from its blobs."`
	Incoming IncomingCMD `cmd:"" help:"Wait for a machine migrated from another vmcore."`
	Migrate  MigrateCMD  `cmd:"" help:"Ask a running vmcore to migrate its machine."`
	Snapshot SnapshotCMD `cmd:"" help:"Save or restore cold snapshots."`
	Probe    ProbeCMD    `cmd:"" help:"Print KVM capabilities."`
}

// MachineFlags describe the machine. A config file is read first and the
// flags that are set override it.
type MachineFlags struct {
	Config string `short:"f" help:"Machine config file (.toml, .yaml)." type:"existingfile"`

	Dev    string   `short:"D" help:"Path of the kvm device."`
	NCPUs  int      `short:"c" name:"cpus" help:"Number of vCPUs."`
	Memory string   `short:"m" help:"Memory size, e.g. 512M or 2G."`
	Blobs  []string `name:"blob" help:"Boot image to load, as path@addr."`
	Entry  uint64   `help:"Guest physical entry point."`

	MetricsAddr   string `help:"Serve Prometheus metrics on this address."`
	ControlSocket string `help:"Path of the control socket."`
}

// config merges the config file with the flags.
func (f *MachineFlags) config() (vmm.Config, error) {
	var (
		c   vmm.Config
		err error
	)

	if f.Config != "" {
		if c, err = vmm.LoadConfig(f.Config); err != nil {
			return vmm.Config{}, err
		}
	}

	if f.Dev != "" {
		c.Dev = f.Dev
	}

	if f.NCPUs != 0 {
		c.NCPUs = f.NCPUs
	}

	if f.Memory != "" {
		c.Memory = f.Memory
	}

	if f.Entry != 0 {
		c.Entry = f.Entry
	}

	for _, s := range f.Blobs {
		b, err := parseBlob(s)
		if err != nil {
			return vmm.Config{}, err
		}

		c.Blobs = append(c.Blobs, b)
	}

	if f.MetricsAddr != "" {
		c.MetricsAddr = f.MetricsAddr
	}

	if f.ControlSocket != "" {
		c.ControlSocket = f.ControlSocket
	}

	if err := c.Normalize(); err != nil {
		return vmm.Config{}, err
	}

	return c, nil
}

// parseBlob parses path@addr. The address can be in any base.
func parseBlob(s string) (vmm.BlobConfig, error) {
	i := strings.LastIndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return vmm.BlobConfig{}, fmt.Errorf("%q: %w", s, errBlobSyntax)
	}

	addr, err := strconv.ParseUint(s[i+1:], 0, 64)
	if err != nil {
		return vmm.BlobConfig{}, fmt.Errorf("%q: %w", s, err)
	}

	return vmm.BlobConfig{Path: s[:i], Addr: addr}, nil
}

type BootCMD struct {
	MachineFlags `embed:""`
}

type IncomingCMD struct {
	MachineFlags `embed:""`

	Listen string `arg:"" help:"Address to accept the migration on, host:port."`
}

// ControlFlags address a running vmcore.
type ControlFlags struct {
	PID    int    `help:"PID of the source vmcore."`
	Socket string `help:"Path of its control socket; overrides --pid."`
}

func (f ControlFlags) path() string {
	if f.Socket != "" {
		return f.Socket
	}

	return vmm.ControlSocketPath(f.PID)
}

type MigrateCMD struct {
	ControlFlags `embed:""`

	Addr string `arg:"" help:"Destination address, host:port."`
}

type SnapshotCMD struct {
	Save    SnapshotSaveCMD    `cmd:"" help:"Write a snapshot of a running vmcore."`
	Restore SnapshotRestoreCMD `cmd:"" help:"Start a machine from a snapshot."`
}

type SnapshotSaveCMD struct {
	ControlFlags `embed:""`

	Path string `arg:"" help:"Snapshot file." type:"path"`
}

type SnapshotRestoreCMD struct {
	MachineFlags `embed:""`

	Path string `arg:"" help:"Snapshot file." type:"existingfile"`
}

type ProbeCMD struct {
	Dev string `short:"D" help:"Path of the kvm device." default:"/dev/kvm"`
}
