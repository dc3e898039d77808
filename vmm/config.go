package vmm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/vmcore/migration"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	defaultDev    = "/dev/kvm"
	defaultMemory = "256M"
)

// Device kinds that can be named in a config file.
const (
	KindSerial       = "serial"
	KindPostCode     = "postcode"
	KindACPIShutdown = "acpi-shutdown"
	KindNoop         = "noop"
)

var (
	errConfigFormat  = errors.New("unknown config format")
	errDeviceKind    = errors.New("unknown device kind")
	errDuplicateID   = errors.New("duplicate device id")
	errMigrationMode = errors.New("unknown migration mode")
	errNoPorts       = errors.New("device needs a port range")
)

// BlobConfig is an opaque boot image copied into guest RAM before start.
type BlobConfig struct {
	Path string `toml:"path" yaml:"path"`
	Addr uint64 `toml:"addr" yaml:"addr"`
}

type DeviceConfig struct {
	Kind string `toml:"kind" yaml:"kind"`
	ID   string `toml:"id" yaml:"id"`

	// Port and Size override the kind's legacy port range.
	Port uint64 `toml:"port" yaml:"port"`
	Size uint64 `toml:"size" yaml:"size"`

	// IRQ pins the interrupt line; zero picks a free one.
	IRQ uint32 `toml:"irq" yaml:"irq"`
	CPU int    `toml:"cpu" yaml:"cpu"`
}

type MigrationConfig struct {
	Mode               string  `toml:"mode" yaml:"mode"`
	MaxIterations      int     `toml:"max_iterations" yaml:"max_iterations"`
	DirtyPageThreshold float64 `toml:"dirty_page_threshold" yaml:"dirty_page_threshold"`
}

// Options converts the section into migration options.
func (c MigrationConfig) Options() (migration.Options, error) {
	var mode migration.Mode

	switch strings.ToLower(c.Mode) {
	case "", "live":
		mode = migration.ModeLive
	case "cold":
		mode = migration.ModeCold
	default:
		return migration.Options{}, fmt.Errorf("%q: %w", c.Mode, errMigrationMode)
	}

	return migration.Options{
		Mode: mode,
		Policy: migration.Policy{
			MaxIterations:      c.MaxIterations,
			DirtyPageThreshold: c.DirtyPageThreshold,
		},
	}, nil
}

// Config describes one virtual machine and the VMM process around it.
type Config struct {
	Dev    string `toml:"dev" yaml:"dev"`
	NCPUs  int    `toml:"cpus" yaml:"cpus"`
	Memory string `toml:"memory" yaml:"memory"`

	// MemSize is Memory in bytes, filled in by Normalize.
	MemSize uint64 `toml:"-" yaml:"-"`

	Entry uint64 `toml:"entry" yaml:"entry"`
	Stack uint64 `toml:"stack" yaml:"stack"`
	Args  uint64 `toml:"args" yaml:"args"`

	Blobs   []BlobConfig   `toml:"blob" yaml:"blobs"`
	Devices []DeviceConfig `toml:"device" yaml:"devices"`

	PauseTimeout time.Duration `toml:"pause_timeout" yaml:"pause_timeout"`

	Migration MigrationConfig `toml:"migration" yaml:"migration"`

	MetricsAddr   string `toml:"metrics_addr" yaml:"metrics_addr"`
	ControlSocket string `toml:"control_socket" yaml:"control_socket"`
}

// LoadConfig reads a TOML or YAML file, chosen by extension, and
// normalizes it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var c Config

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return Config{}, fmt.Errorf("%s: %w", path, errConfigFormat)
	}

	if err := c.Normalize(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}

	return c, nil
}

// Normalize fills in defaults, parses the memory size and checks the
// device list.
func (c *Config) Normalize() error {
	if c.Dev == "" {
		c.Dev = defaultDev
	}

	if c.NCPUs == 0 {
		c.NCPUs = 1
	}

	if c.Memory == "" {
		c.Memory = defaultMemory
	}

	size, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	c.MemSize = uint64(size)

	if c.Devices == nil {
		c.Devices = []DeviceConfig{{Kind: KindSerial}}
	}

	seen := make(map[string]bool)

	for i := range c.Devices {
		d := &c.Devices[i]

		if err := d.normalize(); err != nil {
			return err
		}

		if seen[d.ID] {
			return fmt.Errorf("%s: %w", d.ID, errDuplicateID)
		}

		seen[d.ID] = true
	}

	_, err = c.Migration.Options()

	return err
}

func (d *DeviceConfig) normalize() error {
	var port, size uint64

	switch d.Kind {
	case KindSerial:
		port, size = serialPort, serialSize
	case KindPostCode:
		port, size = postCodePort, 1
	case KindACPIShutdown:
		port, size = acpiShutdownPort, acpiShutdownSize
	case KindNoop:
	default:
		return fmt.Errorf("%q: %w", d.Kind, errDeviceKind)
	}

	if d.Port == 0 {
		d.Port = port
	}

	if d.Size == 0 {
		d.Size = size
	}

	if d.Size == 0 {
		return fmt.Errorf("%s: %w", d.Kind, errNoPorts)
	}

	if d.ID == "" {
		d.ID = fmt.Sprintf("%s@%#x", d.Kind, d.Port)
	}

	return nil
}
