package vmm_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bobuhiro11/vmcore/migration"
	"github.com/bobuhiro11/vmcore/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfigTOML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "vm.toml", `
cpus = 2
memory = "64M"
entry = 0x100000
pause_timeout = "2s"
metrics_addr = "127.0.0.1:9100"

[[blob]]
path = "kernel.bin"
addr = 0x100000

[[device]]
kind = "serial"

[[device]]
kind = "acpi-shutdown"
id = "power"

[[device]]
kind = "noop"
port = 0x70
size = 2

[migration]
mode = "cold"
max_iterations = 4
`)

	c, err := vmm.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/kvm", c.Dev)
	assert.Equal(t, 2, c.NCPUs)
	assert.Equal(t, uint64(64<<20), c.MemSize)
	assert.Equal(t, uint64(0x100000), c.Entry)
	assert.Equal(t, 2*time.Second, c.PauseTimeout)
	assert.Equal(t, []vmm.BlobConfig{{Path: "kernel.bin", Addr: 0x100000}}, c.Blobs)

	require.Len(t, c.Devices, 3)
	assert.Equal(t, vmm.DeviceConfig{Kind: vmm.KindSerial, ID: "serial@0x3f8", Port: 0x3f8, Size: 8}, c.Devices[0])
	assert.Equal(t, vmm.DeviceConfig{Kind: vmm.KindACPIShutdown, ID: "power", Port: 0x600, Size: 8}, c.Devices[1])
	assert.Equal(t, vmm.DeviceConfig{Kind: vmm.KindNoop, ID: "noop@0x70", Port: 0x70, Size: 2}, c.Devices[2])

	opts, err := c.Migration.Options()
	require.NoError(t, err)
	assert.Equal(t, migration.ModeCold, opts.Mode)
	assert.Equal(t, 4, opts.Policy.MaxIterations)
}

func TestLoadConfigYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "vm.yaml", `
cpus: 1
memory: 1G
devices:
  - kind: serial
  - kind: postcode
migration:
  dirty_page_threshold: 0.05
`)

	c, err := vmm.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(1<<30), c.MemSize)
	require.Len(t, c.Devices, 2)
	assert.Equal(t, uint64(0x80), c.Devices[1].Port)
	assert.Equal(t, uint64(1), c.Devices[1].Size)

	opts, err := c.Migration.Options()
	require.NoError(t, err)
	assert.Equal(t, migration.ModeLive, opts.Mode)
	assert.InDelta(t, 0.05, opts.Policy.DirtyPageThreshold, 1e-9)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	c, err := vmm.LoadConfig(writeFile(t, "empty.toml", ""))
	require.NoError(t, err)

	assert.Equal(t, 1, c.NCPUs)
	assert.Equal(t, uint64(256<<20), c.MemSize)
	require.Len(t, c.Devices, 1)
	assert.Equal(t, vmm.KindSerial, c.Devices[0].Kind)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	for name, tt := range map[string]struct {
		file, content string
	}{
		"format":    {"vm.json", "{}"},
		"syntax":    {"vm.toml", "cpus = "},
		"memory":    {"vm.toml", `memory = "lots"`},
		"kind":      {"vm.toml", "[[device]]\nkind = \"gpu\"\n"},
		"duplicate": {"vm.yaml", "devices:\n  - kind: serial\n  - kind: serial\n"},
		"no ports":  {"vm.toml", "[[device]]\nkind = \"noop\"\n"},
		"mode":      {"vm.toml", "[migration]\nmode = \"warm\"\n"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := vmm.LoadConfig(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := vmm.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
