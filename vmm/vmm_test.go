package vmm_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/hypervisor/fakehv"
	"github.com/bobuhiro11/vmcore/machine"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/bobuhiro11/vmcore/migration"
	"github.com/bobuhiro11/vmcore/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func outb(port uint16, b byte) *hypervisor.ExitPIO {
	return &hypervisor.ExitPIO{Port: port, Size: 1, Count: 1, Data: []byte{b}, IsWrite: true}
}

func testConfig(t *testing.T) vmm.Config {
	t.Helper()

	c := vmm.Config{
		Memory: "1M",
		Devices: []vmm.DeviceConfig{
			{Kind: vmm.KindSerial},
			{Kind: vmm.KindACPIShutdown},
			{Kind: vmm.KindPostCode},
		},
		ControlSocket: filepath.Join(t.TempDir(), "ctl.sock"),
	}
	require.NoError(t, c.Normalize())

	return c
}

func newVMM(t *testing.T, hv *fakehv.Hypervisor, in io.Reader, out io.Writer) *vmm.VMM {
	t.Helper()

	v := vmm.New(testConfig(t), vmm.WithHypervisor(hv), vmm.WithConsole(in, out), vmm.WithProgress(nil))
	require.NoError(t, v.Init())

	t.Cleanup(func() { _ = v.Close() })

	return v
}

func fill(t *testing.T, mem *memory.GuestMemory, seed byte) []byte {
	t.Helper()

	data := make([]byte, mem.Size())
	for i := range data {
		data[i] = seed + byte(i/memory.PageSize)
	}

	_, err := mem.WriteAt(data, 0)
	require.NoError(t, err)

	return data
}

func TestBootConsole(t *testing.T) {
	t.Parallel()

	hv := fakehv.New()
	hv.SetProgram(0, fakehv.Sequence(outb(0x3f8, 'h'), outb(0x3f8, 'i'), outb(0x80, 'P')))

	in, typed := io.Pipe()
	out := &syncBuffer{}
	v := newVMM(t, hv, in, out)

	done := make(chan error, 1)

	go func() { done <- v.Boot() }()

	assert.Eventually(t, func() bool { return out.String() == "hiP" }, 5*time.Second, 10*time.Millisecond)

	_, err := typed.Write([]byte{0x1, 'x'})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("escape sequence did not stop the machine")
	}

	assert.False(t, v.Running())
	assert.NoError(t, typed.Close())
}

func TestGuestPoweroff(t *testing.T) {
	t.Parallel()

	hv := fakehv.New()
	// SLP_TYP=5 with SLP_EN on the shutdown port.
	hv.SetProgram(0, fakehv.Sequence(outb(0x600, 0x34)))

	v := newVMM(t, hv, bytes.NewReader(nil), io.Discard)

	done := make(chan error, 1)

	go func() { done <- v.Boot() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poweroff did not stop the machine")
	}

	assert.True(t, hv.VMs()[0].Closed())
}

func TestSetupLoadsBlobs(t *testing.T) {
	t.Parallel()

	hv := fakehv.New()
	v := vmm.New(testConfig(t), vmm.WithHypervisor(hv), vmm.WithConsole(nil, io.Discard))

	blob := []byte{0xf4, 0xeb, 0xfe}
	path := filepath.Join(t.TempDir(), "code.bin")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	v.Blobs = []vmm.BlobConfig{{Path: path, Addr: 0x2000}}

	assert.Error(t, v.Setup(), "Setup before Init")
	require.NoError(t, v.Init())

	t.Cleanup(func() { _ = v.Close() })

	require.NoError(t, v.Setup())

	got := make([]byte, len(blob))
	require.NoError(t, v.Machine.Memory().Read(0x2000, got))
	assert.Equal(t, blob, got)

	v.Blobs = []vmm.BlobConfig{{Path: path, Addr: 0x100000 - 1}}
	assert.ErrorIs(t, v.Setup(), memory.ErrOutOfBounds)
}

func TestMigrateOverTCP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	src := newVMM(t, fakehv.New(), nil, io.Discard)
	want := fill(t, src.Machine.Memory(), 7)
	require.NoError(t, src.Start())

	dstHV := fakehv.New()
	dst := newVMM(t, dstHV, nil, io.Discard)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	incoming := make(chan error, 1)

	go func() { incoming <- dst.IncomingOn(ctx, l) }()

	ctl, err := src.StartControlSocket()
	require.NoError(t, err)

	defer ctl.Close()

	require.NoError(t, vmm.Control(ctx, src.ControlSocket, "MIGRATE "+l.Addr().String()))
	require.NoError(t, <-incoming)

	assert.True(t, dst.Running())
	require.NoError(t, src.Wait(), "source is shut down after commit")

	got := make([]byte, len(want))
	_, err = dst.Machine.Memory().ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "guest RAM differs after migration")

	require.NoError(t, dst.Shutdown())
}

func TestIncomingCancelled(t *testing.T) {
	t.Parallel()

	hv := fakehv.New()
	v := newVMM(t, hv, nil, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- v.IncomingOn(ctx, l) }()

	cancel()

	err = <-done
	require.ErrorIs(t, err, migration.ErrCancelled)
	assert.ErrorIs(t, v.Start(), machine.ErrShutdown, "the unfinished destination is discarded")
	assert.True(t, hv.VMs()[0].Closed())
}

func TestSnapshotViaControlSocket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	src := newVMM(t, fakehv.New(), nil, io.Discard)
	want := fill(t, src.Machine.Memory(), 3)
	require.NoError(t, src.Start())

	ctl, err := src.StartControlSocket()
	require.NoError(t, err)

	defer ctl.Close()

	path := filepath.Join(t.TempDir(), "vm.snap")
	require.NoError(t, vmm.Control(ctx, src.ControlSocket, "SNAPSHOT "+path))
	assert.True(t, src.Running(), "snapshot resumes the source")

	err = vmm.Control(ctx, src.ControlSocket, "REBOOT now")
	assert.ErrorContains(t, err, "unknown command")

	dst := newVMM(t, fakehv.New(), nil, io.Discard)
	require.NoError(t, dst.RestoreSnapshot(ctx, path))

	got := make([]byte, len(want))
	_, err = dst.Machine.Memory().ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "guest RAM differs after restore")

	require.NoError(t, dst.Start())
	require.NoError(t, dst.Shutdown())
	require.NoError(t, src.Shutdown())
}

func TestRestoreSnapshotMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	src := newVMM(t, fakehv.New(), nil, io.Discard)
	require.NoError(t, src.Start())

	path := filepath.Join(t.TempDir(), "vm.snap")
	require.NoError(t, src.SaveSnapshot(ctx, path))

	c := testConfig(t)
	c.NCPUs = 2

	dst := vmm.New(c, vmm.WithHypervisor(fakehv.New()), vmm.WithConsole(nil, io.Discard))
	require.NoError(t, dst.Init())

	t.Cleanup(func() { _ = dst.Close() })

	assert.ErrorIs(t, dst.RestoreSnapshot(ctx, path), migration.ErrConfigMismatch)

	assert.Error(t, dst.RestoreSnapshot(ctx, filepath.Join(t.TempDir(), "missing.snap")))
}

func TestServeMetrics(t *testing.T) {
	t.Parallel()

	v := vmm.New(testConfig(t))

	srv, err := v.ServeMetrics("127.0.0.1:0")
	require.NoError(t, err)

	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "vmcore_migration_downtime_seconds")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNotInitialized(t *testing.T) {
	t.Parallel()

	v := vmm.New(testConfig(t))
	ctx := context.Background()

	assert.Error(t, v.Boot())
	assert.Error(t, v.MigrateTo(ctx, "127.0.0.1:1"))
	assert.Error(t, v.SaveSnapshot(ctx, filepath.Join(t.TempDir(), "x")))
	assert.NoError(t, v.Close())
}
