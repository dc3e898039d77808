package machine

// state.go: capture and restore of machine state for migration and
// snapshots. vCPU and device state may only be touched while the machine is
// paused or not yet started.

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/bobuhiro11/vmcore/device"
	"github.com/bobuhiro11/vmcore/hypervisor"
	"github.com/bobuhiro11/vmcore/memory"
	"github.com/bobuhiro11/vmcore/migration"
)

// SaveVCPUStates captures the architectural state of every vCPU.
func (m *Machine) SaveVCPUStates() ([]*hypervisor.VCPUState, error) {
	states := make([]*hypervisor.VCPUState, 0, len(m.cpus))

	for _, c := range m.cpus {
		st, err := c.SaveState()
		if err != nil {
			return nil, err
		}

		states = append(states, st)
	}

	return states, nil
}

// RestoreVCPUStates applies one state per vCPU.
func (m *Machine) RestoreVCPUStates(states []*hypervisor.VCPUState) error {
	if len(states) != len(m.cpus) {
		return fmt.Errorf("%w: %d vcpu states for %d vcpus", migration.ErrConfigMismatch, len(states), len(m.cpus))
	}

	for i, c := range m.cpus {
		if err := c.RestoreState(states[i]); err != nil {
			return err
		}
	}

	return nil
}

// SaveDeviceStates serializes every migratable device in registration
// order, each under its own device lock.
func (m *Machine) SaveDeviceStates() ([]migration.DeviceRecord, error) {
	var records []migration.DeviceRecord

	for _, h := range m.devices.Handles() {
		if !h.Capabilities().Has(device.CapMigrate) {
			continue
		}

		rec := migration.DeviceRecord{ID: h.ID()}

		if err := h.Do(func(d device.Device) error {
			mg := d.(device.Migratable)
			rec.Version = mg.StateVersion()

			var err error
			rec.State, err = mg.SaveState()

			return err
		}); err != nil {
			return nil, fmt.Errorf("save device %s: %w", h.ID(), err)
		}

		records = append(records, rec)
	}

	return records, nil
}

// ValidateDeviceStates checks every record against the local registry
// without changing any device.
func (m *Machine) ValidateDeviceStates(records []migration.DeviceRecord) error {
	byID := make(map[string]migration.DeviceRecord, len(records))

	for _, r := range records {
		if _, dup := byID[r.ID]; dup {
			return fmt.Errorf("%w: duplicate record for %q", migration.ErrDeviceMismatch, r.ID)
		}

		byID[r.ID] = r
	}

	seen := 0

	for _, h := range m.devices.Handles() {
		if !h.Capabilities().Has(device.CapMigrate) {
			if _, ok := byID[h.ID()]; ok {
				return fmt.Errorf("%w: %q: %w", migration.ErrDeviceMismatch, h.ID(), device.ErrNotMigratable)
			}

			continue
		}

		r, ok := byID[h.ID()]
		if !ok {
			return fmt.Errorf("%w: no state for %q", migration.ErrDeviceMismatch, h.ID())
		}

		seen++

		mg := h.Device().(device.Migratable)
		if !device.SupportsVersion(mg, r.Version) {
			return fmt.Errorf("%w: %q sent version %d, local version %d",
				migration.ErrVersionMismatch, h.ID(), r.Version, mg.StateVersion())
		}

		if v, ok := mg.(device.StateValidator); ok {
			if err := v.ValidateState(r.Version, r.State); err != nil {
				return fmt.Errorf("%w: %q: %w", migration.ErrProtocol, h.ID(), err)
			}
		}
	}

	if seen != len(byID) {
		for id := range byID {
			if _, ok := m.devices.Get(id); !ok {
				return fmt.Errorf("%w: unknown device %q", migration.ErrDeviceMismatch, id)
			}
		}
	}

	return nil
}

// RestoreDeviceStates validates every record first and only then applies
// them in registration order.
func (m *Machine) RestoreDeviceStates(records []migration.DeviceRecord) error {
	if err := m.ValidateDeviceStates(records); err != nil {
		return err
	}

	byID := make(map[string]migration.DeviceRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	for _, h := range m.devices.Handles() {
		r, ok := byID[h.ID()]
		if !ok {
			continue
		}

		if err := h.Do(func(d device.Device) error {
			return d.(device.Migratable).RestoreState(r.Version, r.State)
		}); err != nil {
			return fmt.Errorf("restore device %s: %w", h.ID(), err)
		}
	}

	return nil
}

// EnableDirtyTracking starts recording guest writes (through the
// hypervisor) and VMM writes (through GuestMemory).
func (m *Machine) EnableDirtyTracking() error {
	m.mem.EnableDirtyTracking()

	for _, s := range m.mem.Slots() {
		if err := m.vm.EnableDirtyLog(s.Index, true); err != nil {
			return fmt.Errorf("EnableDirtyLog %s: %w", s.Name, err)
		}

		// Drop whatever the log held before tracking started.
		if err := m.vm.GetDirtyLog(s.Index, make([]uint64, (s.Pages()+63)/64)); err != nil {
			return fmt.Errorf("GetDirtyLog %s: %w", s.Name, err)
		}
	}

	return nil
}

func (m *Machine) DisableDirtyTracking() error {
	m.mem.DisableDirtyTracking()

	for _, s := range m.mem.Slots() {
		if err := m.vm.EnableDirtyLog(s.Index, false); err != nil {
			return fmt.Errorf("DisableDirtyLog %s: %w", s.Name, err)
		}
	}

	return nil
}

// HarvestDirty returns the union of pages written since the previous
// harvest by the guest and by the VMM, and clears both logs.
func (m *Machine) HarvestDirty() (*memory.DirtySet, error) {
	set := m.mem.HarvestDirty()

	for _, s := range m.mem.Slots() {
		bitmap := make([]uint64, (s.Pages()+63)/64)
		if err := m.vm.GetDirtyLog(s.Index, bitmap); err != nil {
			return nil, fmt.Errorf("GetDirtyLog %s: %w", s.Name, err)
		}

		set.MergeBitmap(s.Base, bitmap)
	}

	return set, nil
}

// ConfigHash fingerprints the machine shape both ends of a migration must
// share: architecture, vCPU count and RAM layout. Devices are matched
// record by record instead.
func (m *Machine) ConfigHash() [32]byte {
	h := sha256.New()
	h.Write([]byte(runtime.GOARCH))

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], uint64(len(m.cpus)))
	h.Write(b[:])

	for _, s := range m.mem.Slots() {
		binary.LittleEndian.PutUint64(b[:], s.Base.Raw())
		h.Write(b[:])
		binary.LittleEndian.PutUint64(b[:], s.Size)
		h.Write(b[:])
	}

	var sum [32]byte
	copy(sum[:], h.Sum(nil))

	return sum
}
