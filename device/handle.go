package device

import (
	"fmt"
	"sync"
)

// Handle serializes every access to one device. Accesses to different
// devices never contend.
type Handle struct {
	id   string
	dev  Device
	caps Capabilities

	mu       sync.Mutex
	detached bool
}

func NewHandle(id string, dev Device) *Handle {
	return &Handle{id: id, dev: dev, caps: CapabilitiesOf(dev)}
}

func (h *Handle) ID() string {
	return h.id
}

func (h *Handle) Device() Device {
	return h.dev
}

func (h *Handle) Capabilities() Capabilities {
	return h.caps
}

func (h *Handle) Read(offset uint64, data []byte) error {
	return h.Do(func(d Device) error { return d.Read(offset, data) })
}

func (h *Handle) Write(offset uint64, data []byte) error {
	return h.Do(func(d Device) error { return d.Write(offset, data) })
}

// Do runs fn with exclusive access to the device.
func (h *Handle) Do(fn func(Device) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detached {
		return fmt.Errorf("%s: %w", h.id, ErrDetached)
	}

	return fn(h.dev)
}

// Detach waits for any in-flight access to finish and refuses all later
// ones.
func (h *Handle) Detach() {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()
}

func (h *Handle) Detached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.detached
}
