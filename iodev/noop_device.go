package iodev

// NoopDevice claims a port range so that guest probes of legacy hardware
// neither fault nor get logged as unmapped accesses.
type NoopDevice struct{}

func (n *NoopDevice) Read(offset uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) Write(offset uint64, data []byte) error {
	return nil
}
