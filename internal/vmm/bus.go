package vmm

// Bus is the device-bus seam: the core only ever reads and writes through
// it by address, and treats both operations as infallible. Lookup of which
// device backs an address, and what to do about a miss, is entirely the
// bus implementation's concern; device models live outside this package.
type Bus interface {
	Read(addr uint64, buf []byte)
	Write(addr uint64, buf []byte)
}

// nullBus discards writes and returns zeroed reads. It backs a vCPU that
// was not configured with a real port or MMIO bus, so exits still dispatch
// cleanly instead of panicking on a nil interface.
type nullBus struct{}

func (nullBus) Read(addr uint64, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

func (nullBus) Write(addr uint64, buf []byte) {}
