//go:build linux

package vmm

import (
	"unsafe"
)

// decodeExit classifies the reason KVM_RUN returned by reading the
// exit-reason-specific union at the tail of the shared kvm_run page and
// translating it into an Exit. run must be the same byte slice the vCPU's
// fd was mmap'd into.
func decodeExit(run []byte) (Exit, error) {
	data := runDataOverlay(run)

	switch data.exitReason {
	case uint32(kvmExitIo):
		io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
		// direction 0 = IN (device->guest), 1 = OUT (guest->device); count
		// and size describe a batch of same-sized accesses starting at
		// dataOffset into the run page, but every caller in this module
		// only ever issues single in/out instructions so count is 1.
		buf := run[io.dataOffset : io.dataOffset+uint64(io.size)]
		if io.direction == 0 {
			return Exit{Kind: ExitIoIn, Port: io.port, Buf: buf, Raw: kvmExitIo}, nil
		}
		return Exit{Kind: ExitIoOut, Port: io.port, Buf: buf, Raw: kvmExitIo}, nil

	case uint32(kvmExitMmio):
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&data.anon0[0]))
		buf := mmio.data[:mmio.length]
		if mmio.isWrite != 0 {
			return Exit{Kind: ExitMmioWrite, Addr: mmio.physAddr, Buf: buf, Raw: kvmExitMmio}, nil
		}
		return Exit{Kind: ExitMmioRead, Addr: mmio.physAddr, Buf: buf, Raw: kvmExitMmio}, nil

	case uint32(kvmExitHlt):
		return Exit{Kind: ExitHlt, Raw: kvmExitHlt}, nil

	case uint32(kvmExitShutdown):
		return Exit{Kind: ExitShutdown, Raw: kvmExitShutdown}, nil

	case uint32(kvmExitSystemEvent):
		sysEvent := (*kvmSystemEvent)(unsafe.Pointer(&data.anon0[0]))
		if sysEvent.typ == kvmSystemEventShutdown || sysEvent.typ == kvmSystemEventReset {
			return Exit{Kind: ExitShutdown, Raw: kvmExitSystemEvent}, nil
		}
		return Exit{Kind: ExitOther, Raw: kvmExitSystemEvent}, nil

	case uint32(kvmExitFailEntry):
		return Exit{Kind: ExitFailEntry, Raw: kvmExitFailEntry}, nil

	case uint32(kvmExitInternalError):
		return Exit{Kind: ExitInternalError, Raw: kvmExitInternalError}, nil

	default:
		return Exit{Kind: ExitOther, Raw: kvmExitReason(data.exitReason)}, nil
	}
}
