//go:build linux

package vmm

import (
	"fmt"
	"unsafe"
)

// Numeric KVM ioctl request codes. These are the stable Linux uAPI values
// for /dev/kvm, a per-VM fd, and a per-vCPU fd; they are encoded with the
// standard _IOR/_IOW/_IOWR macros from <linux/kvm.h> and do not change
// across kernel versions.
const (
	kvmAPIVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmGetMsrIndexList     = 0xc004ae02
	kvmCheckExtension      = 0xae03
	kvmGetVcpuMmapSize     = 0xae04
	kvmGetSupportedCpuid   = 0xc008ae05
	kvmCreateVcpu          = 0xae41
	kvmSetTssAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmCreateIrqchip       = 0xae60
	kvmIrqLine             = 0x4008ae61
	kvmCreatePit2          = 0x4040ae77
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetGsiRouting       = 0x4008ae6a
	kvmGetOneReg           = 0x4010aeab
	kvmSetOneReg           = 0x4010aeac
	kvmArmPreferredTarget  = 0x8020aeaf
	kvmArmVcpuInitIoctl    = 0x4020aeae
	kvmCreateDevice        = 0xc00caee0
	kvmSetDeviceAttr       = 0x4018aee1
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetFpu              = 0x81a0ae8c
	kvmSetFpu              = 0x41a0ae8d
	kvmGetLapic            = 0x8400ae8e
	kvmSetLapic            = 0x4400ae8f
	kvmSetCpuid2           = 0x4008ae90
	kvmGetMsrs             = 0xc008ae88
	kvmSetMsrs             = 0x4008ae89
	kvmIrqfd               = 0x4020ae76
	kvmIoeventfd           = 0x4040ae79
	kvmGetDirtyLog         = 0x4010ae42

	kvmIrqfdFlagDeassign = 1 << 0

	kvmIoeventfdFlagDatamatch = 1 << 0
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region: one
// memory slot as installed via KVM_SET_USER_MEMORY_REGION.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const kvmMemFlagLogDirtyPages = 1 << 0

// kvmIrqfdArgs mirrors struct kvm_irqfd.
type kvmIrqfdArgs struct {
	Fd    uint32
	GSI   uint32
	Flags uint32
	_     uint32
	_     [16]byte
}

// kvmIoeventfdArgs mirrors struct kvm_ioeventfd.
type kvmIoeventfdArgs struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	Fd        int32
	Flags     uint32
	_         [36]byte
}

// kvmCreateDeviceArgs mirrors struct kvm_create_device.
type kvmCreateDeviceArgs struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// kvmDeviceAttr mirrors struct kvm_device_attr, used to configure an
// in-kernel device fd created via KVM_CREATE_DEVICE (the GIC on aarch64).
type kvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

const syncRegsSizeBytes = 2048

type internalErrorSubReason uint32

const (
	internalErrorEmulation            internalErrorSubReason = 1
	internalErrorSimulEx              internalErrorSubReason = 2
	internalErrorDeliveryEv           internalErrorSubReason = 3
	internalErrorUnexpectedExitReason internalErrorSubReason = 4
)

func (k internalErrorSubReason) String() string {
	switch k {
	case internalErrorEmulation:
		return "KVM_INTERNAL_ERROR_EMULATION"
	case internalErrorSimulEx:
		return "KVM_INTERNAL_ERROR_SIMUL_EX"
	case internalErrorDeliveryEv:
		return "KVM_INTERNAL_ERROR_DELIVERY_EV"
	case internalErrorUnexpectedExitReason:
		return "KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON"
	default:
		return fmt.Sprintf("KVMInternalErrorSubreason(%d)", uint32(k))
	}
}

type internalError struct {
	Suberror internalErrorSubReason
	Ndata    uint32
	Data     [16]uint64
}

// kvmRunData overlays the shared kvm_run page mmap'd from the vCPU fd.
// anon0 holds the exit-reason-specific union payload (kvmExitIoData,
// kvmExitMMIOData, kvmSystemEvent, internalError, ...).
type kvmRunData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	padding1               [6]uint8
	exitReason             uint32
	readyForInterrupt      uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	anon0                  [256]byte
	kvmValidRegs           uint64
	kvmDirtyRegs           uint64
	s                      struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitIoData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	length   uint32
	isWrite  uint8
}

type kvmSystemEvent struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type kvmExitReason uint32

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitIrqWindowOpen kvmExitReason = 7
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitIoapicEoi     kvmExitReason = 26
)

func (r kvmExitReason) String() string {
	switch r {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitIrqWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case kvmExitIoapicEoi:
		return "KVM_EXIT_IOAPIC_EOI"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(r))
	}
}

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
)

// kvmIRQLevel mirrors struct kvm_irq_level, shared by the KVM_IRQ_LINE
// ioctl on both x86 (PIC/IOAPIC) and aarch64 (SPI/PPI injection). Defined
// once here rather than per-architecture.
type kvmIRQLevel struct {
	IRQOrStatus uint32
	Level       uint32
}

// createDevice installs an in-kernel device (the aarch64 GIC) on vmFd and
// returns the fd KVM allocated for it, used by subsequent SET_DEVICE_ATTR
// calls.
func createDevice(vmFd int, deviceType uint32, flags uint32) (int, error) {
	args := kvmCreateDeviceArgs{Type: deviceType, Flags: flags}
	if _, err := ioctlRetry(uintptr(vmFd), uint64(kvmCreateDevice), uintptr(unsafe.Pointer(&args))); err != nil {
		return 0, fmt.Errorf("KVM_CREATE_DEVICE: %w", err)
	}
	return int(args.Fd), nil
}

func setDeviceAttr(deviceFd int, group uint32, attr uint64, addr uint64, flags uint32) error {
	da := kvmDeviceAttr{Flags: flags, Group: group, Attr: attr, Addr: addr}
	_, err := ioctlRetry(uintptr(deviceFd), uint64(kvmSetDeviceAttr), uintptr(unsafe.Pointer(&da)))
	if err != nil {
		return fmt.Errorf("KVM_SET_DEVICE_ATTR: %w", err)
	}
	return nil
}

// kvmDirtyLog mirrors struct kvm_dirty_log: slot plus a pointer to a
// userspace bitmap the kernel fills in with one set bit per dirtied page.
type kvmDirtyLog struct {
	Slot        uint32
	Padding     uint32
	DirtyBitmap uint64
}

// runDataOverlay overlays the kvm_run header at the start of a vCPU's
// mmap'd run page. run must be at least unsafe.Sizeof(kvmRunData{}) bytes,
// which KVM_GET_VCPU_MMAP_SIZE always guarantees.
func runDataOverlay(run []byte) *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&run[0]))
}

func getDirtyLog(vmFd int, slot uint32, bitmap []byte) error {
	dl := kvmDirtyLog{Slot: slot, DirtyBitmap: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmGetDirtyLog), uintptr(unsafe.Pointer(&dl)))
	if err != nil {
		return fmt.Errorf("KVM_GET_DIRTY_LOG: %w", err)
	}
	return nil
}

// A guest write of magicValueBootCompleteByte to this port marks boot
// complete.
const (
	magicIOPortBootComplete    = 0x03f0
	magicValueBootCompleteByte = 123
)
