//go:build linux

package vmm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VM is a single guest machine's /dev/kvm VM fd,
// together with its installed memory slots, interrupt chip state and the
// vCPU handles created on top of it. Nothing here is safe for concurrent
// mutation from more than one goroutine except where noted; the slots map
// and vcpus slice take their own lock because device emulation on a vCPU
// thread reads guest memory concurrently with VM-level setup calls.
type VM struct {
	fd       int
	driver   *Driver
	mmapSize int

	slotsMu        sync.RWMutex
	slots          map[uint32]*MemorySlot
	nextMemorySlot uint32

	// maxMemorySlots is the driver-reported KVM_CAP_NR_MEMSLOTS value,
	// fetched once at VM creation time. Installed slots never exceed it.
	maxMemorySlots int

	vcpusMu sync.Mutex
	vcpus   []*Vcpu

	hasIRQChip   bool
	splitIRQChip bool
	hasPIT       bool

	// cpuidCache holds the CPUIDTable fetched once at VM-creation time on
	// amd64; nil on architectures without a CPUID concept.
	cpuidCache any

	// gicDeviceFd is the vGIC device fd on aarch64, set by SetupGIC.
	gicDeviceFd int
}

// Close unmaps every memory slot and releases the VM fd. vCPUs must be
// closed first.
func (v *VM) Close() error {
	v.slotsMu.Lock()
	for _, slot := range v.slots {
		if slot.mem != nil {
			unix.Munmap(slot.mem)
		}
	}
	v.slots = nil
	v.slotsMu.Unlock()

	return unix.Close(v.fd)
}

// SetUserMemoryRegion installs a new memory slot backed by an anonymous
// host mapping of size bytes at guest physical address physAddr. Before
// touching the kernel it verifies the driver advertises KVM_CAP_USER_MEMORY
// at all and enforces the driver-reported KVM_CAP_NR_MEMSLOTS limit cached
// on this VM at creation time, surfacing ErrNotEnoughMemorySlots rather
// than letting the kernel reject the ioctl opaquely. Slots are numbered
// densely from zero in creation order.
func (v *VM) SetUserMemoryRegion(physAddr uint64, size uint64, logDirty bool) (*MemorySlot, error) {
	ok, err := v.driver.CheckExtension(CapUserMemory)
	if err != nil {
		return nil, newError(ErrVMSetup, fmt.Errorf("KVM_CHECK_EXTENSION(KVM_CAP_USER_MEMORY): %w", err))
	}
	if !ok {
		return nil, newError(ErrVMSetup, fmt.Errorf("vmm: host kernel does not support KVM_CAP_USER_MEMORY"))
	}

	v.slotsMu.Lock()
	defer v.slotsMu.Unlock()

	if len(v.slots) >= v.maxMemorySlots {
		return nil, newError(ErrNotEnoughMemorySlots, fmt.Errorf("vmm: already at the %d memory slot limit", v.maxMemorySlots))
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, newError(ErrVMSetup, fmt.Errorf("mmap guest memory: %w", err))
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		slog.Debug("madvise MADV_MERGEABLE failed, continuing without it", "error", err)
	}

	slotID := v.nextMemorySlot
	v.nextMemorySlot++

	var flags uint32
	if logDirty {
		flags = kvmMemFlagLogDirtyPages
	}

	if err := setUserMemoryRegion(v.fd, &kvmUserspaceMemoryRegion{
		Slot:          slotID,
		Flags:         flags,
		GuestPhysAddr: physAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		return nil, newError(ErrSetUserMemoryRegion, err)
	}

	slot := &MemorySlot{Slot: slotID, GuestPhysAddr: physAddr, mem: mem}
	v.slots[slotID] = slot
	return slot, nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

// defaultMaxMemorySlots is the fallback used when the host kernel's
// KVM_CAP_NR_MEMSLOTS query itself fails; real KVM hosts have supported this
// capability query since long before this module's minimum kernel version,
// so this only guards against an unexpected ioctl error, not a genuinely
// absent capability.
const defaultMaxMemorySlots = 32

// GetDirtyLog returns one bit per guest page for the given slot: set if the
// page was written since the last call (or since slot creation).
func (v *VM) GetDirtyLog(slot *MemorySlot) ([]byte, error) {
	pages := (slot.Size() + 4095) / 4096
	bitmapBytes := (pages + 7) / 8
	bitmap := make([]byte, bitmapBytes)

	if err := getDirtyLog(v.fd, slot.Slot, bitmap); err != nil {
		return nil, newError(ErrVMSetup, err)
	}
	return bitmap, nil
}

// RegisterIRQFD wires an eventfd to a guest interrupt line: whenever fd is
// signaled, KVM injects gsi into the guest without a userspace round trip.
func (v *VM) RegisterIRQFD(fd int, gsi uint32) error {
	irqfd := kvmIrqfdArgs{Fd: uint32(fd), GSI: gsi}
	_, err := ioctlRetry(uintptr(v.fd), uint64(kvmIrqfd), uintptr(unsafe.Pointer(&irqfd)))
	if err != nil {
		return newError(ErrIrq, fmt.Errorf("KVM_IRQFD: %w", err))
	}
	return nil
}

// UnregisterIRQFD tears down a previously registered irqfd binding.
func (v *VM) UnregisterIRQFD(fd int, gsi uint32) error {
	irqfd := kvmIrqfdArgs{Fd: uint32(fd), GSI: gsi, Flags: kvmIrqfdFlagDeassign}
	_, err := ioctlRetry(uintptr(v.fd), uint64(kvmIrqfd), uintptr(unsafe.Pointer(&irqfd)))
	if err != nil {
		return newError(ErrIrq, fmt.Errorf("KVM_IRQFD deassign: %w", err))
	}
	return nil
}

// RegisterIOEvent wires an eventfd to a port-I/O or MMIO address: a guest
// write of length len (and, if datamatch is non-nil, matching value) at
// addr signals fd without an exit to userspace.
func (v *VM) RegisterIOEvent(fd int, addr uint64, length uint32, datamatch *uint64) error {
	ev := kvmIoeventfdArgs{Addr: addr, Len: length, Fd: int32(fd)}
	if datamatch != nil {
		ev.Datamatch = *datamatch
		ev.Flags = kvmIoeventfdFlagDatamatch
	}
	_, err := ioctlRetry(uintptr(v.fd), uint64(kvmIoeventfd), uintptr(unsafe.Pointer(&ev)))
	if err != nil {
		return newError(ErrVMSetup, fmt.Errorf("KVM_IOEVENTFD: %w", err))
	}
	return nil
}

// CreateVcpu creates vCPU id on this VM and wraps it as a Vcpu handle.
// The interrupt chip must already exist on x86_64 before the first
// CreateVcpu call; on aarch64 it is the other way around.
func (v *VM) CreateVcpu(id int) (*Vcpu, error) {
	fd, err := ioctlRetry(uintptr(v.fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return nil, newError(ErrVcpu, fmt.Errorf("KVM_CREATE_VCPU: %w", err))
	}

	run, err := unix.Mmap(int(fd), 0, v.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, newError(ErrVcpu, fmt.Errorf("mmap kvm_run: %w", err))
	}

	vcpu := &Vcpu{
		id:        id,
		fd:        int(fd),
		vm:        v,
		run:       run,
		createdAt: time.Now(),
	}

	v.vcpusMu.Lock()
	v.vcpus = append(v.vcpus, vcpu)
	v.vcpusMu.Unlock()

	return vcpu, nil
}

// CreateDevice installs an in-kernel device of the given type (the aarch64
// GIC) and returns its fd.
func (v *VM) CreateDevice(deviceType uint32, flags uint32) (int, error) {
	fd, err := createDevice(v.fd, deviceType, flags)
	if err != nil {
		return 0, newError(ErrSetupGIC, err)
	}
	return fd, nil
}
