//go:build linux

package vmm

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// Driver is the thin wrapper around the system /dev/kvm fd that every VM
// on the host is created from. It owns no guest state of its own; VM
// creation, capability probing and the three global CPUID/MSR queries all
// flow through here. All operations are safe for concurrent use.
type Driver struct {
	fd int
}

// Open validates the host KVM API version and returns a ready Driver.
func Open() (*Driver, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getAPIVersionIoctl(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("vmm: unsupported KVM API version %d, want %d", version, kvmAPIVersion)
	}

	slog.Debug("opened hypervisor driver", "fd", fd, "api_version", version)
	return &Driver{fd: fd}, nil
}

// GetAPIVersion returns the driver-reported KVM API version. Open
// already validates this equals kvmAPIVersion before returning a Driver, so
// this is mostly useful for diagnostics and tests that want to assert on it
// directly.
func (d *Driver) GetAPIVersion() (int, error) {
	version, err := getAPIVersionIoctl(d.fd)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	return version, nil
}

// Close releases the system fd. The Driver must not be used afterwards.
func (d *Driver) Close() error {
	return unix.Close(d.fd)
}

// CheckExtension reports whether the host kernel advertises cap.
func (d *Driver) CheckExtension(cap Capability) (bool, error) {
	return checkExtension(d.fd, cap)
}

// CheckExtensionValue returns the kernel's raw KVM_CHECK_EXTENSION reply for
// cap. Use this instead of CheckExtension for capabilities that report a
// count rather than a 0/1 flag, e.g. CapNrMemslots.
func (d *Driver) CheckExtensionValue(cap Capability) (int, error) {
	return checkExtensionValue(d.fd, cap)
}

// GetVcpuMmapSize returns the size in bytes of the kvm_run mmap region that
// every vCPU fd must be mapped with.
func (d *Driver) GetVcpuMmapSize() (int, error) {
	size, err := getVcpuMmapSizeIoctl(d.fd)
	if err != nil {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("vmm: kernel reported non-positive vcpu mmap size %d", size)
	}
	return size, nil
}

// CreateVM creates a new VM fd and wraps it as a VM handle.
func (d *Driver) CreateVM() (*VM, error) {
	fd, err := createVMIoctl(d.fd)
	if err != nil {
		return nil, newError(ErrVM, fmt.Errorf("KVM_CREATE_VM: %w", err))
	}

	mmapSize, err := d.GetVcpuMmapSize()
	if err != nil {
		unix.Close(fd)
		return nil, newError(ErrVM, err)
	}

	maxSlots, err := d.CheckExtensionValue(CapNrMemslots)
	if err != nil || maxSlots <= 0 {
		slog.Debug("KVM_CAP_NR_MEMSLOTS query failed, falling back to default", "error", err, "reported", maxSlots)
		maxSlots = defaultMaxMemorySlots
	}

	vm := &VM{
		fd:             fd,
		driver:         d,
		mmapSize:       mmapSize,
		slots:          make(map[uint32]*MemorySlot),
		maxMemorySlots: maxSlots,
	}

	if err := archPostCreateVM(d, vm); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return vm, nil
}
