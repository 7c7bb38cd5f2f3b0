//go:build linux

package vmm

import (
	"golang.org/x/sys/unix"
)

// ioctl issues a single ioctl(2) against fd, returning the raw errno on
// failure so callers that care (EAGAIN, EINTR, EEXIST) can inspect it.
func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

// ioctlRetry absorbs EINTR at the syscall boundary; this is distinct from
// the EINTR handling in the vCPU run loop, which is a deliberate non-fatal
// signal-kick protocol rather than a transient retry. KVM_RUN itself never
// goes through here.
func ioctlRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlIntFn(request uint64) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlRetry(uintptr(fd), request, 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getAPIVersionIoctl   = ioctlIntFn(kvmGetApiVersion)
	createVMIoctl        = ioctlIntFn(kvmCreateVm)
	getVcpuMmapSizeIoctl = ioctlIntFn(kvmGetVcpuMmapSize)
)

// checkExtensionValue issues KVM_CHECK_EXTENSION and returns the kernel's
// raw reply. Most capabilities are advertised as a plain 0/1 flag, but a
// handful (KVM_CAP_NR_MEMSLOTS, KVM_CAP_NR_VCPUS, KVM_CAP_MAX_VCPUS) report
// an actual count instead, so callers that need the number, not just
// support/no-support, use this directly rather than checkExtension.
func checkExtensionValue(fd int, cap Capability) (int, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(kvmCheckExtension), uintptr(kvmID(cap)))
	if errno != 0 {
		return 0, errno
	}
	return int(ret), nil
}

func checkExtension(fd int, cap Capability) (bool, error) {
	v, err := checkExtensionValue(fd, cap)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
