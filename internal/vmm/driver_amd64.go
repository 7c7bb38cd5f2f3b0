//go:build linux && amd64

package vmm

import (
	"fmt"
	"unsafe"
)

const maxKVMCPUIDEntries = 256

// CPUIDEntry is one leaf/subleaf of a CPUID table, in the same shape KVM
// exchanges with KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2.
type CPUIDEntry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
}

// CPUIDTable is a CPUID leaf table as returned by the driver's CPUID
// queries and consumed by the per-vCPU CPUID filter.
type CPUIDTable struct {
	Entries []CPUIDEntry
}

func cpuidTableFromKVM(raw *kvmCPUID2) CPUIDTable {
	kernelEntries := cpuidEntries(raw)
	table := CPUIDTable{Entries: make([]CPUIDEntry, len(kernelEntries))}
	for i, e := range kernelEntries {
		table.Entries[i] = CPUIDEntry{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			EAX:      e.Eax,
			EBX:      e.Ebx,
			ECX:      e.Ecx,
			EDX:      e.Edx,
		}
	}
	return table
}

func (t CPUIDTable) toKVM() *kvmCPUID2 {
	header, entries := makeCPUID2Buffer(len(t.Entries))
	for i, e := range t.Entries {
		entries[i] = kvmCPUIDEntry2{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			Eax:      e.EAX,
			Ebx:      e.EBX,
			Ecx:      e.ECX,
			Edx:      e.EDX,
		}
	}
	return header
}

// GetSupportedCPUID fetches the CPUID leaves the host kernel+CPU combination
// can expose to a guest.
func (d *Driver) GetSupportedCPUID(maxEntries int) (CPUIDTable, error) {
	if maxEntries <= 0 {
		maxEntries = maxKVMCPUIDEntries
	}
	raw, err := getSupportedCPUID(d.fd, maxEntries)
	if err != nil {
		return CPUIDTable{}, newError(ErrCpuID, err)
	}
	return cpuidTableFromKVM(raw), nil
}

// GetEmulatedCPUID fetches the CPUID leaves KVM software-emulates on top of
// what the host CPU exposes natively (hyper-v style paravirt leaves, etc).
func (d *Driver) GetEmulatedCPUID(maxEntries int) (CPUIDTable, error) {
	if maxEntries <= 0 {
		maxEntries = maxKVMCPUIDEntries
	}
	raw, err := getEmulatedCPUID(d.fd, maxEntries)
	if err != nil {
		return CPUIDTable{}, newError(ErrCpuID, err)
	}
	return cpuidTableFromKVM(raw), nil
}

// GetMSRIndexList returns the MSR indices the host kernel will accept via
// KVM_GET_MSRS/KVM_SET_MSRS for a vCPU of this kind.
func (d *Driver) GetMSRIndexList() ([]uint32, error) {
	indices, err := getMsrIndexList(d.fd)
	if err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	return indices, nil
}

// makeCPUID2Buffer allocates a struct kvm_cpuid2 followed inline by count
// kvm_cpuid_entry2 records, the variable-length-array layout KVM_SET_CPUID2
// expects.
func makeCPUID2Buffer(count int) (*kvmCPUID2, []kvmCPUIDEntry2) {
	size := unsafe.Sizeof(kvmCPUID2{}) + uintptr(count)*unsafe.Sizeof(kvmCPUIDEntry2{})
	buf := make([]byte, size)
	header := (*kvmCPUID2)(unsafe.Pointer(&buf[0]))
	header.Nr = uint32(count)
	if count == 0 {
		return header, nil
	}
	return header, cpuidEntries(header)
}
