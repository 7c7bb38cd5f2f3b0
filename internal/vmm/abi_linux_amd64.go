//go:build linux && amd64

package vmm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmNrInterrupts = 256
	kvmAPICRegSize  = 0x400
	kvmMaxXCRS      = 16
)

type kvmRegs struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
	Padding  uint8
}

type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

type kvmSRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss kvmSegment
	Tr, Ldt                kvmSegment
	Gdt, Idt               kvmDTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmFPU struct {
	Fpr        [8][16]uint8
	Fcw        uint16
	Fsw        uint16
	Ftwx       uint8
	Pad1       uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	Xmm        [16][16]uint8
	Mxcsr      uint32
	Pad2       uint32
}

type kvmLapicState struct {
	Regs [kvmAPICRegSize]byte
}

type kvmMsrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

type kvmMsrs struct {
	Nmsrs uint32
	Pad   uint32
}

type kvmMsrList struct {
	Nmsrs uint32
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type kvmCPUID2 struct {
	Nr      uint32
	Padding uint32
}

type kvmPitConfig struct {
	Flags uint32
	Pad   [15]uint32
}

// PITSpeakerDummy (KVM_PIT_SPEAKER_DUMMY) makes the in-kernel PIT expose a
// stub PC-speaker port instead of none at all.
const PITSpeakerDummy uint32 = 1

// x86 MSR indices programmed during vCPU register setup.
const (
	msrIA32TSC         = 0x00000010
	msrIA32SysenterCS  = 0x00000174
	msrIA32SysenterESP = 0x00000175
	msrIA32SysenterEIP = 0x00000176
	msrIA32PAT         = 0x00000277
	msrStar            = 0xc0000081
	msrLStar           = 0xc0000082
	msrCStar           = 0xc0000083
	msrSyscallMask     = 0xc0000084
	msrFsBase          = 0xc0000100
	msrGsBase          = 0xc0000101
	msrKernelGsBase    = 0xc0000102
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

const kvmGetEmulatedCpuid = 0xc008ae09

func getCPUIDTable(systemFd int, request uint64, maxEntries int) (*kvmCPUID2, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*uintptr(maxEntries)
	buf := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&buf[0]))
	cpuid.Nr = uint32(maxEntries)

	if _, err := ioctlRetry(uintptr(systemFd), request, uintptr(unsafe.Pointer(cpuid))); err != nil {
		return nil, fmt.Errorf("cpuid ioctl: %w", err)
	}
	return cpuid, nil
}

func getSupportedCPUID(systemFd int, maxEntries int) (*kvmCPUID2, error) {
	cpuid, err := getCPUIDTable(systemFd, kvmGetSupportedCpuid, maxEntries)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	return cpuid, nil
}

func getEmulatedCPUID(systemFd int, maxEntries int) (*kvmCPUID2, error) {
	cpuid, err := getCPUIDTable(systemFd, kvmGetEmulatedCpuid, maxEntries)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_EMULATED_CPUID: %w", err)
	}
	return cpuid, nil
}

func cpuidEntries(cpuid *kvmCPUID2) []kvmCPUIDEntry2 {
	first := (*kvmCPUIDEntry2)(unsafe.Pointer(uintptr(unsafe.Pointer(cpuid)) + unsafe.Sizeof(kvmCPUID2{})))
	return unsafe.Slice(first, cpuid.Nr)
}

func setVCPUID(vcpuFd int, cpuid *kvmCPUID2) error {
	_, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetCpuid2), uintptr(unsafe.Pointer(cpuid)))
	return err
}

func getFPU(vcpuFd int) (kvmFPU, error) {
	var fpu kvmFPU
	if _, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmGetFpu), uintptr(unsafe.Pointer(&fpu))); err != nil {
		return kvmFPU{}, err
	}
	return fpu, nil
}

func setFPU(vcpuFd int, fpu *kvmFPU) error {
	_, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetFpu), uintptr(unsafe.Pointer(fpu)))
	return err
}

func getLapic(vcpuFd int) (kvmLapicState, error) {
	var lapic kvmLapicState
	if _, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmGetLapic), uintptr(unsafe.Pointer(&lapic))); err != nil {
		return kvmLapicState{}, err
	}
	return lapic, nil
}

func setLapic(vcpuFd int, lapic *kvmLapicState) error {
	_, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetLapic), uintptr(unsafe.Pointer(lapic)))
	return err
}

func createIRQChipX86(vmFd int) error {
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmCreateIrqchip), 0)
	return err
}

func createPIT(vmFd int, flags uint32) error {
	cfg := kvmPitConfig{Flags: flags}
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmCreatePit2), uintptr(unsafe.Pointer(&cfg)))
	return err
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	var line kvmIRQLevel
	line.IRQOrStatus = irqLine
	if level {
		line.Level = 1
	}
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&line)))
	return err
}

func getMsrIndexList(fd int) ([]uint32, error) {
	baseSize := unsafe.Sizeof(kvmMsrList{})
	buf := make([]byte, baseSize)
	list := (*kvmMsrList)(unsafe.Pointer(&buf[0]))

	if _, err := ioctlRetry(uintptr(fd), uint64(kvmGetMsrIndexList), uintptr(unsafe.Pointer(list))); err == nil {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: unexpected success without space for indices")
	} else if !errors.Is(err, unix.E2BIG) {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: %w", err)
	}

	count := list.Nmsrs
	if count == 0 {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: kernel reported zero MSRs")
	}

	size := baseSize + uintptr(count)*unsafe.Sizeof(uint32(0))
	buf = make([]byte, size)
	list = (*kvmMsrList)(unsafe.Pointer(&buf[0]))
	list.Nmsrs = count

	if _, err := ioctlRetry(uintptr(fd), uint64(kvmGetMsrIndexList), uintptr(unsafe.Pointer(list))); err != nil {
		return nil, fmt.Errorf("KVM_GET_MSR_INDEX_LIST: %w", err)
	}

	first := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(list)) + unsafe.Sizeof(kvmMsrList{})))
	raw := unsafe.Slice(first, count)

	indices := make([]uint32, count)
	copy(indices, raw)
	return indices, nil
}

func makeMsrsBuffer(count int) ([]byte, *kvmMsrs, []kvmMsrEntry) {
	size := unsafe.Sizeof(kvmMsrs{}) + uintptr(count)*unsafe.Sizeof(kvmMsrEntry{})
	buf := make([]byte, size)
	hdr := (*kvmMsrs)(unsafe.Pointer(&buf[0]))
	hdr.Nmsrs = uint32(count)

	if count == 0 {
		return buf, hdr, nil
	}

	first := (*kvmMsrEntry)(unsafe.Pointer(uintptr(unsafe.Pointer(hdr)) + unsafe.Sizeof(kvmMsrs{})))
	return buf, hdr, unsafe.Slice(first, count)
}

func setMsrs(vcpuFd int, entriesToSet []kvmMsrEntry) error {
	if len(entriesToSet) == 0 {
		return nil
	}
	buf, hdr, entries := makeMsrsBuffer(len(entriesToSet))
	copy(entries, entriesToSet)

	n, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetMsrs), uintptr(unsafe.Pointer(hdr)))
	if err != nil {
		return fmt.Errorf("KVM_SET_MSRS: %w", err)
	}
	if int(n) != len(entriesToSet) {
		return fmt.Errorf("KVM_SET_MSRS: wrote %d entries, expected %d", n, len(entriesToSet))
	}
	_ = buf
	return nil
}
