//go:build linux && amd64

package vmm

import (
	"encoding/binary"
	"fmt"
)

// Well-known x86_64 Linux boot-protocol layout addresses: a flat low-memory
// zero page holding struct boot_params at 0x7000, a small boot stack growing
// down from just below 0x9000, and three pages of identity-mapped page
// tables (PML4/PDPT/PD) starting at 0x9000.
const (
	zeroPageStart    = 0x7000
	bootStackPointer = 0x8ff0
	pml4Start        = 0x9000
	pdpteStart       = 0xa000
	pdeStart         = 0xb000
	bootGDTOffset    = 0x500
	bootIDTOffset    = 0x520
)

// setupMSRs programs the minimal MSR set every guest kernel expects on
// first KVM_RUN: the syscall/sysenter MSRs so long-mode SYSCALL works, and
// the PAT default.
func (v *Vcpu) setupMSRs() error {
	entries := []kvmMsrEntry{
		{Index: msrIA32SysenterCS, Data: 0},
		{Index: msrIA32SysenterESP, Data: 0},
		{Index: msrIA32SysenterEIP, Data: 0},
		{Index: msrStar, Data: 0},
		{Index: msrCStar, Data: 0},
		{Index: msrLStar, Data: 0},
		{Index: msrKernelGsBase, Data: 0},
		{Index: msrSyscallMask, Data: 0x3f3ed7},
		{Index: msrIA32PAT, Data: 0x0007010600070106},
	}
	return setMsrs(v.fd, entries)
}

// setupRegs programs the general-purpose registers so execution resumes at
// kernelEntry with the flags and stack the Linux 64-bit boot protocol
// requires: RFLAGS bit 1 always set, RSP/RBP pointing at a small boot
// stack, and RSI pointing at the zero page (struct boot_params) the kernel
// reads its command line and E820 map from.
func (v *Vcpu) setupRegs(kernelEntry uint64) error {
	regs := kvmRegs{
		Rflags: 0x2,
		Rip:    kernelEntry,
		Rsp:    bootStackPointer,
		Rbp:    bootStackPointer,
		Rsi:    zeroPageStart,
	}
	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}
	return nil
}

// setupFPU programs a default x87/SSE state: the FPU control word Linux's
// FPU init expects (0x37f, all exceptions masked, 64-bit precision) and a
// default MXCSR.
func (v *Vcpu) setupFPU() error {
	fpu := kvmFPU{
		Fcw:   0x37f,
		Mxcsr: 0x1f80,
	}
	if err := setFPU(v.fd, &fpu); err != nil {
		return fmt.Errorf("KVM_SET_FPU: %w", err)
	}
	return nil
}

// writeLE64 writes a little-endian uint64 into guest memory at addr.
func writeLE64(mem GuestMemory, addr uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return mem.WriteObjAtAddr(addr, buf[:])
}

// setupSregs builds a single, 1 GiB-identity-mapped set of long-mode page
// tables in guest memory (one PML4 entry -> one PDPT -> 512 2 MiB PDEs)
// and programs CR0/CR3/CR4/EFER plus flat code/data segments so the guest
// starts in 64-bit long mode with paging already enabled.
func (v *Vcpu) setupSregs(mem GuestMemory) error {
	const (
		pageFlags = 0x1 | 0x2 | 0x4 // present | writable | user
		hugeFlag  = 0x80            // 2 MiB page size bit in a PDE
	)

	if err := writeLE64(mem, pml4Start, pdpteStart|pageFlags); err != nil {
		return fmt.Errorf("write PML4: %w", err)
	}
	if err := writeLE64(mem, pdpteStart, pdeStart|pageFlags); err != nil {
		return fmt.Errorf("write PDPT: %w", err)
	}
	for i := uint64(0); i < 512; i++ {
		entry := (i << 21) | pageFlags | hugeFlag
		if err := writeLE64(mem, pdeStart+i*8, entry); err != nil {
			return fmt.Errorf("write PDE[%d]: %w", i, err)
		}
	}

	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	const (
		cr0PE   = 1 << 0
		cr0ET   = 1 << 4
		cr0PG   = 1 << 31
		cr4PAE  = 1 << 5
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	flat := kvmSegment{
		Base: 0, Limit: 0xffffffff, Present: 1, S: 1, G: 1, Db: 1,
		Type: 3, Selector: 2 << 3,
	}
	code := flat
	code.Type = 11
	code.Db = 0
	code.L = 1
	code.Selector = 1 << 3

	sregs.Cs = code
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = flat, flat, flat, flat, flat
	sregs.Cr0 |= cr0PE | cr0ET | cr0PG
	sregs.Cr3 = pml4Start
	sregs.Cr4 |= cr4PAE
	sregs.Efer |= eferLME | eferLMA

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Local APIC LVT0/LVT1 delivery modes: LVT0 as ExtINT so the in-kernel PIC
// can inject legacy IRQ0 timer ticks, LVT1 as NMI.
const (
	apicLVT0Offset = 0x350
	apicLVT1Offset = 0x360

	apicDeliveryModeExtINT = 0x7 << 8
	apicDeliveryModeNMI    = 0x4 << 8
)

// setLint programs the local APIC's LVT0/LVT1 entries so the in-kernel PIT
// (wired to IRQ0) can actually interrupt the guest once the interrupt
// chip is unmasked.
func (v *Vcpu) setLint() error {
	lapic, err := getLapic(v.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_LAPIC: %w", err)
	}

	lvt0 := binary.LittleEndian.Uint32(lapic.Regs[apicLVT0Offset:])
	lvt0 = (lvt0 &^ 0x700) | apicDeliveryModeExtINT
	binary.LittleEndian.PutUint32(lapic.Regs[apicLVT0Offset:], lvt0)

	lvt1 := binary.LittleEndian.Uint32(lapic.Regs[apicLVT1Offset:])
	lvt1 = (lvt1 &^ 0x700) | apicDeliveryModeNMI
	binary.LittleEndian.PutUint32(lapic.Regs[apicLVT1Offset:], lvt1)

	if err := setLapic(v.fd, &lapic); err != nil {
		return fmt.Errorf("KVM_SET_LAPIC: %w", err)
	}
	return nil
}
