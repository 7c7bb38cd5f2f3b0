//go:build linux && amd64

package vmm

import "fmt"

// archPostCreateVM caches the host's supported CPUID table once per VM, so
// GetSupportedCPUID equals the driver's answer at creation time for the
// rest of the VM's life.
func archPostCreateVM(d *Driver, vm *VM) error {
	table, err := d.GetSupportedCPUID(maxKVMCPUIDEntries)
	if err != nil {
		return err
	}
	vm.cpuidCache = table
	return nil
}

// GetSupportedCPUID returns the CPUID table cached at VM creation time.
func (v *VM) GetSupportedCPUID() CPUIDTable {
	table, _ := v.cpuidCache.(CPUIDTable)
	return table
}

// SetTSSAddr tells KVM to use the 3-page region at the caller-chosen guest
// address addr for the task-state segment KVM's in-kernel emulator needs for
// real-mode and protected-mode transitions. Must be called before the first
// CreateVcpu.
func (v *VM) SetTSSAddr(addr uint64) error {
	if err := setTSSAddr(v.fd, addr); err != nil {
		return newError(ErrVMSetup, fmt.Errorf("KVM_SET_TSS_ADDR: %w", err))
	}
	return nil
}

// CreateIRQChip instantiates the in-kernel PIC/IOAPIC/LAPIC model. On x86_64
// this must happen before any vCPU is created; a second call fails with
// EEXIST from the kernel, surfaced unchanged in the error chain.
func (v *VM) CreateIRQChip() error {
	v.vcpusMu.Lock()
	already := len(v.vcpus) > 0
	v.vcpusMu.Unlock()
	if already {
		return newError(ErrLocalIntConfiguration, fmt.Errorf("vmm: CreateIRQChip must precede CreateVcpu on x86_64"))
	}

	if err := createIRQChipX86(v.fd); err != nil {
		return newError(ErrLocalIntConfiguration, fmt.Errorf("KVM_CREATE_IRQCHIP: %w", err))
	}
	v.hasIRQChip = true
	return nil
}

// CreatePIT2 instantiates the in-kernel i8254 PIT, wired to IRQ 0 of the
// already-created interrupt chip. flags is the kvm_pit_config flag word,
// usually PITSpeakerDummy.
func (v *VM) CreatePIT2(flags uint32) error {
	if !v.hasIRQChip {
		return newError(ErrLocalIntConfiguration, fmt.Errorf("vmm: CreatePIT2 requires CreateIRQChip first"))
	}
	if err := createPIT(v.fd, flags); err != nil {
		return newError(ErrLocalIntConfiguration, fmt.Errorf("KVM_CREATE_PIT2: %w", err))
	}
	v.hasPIT = true
	return nil
}

// SetIRQLine raises or lowers a legacy PIC/IOAPIC interrupt line.
func (v *VM) SetIRQLine(irq uint32, level bool) error {
	if err := irqLevel(v.fd, irq, level); err != nil {
		return newError(ErrIrq, fmt.Errorf("KVM_IRQ_LINE: %w", err))
	}
	return nil
}
