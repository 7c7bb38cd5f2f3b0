//go:build linux && arm64

package vmm

import "fmt"

// archPostCreateVM is a no-op on aarch64: there is no CPUID concept to
// cache, unlike amd64.
func archPostCreateVM(d *Driver, vm *VM) error {
	return nil
}

// GetPreferredTarget asks the kernel which kvm_vcpu_init target/feature
// bitmap to use for this host's CPU, the first step of vCPU setup on
// aarch64.
func (v *VM) GetPreferredTarget() (kvmVcpuInit, error) {
	init, err := armPreferredTarget(v.fd)
	if err != nil {
		return kvmVcpuInit{}, newError(ErrVcpuArmPreferredTarget, err)
	}
	return init, nil
}

// SetupGIC creates and finalizes the in-kernel GIC. On aarch64 the GIC must
// be created and finalized before any vCPU runs, but after CreateVcpu has
// been called for every vCPU (the inverse of the x86_64 ordering rule):
// finalization depends on the vCPU count being settled.
func (v *VM) SetupGIC(useV3 bool, distBase, secondBase uint64, nrIRQs uint32) error {
	var (
		fd  int
		err error
	)
	if useV3 {
		fd, err = initArm64VGICv3(v.fd, distBase, secondBase, nrIRQs)
	} else {
		fd, err = initArm64VGICv2(v.fd, distBase, secondBase, nrIRQs)
	}
	if err != nil {
		return newError(ErrSetupGIC, err)
	}

	if err := finalizeArm64VGIC(fd); err != nil {
		return newError(ErrSetupGIC, err)
	}

	v.gicDeviceFd = fd
	return nil
}

// SetIRQLine raises or lowers an SPI on the finalized GIC.
func (v *VM) SetIRQLine(irq uint32, level bool) error {
	if err := irqLevel(v.fd, irq, level); err != nil {
		return newError(ErrIrq, fmt.Errorf("KVM_IRQ_LINE: %w", err))
	}
	return nil
}
