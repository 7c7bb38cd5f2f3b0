//go:build linux && arm64

package vmm

import "fmt"

// vcpuArchState is empty on aarch64: unlike x86_64 there is no per-vCPU
// CPUID vector to cache between Configure calls.
type vcpuArchState struct{}

// VCPUConfig is the input to Vcpu.Configure on aarch64: the guest entry
// point and the memory used both to size the initial stack pointer and
// (by device models) to read/write guest state.
type VCPUConfig struct {
	KernelEntry uint64
	Memory      GuestMemory
}

// Configure prepares this vCPU's register state on aarch64: fetch the
// kernel's preferred target, OR in PSCI_0_2 support, power this vCPU off
// at boot unless it is the boot vCPU, initialize it, then program its
// general registers.
func (v *Vcpu) Configure(cfg VCPUConfig) error {
	if cfg.Memory == nil {
		return newError(ErrGuestMemory, fmt.Errorf("vmm: Configure requires guest memory"))
	}

	init, err := v.vm.GetPreferredTarget()
	if err != nil {
		return err
	}

	init.Features[0] |= 1 << kvmArmVcpuPsci02
	if v.id > 0 {
		init.Features[0] |= 1 << kvmArmVcpuPowerOff
	}

	if err := armVcpuInit(v.fd, &init); err != nil {
		return newError(ErrVcpuArmInit, err)
	}

	if err := v.setupRegs(cfg.KernelEntry, cfg.Memory); err != nil {
		return newError(ErrREGSConfiguration, err)
	}
	return nil
}
