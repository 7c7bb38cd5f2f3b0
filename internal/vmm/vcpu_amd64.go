//go:build linux && amd64

package vmm

import "fmt"

// vcpuArchState holds the x86_64-only piece of vCPU state: the mutable,
// per-vCPU CPUID table installed by Configure.
type vcpuArchState struct {
	cpuid CPUIDTable
}

// CPUTemplate selects a post-filter CPUID rewrite that pins a guest to a
// conservative feature baseline so it can run unmodified across a
// heterogeneous host fleet.
type CPUTemplate int

const (
	TemplateNone CPUTemplate = iota
	TemplateT2
	TemplateC3
)

// VCPUConfig is the input to Vcpu.Configure on amd64: everything register
// setup needs beyond the vCPU's own kernel fd and the VM's cached
// supported-CPUID table.
type VCPUConfig struct {
	// VcpuCount and HTEnabled drive the CPUID topology filter. Both are
	// required: a zero VcpuCount and a nil HTEnabled are configuration
	// errors, not defaults.
	VcpuCount int
	HTEnabled *bool

	Template CPUTemplate

	// KernelEntry is the guest-physical address execution resumes at.
	KernelEntry uint64

	// Memory is used to build the identity-mapped page tables setupSregs
	// installs; required, non-nil.
	Memory GuestMemory
}

// Configure prepares this vCPU's register state on x86_64: filter the
// VM's cached supported-CPUID table for this vCPU's topology, apply a
// template if one is selected, install the result, then program MSRs,
// general registers, FPU, segment registers and the local APIC, in that
// order.
func (v *Vcpu) Configure(cfg VCPUConfig) error {
	if cfg.VcpuCount <= 0 {
		return newError(ErrVcpuCountNotInitialized, fmt.Errorf("vmm: vcpu count must be configured before Configure"))
	}
	if cfg.HTEnabled == nil {
		return newError(ErrHTNotInitialized, fmt.Errorf("vmm: hyperthreading setting must be configured before Configure"))
	}
	if cfg.Memory == nil {
		return newError(ErrGuestMemory, fmt.Errorf("vmm: Configure requires guest memory to locate page tables"))
	}

	table := v.vm.GetSupportedCPUID()
	if err := filterCPUID(v.id, cfg.VcpuCount, *cfg.HTEnabled, &table); err != nil {
		return newError(ErrCpuID, err)
	}

	switch cfg.Template {
	case TemplateT2:
		applyTemplateT2(&table)
	case TemplateC3:
		applyTemplateC3(&table)
	}

	if err := setVCPUID(v.fd, table.toKVM()); err != nil {
		return newError(ErrSetSupportedCpusFailed, err)
	}
	v.arch.cpuid = table

	if err := v.setupMSRs(); err != nil {
		return newError(ErrMSRSConfiguration, err)
	}
	if err := v.setupRegs(cfg.KernelEntry); err != nil {
		return newError(ErrREGSConfiguration, err)
	}
	if err := v.setupFPU(); err != nil {
		return newError(ErrFPUConfiguration, err)
	}
	if err := v.setupSregs(cfg.Memory); err != nil {
		return newError(ErrSREGSConfiguration, err)
	}
	if err := v.setLint(); err != nil {
		return newError(ErrLocalIntConfiguration, err)
	}
	return nil
}

// CPUID returns the per-vCPU CPUID table installed by the last Configure
// call.
func (v *Vcpu) CPUID() CPUIDTable {
	return v.arch.cpuid
}
