//go:build linux && arm64

package vmm

import "fmt"

// aarch64 KVM core-register word offsets, per the kvm_regs/user_pt_regs
// uAPI layout: 31 general-purpose registers (x0..x30), then sp, pc, pstate.
const (
	arm64RegX0     = 0
	arm64RegSP     = 31
	arm64RegPC     = 32
	arm64RegPState = 33
)

// pstateInitEL1h is the initial PSTATE value guest kernels expect to be
// entered with: EL1h (SPSel=1), all exception masks set.
const pstateInitEL1h = 0x3c5

// highestGuestAddress returns the guest-physical address immediately past
// the highest installed memory slot, used as the initial stack top.
func highestGuestAddress(mem GuestMemory) uint64 {
	var top uint64
	mem.WithRegions(func(slot *MemorySlot) bool {
		end := slot.GuestPhysAddr + slot.Size()
		if end > top {
			top = end
		}
		return true
	})
	return top
}

// lowestGuestAddress returns the base of the lowest installed memory slot,
// where the device-tree blob lives by convention.
func lowestGuestAddress(mem GuestMemory) uint64 {
	var base uint64
	first := true
	mem.WithRegions(func(slot *MemorySlot) bool {
		if first || slot.GuestPhysAddr < base {
			base = slot.GuestPhysAddr
			first = false
		}
		return true
	})
	return base
}

// setupRegs programs the general registers so this vCPU resumes execution
// at kernelEntry with X0 holding the device-tree blob address (by
// convention, the start of guest memory on aarch64), SP pointing at the
// top of the highest installed region, and PSTATE set for EL1h entry.
func (v *Vcpu) setupRegs(kernelEntry uint64, mem GuestMemory) error {
	sp := highestGuestAddress(mem)
	if sp == 0 {
		return fmt.Errorf("vmm: no guest memory installed")
	}

	if err := setOneReg(v.fd, arm64CoreReg(arm64RegPC), kernelEntry); err != nil {
		return fmt.Errorf("set PC: %w", err)
	}
	if err := setOneReg(v.fd, arm64CoreReg(arm64RegSP), sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}
	if err := setOneReg(v.fd, arm64CoreReg(arm64RegPState), pstateInitEL1h); err != nil {
		return fmt.Errorf("set PSTATE: %w", err)
	}
	if err := setOneReg(v.fd, arm64CoreReg(arm64RegX0), lowestGuestAddress(mem)); err != nil {
		return fmt.Errorf("set X0: %w", err)
	}
	return nil
}
