//go:build linux && arm64

package vmm

import (
	"fmt"
	"unsafe"
)

// kvmVcpuInit mirrors struct kvm_vcpu_init: the target CPU type and a
// feature bitmap consumed by KVM_ARM_VCPU_INIT.
type kvmVcpuInit struct {
	Target   uint32
	Features [7]uint32
}

const (
	kvmArmVcpuPowerOff = 0
	kvmArmVcpuPsci02   = 2
)

// kvmOneReg mirrors struct kvm_one_reg, used by both KVM_GET_ONE_REG and
// KVM_SET_ONE_REG to address a single aarch64 register by its encoded id.
type kvmOneReg struct {
	ID   uint64
	Addr uint64
}

// aarch64 register-id encoding (KVM_REG_ARM64 | size | coproc-class | ...).
// Grounded on the stable <linux/kvm.h> / arch/arm64 uAPI bit layout.
const (
	kvmRegArm64       = 0x6000000000000000
	kvmRegSizeU32     = 0x0020000000000000
	kvmRegSizeU64     = 0x0030000000000000
	kvmRegSizeU128    = 0x0040000000000000
	kvmRegArmCore     = 0x0010000000000000
	kvmRegArm64SysReg = 0x0013000000000000
)

// arm64CoreReg builds the KVM_REG id for an offset (in 64-bit words) into
// struct kvm_regs, e.g. general registers x0..x30, sp, pc, pstate.
func arm64CoreReg(wordOffset uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | (wordOffset * 2)
}

// arm64SysReg builds the KVM_REG id for an aarch64 system register from its
// op0/op1/crn/crm/op2 encoding, the same 5-tuple used in MRS/MSR mnemonics.
func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		(op0 << 14) | (op1 << 11) | (crn << 7) | (crm << 3) | op2
}

var (
	arm64SysRegMPIDREL1 = arm64SysReg(3, 0, 0, 0, 5)
)

func armPreferredTarget(vmFd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit
	if _, err := ioctlRetry(uintptr(vmFd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return kvmVcpuInit{}, fmt.Errorf("KVM_ARM_PREFERRED_TARGET: %w", err)
	}
	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	if err != nil {
		return fmt.Errorf("KVM_ARM_VCPU_INIT: %w", err)
	}
	return nil
}

func getOneReg(vcpuFd int, id uint64) (uint64, error) {
	var value uint64
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if _, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg))); err != nil {
		return 0, fmt.Errorf("KVM_GET_ONE_REG: %w", err)
	}
	return value, nil
}

func setOneReg(vcpuFd int, id uint64, value uint64) error {
	reg := kvmOneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&value)))}
	if _, err := ioctlRetry(uintptr(vcpuFd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg))); err != nil {
		return fmt.Errorf("KVM_SET_ONE_REG: %w", err)
	}
	return nil
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

// GIC device types and attribute groups (KVM_DEV_TYPE_ARM_VGIC_V2/V3):
// create the device, size the distributor/redistributor address windows,
// set the SPI count, then flip the control group to INIT to finalize it.
const (
	kvmDevTypeArmVgicV2 = 5
	kvmDevTypeArmVgicV3 = 7

	kvmDevArmVgicGrpAddr   = 0
	kvmDevArmVgicGrpNrIrqs = 3
	kvmDevArmVgicGrpCtrl   = 4

	kvmVgicV2AddrTypeDist   = 0
	kvmVgicV2AddrTypeCPU    = 1
	kvmVgicV3AddrTypeDist   = 2
	kvmVgicV3AddrTypeRedist = 3

	kvmDevArmVgicCtrlInit = 0
)

// setDeviceAddrAttr passes value by pointer: the addr field of struct
// kvm_device_attr is a userspace pointer to the attribute payload, not the
// payload itself.
func setDeviceAddrAttr(deviceFd int, attr uint64, value uint64) error {
	return setDeviceAttr(deviceFd, kvmDevArmVgicGrpAddr, attr, uint64(uintptr(unsafe.Pointer(&value))), 0)
}

func setDeviceNrIrqsAttr(deviceFd int, nrIRQs uint32) error {
	return setDeviceAttr(deviceFd, kvmDevArmVgicGrpNrIrqs, 0, uint64(uintptr(unsafe.Pointer(&nrIRQs))), 0)
}

func initArm64VGICv3(vmFd int, distBase, redistBase uint64, nrIRQs uint32) (int, error) {
	deviceFd, err := createDevice(vmFd, kvmDevTypeArmVgicV3, 0)
	if err != nil {
		return 0, fmt.Errorf("create GICv3 device: %w", err)
	}
	if err := setDeviceAddrAttr(deviceFd, kvmVgicV3AddrTypeDist, distBase); err != nil {
		return 0, fmt.Errorf("set GICv3 distributor address: %w", err)
	}
	if err := setDeviceAddrAttr(deviceFd, kvmVgicV3AddrTypeRedist, redistBase); err != nil {
		return 0, fmt.Errorf("set GICv3 redistributor address: %w", err)
	}
	if err := setDeviceNrIrqsAttr(deviceFd, nrIRQs); err != nil {
		return 0, fmt.Errorf("set GICv3 nr_irqs: %w", err)
	}
	return deviceFd, nil
}

func initArm64VGICv2(vmFd int, distBase, cpuBase uint64, nrIRQs uint32) (int, error) {
	deviceFd, err := createDevice(vmFd, kvmDevTypeArmVgicV2, 0)
	if err != nil {
		return 0, fmt.Errorf("create GICv2 device: %w", err)
	}
	if err := setDeviceAddrAttr(deviceFd, kvmVgicV2AddrTypeDist, distBase); err != nil {
		return 0, fmt.Errorf("set GICv2 distributor address: %w", err)
	}
	if err := setDeviceAddrAttr(deviceFd, kvmVgicV2AddrTypeCPU, cpuBase); err != nil {
		return 0, fmt.Errorf("set GICv2 cpu interface address: %w", err)
	}
	if err := setDeviceNrIrqsAttr(deviceFd, nrIRQs); err != nil {
		return 0, fmt.Errorf("set GICv2 nr_irqs: %w", err)
	}
	return deviceFd, nil
}

func finalizeArm64VGIC(deviceFd int) error {
	if err := setDeviceAttr(deviceFd, kvmDevArmVgicGrpCtrl, kvmDevArmVgicCtrlInit, 0, 0); err != nil {
		return fmt.Errorf("finalize GIC: %w", err)
	}
	return nil
}
