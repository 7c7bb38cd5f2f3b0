package vmm

// Capability is a portable, closed enumeration of host-kernel feature
// flags the Hypervisor Driver can be asked about via CheckExtension.
// Every variant here must have an entry in capToKVM below; the table is
// exhaustive and adding a capability means extending both ends.
type Capability int

const (
	CapIrqchip Capability = iota
	CapHlt
	CapUserMemory
	CapSetTSSAddr
	CapExtCPUID
	CapNrVcpus
	CapNrMemslots
	CapPit
	CapMpState
	CapCoalescedMMIO
	CapIrqRouting
	CapIrqfd
	CapPit2
	CapSetBootCPUID
	CapPitState2
	CapIoeventfd
	CapSetIdentityMapAddr
	CapAdjustClock
	CapInternalErrorData
	CapVcpuEvents
	CapIntrShadow
	CapDebugregs
	CapEnableCap
	CapXsave
	CapXcrs
	CapAsyncPF
	CapTscControl
	CapGetTscKhz
	CapMaxVcpus
	CapOneReg
	CapTscDeadlineTimer
	CapSyncRegs
	CapKvmclockCtrl
	CapSignalMsi
	CapReadonlyMem
	CapIrqfdResample
	CapArmPsci
	CapArmSetDeviceAddr
	CapDeviceCtrl
	CapArmEl132Bit
	CapHypervTime
	CapEnableCapVM
	CapVMAttributes
	CapArmPsci02
	CapCheckExtensionVM
	CapSplitIrqchip
	CapImmediateExit
	CapArmVMIPASize
)

// capToKVM maps every Capability to the real Linux KVM_CAP_* numeric id
// advertised by KVM_CHECK_EXTENSION. Values are the stable uAPI constants
// from <linux/kvm.h>.
var capToKVM = map[Capability]int{
	CapIrqchip:            0,
	CapHlt:                1,
	CapUserMemory:         3,
	CapSetTSSAddr:         4,
	CapExtCPUID:           7,
	CapNrVcpus:            9,
	CapNrMemslots:         10,
	CapPit:                11,
	CapMpState:            14,
	CapCoalescedMMIO:      15,
	CapIrqRouting:         25,
	CapIrqfd:              32,
	CapPit2:               33,
	CapSetBootCPUID:       34,
	CapPitState2:          35,
	CapIoeventfd:          36,
	CapSetIdentityMapAddr: 37,
	CapAdjustClock:        39,
	CapInternalErrorData:  40,
	CapVcpuEvents:         41,
	CapIntrShadow:         49,
	CapDebugregs:          50,
	CapEnableCap:          54,
	CapXsave:              55,
	CapXcrs:               56,
	CapAsyncPF:            59,
	CapTscControl:         60,
	CapGetTscKhz:          61,
	CapMaxVcpus:           66,
	CapOneReg:             70,
	CapTscDeadlineTimer:   72,
	CapSyncRegs:           74,
	CapKvmclockCtrl:       76,
	CapSignalMsi:          77,
	CapReadonlyMem:        81,
	CapIrqfdResample:      82,
	CapArmPsci:            87,
	CapArmSetDeviceAddr:   88,
	CapDeviceCtrl:         89,
	CapArmEl132Bit:        93,
	CapHypervTime:         96,
	CapEnableCapVM:        98,
	CapVMAttributes:       101,
	CapArmPsci02:          102,
	CapCheckExtensionVM:   105,
	CapSplitIrqchip:       121,
	CapImmediateExit:      136,
	CapArmVMIPASize:       165,
}

// kvmID returns the kernel-reported numeric id for cap. It panics if cap is
// not a member of the enum above, since the mapping is required to be
// total: an unmapped Capability is a programming error, not a runtime one.
func kvmID(cap Capability) int {
	id, ok := capToKVM[cap]
	if !ok {
		panic("vmm: capability has no KVM_CAP_* mapping")
	}
	return id
}

// capFromKVM is the inverse of capToKVM, built once at init so diagnostics
// can name the Capability behind a raw KVM_CAP_* number.
var capFromKVM = func() map[int]Capability {
	m := make(map[int]Capability, len(capToKVM))
	for cap, id := range capToKVM {
		m[id] = cap
	}
	return m
}()

// CapabilityFromKVM returns the Capability for a raw KVM_CAP_* id, if one is
// mapped.
func CapabilityFromKVM(id int) (Capability, bool) {
	cap, ok := capFromKVM[id]
	return cap, ok
}
