package vmm

import "fmt"

// ErrorKind is the closed set of VM/vCPU configuration and runtime errors.
// Every site that can fail at VM setup or vCPU configuration time returns
// one of these, wrapping the underlying errno where one exists.
type ErrorKind int

const (
	ErrCpuID ErrorKind = iota
	ErrGuestMemory
	ErrHTNotInitialized
	ErrVcpuCountNotInitialized
	ErrVM
	ErrVcpu
	ErrVMSetup
	ErrVcpuRun
	ErrSetSupportedCpusFailed
	ErrNotEnoughMemorySlots
	ErrLocalIntConfiguration
	ErrSetUserMemoryRegion
	ErrMSRSConfiguration
	ErrREGSConfiguration
	ErrSREGSConfiguration
	ErrFPUConfiguration
	ErrIrq
	ErrVcpuSpawn
	ErrVcpuUnhandledKvmExit
	ErrSetupGIC
	ErrVcpuArmPreferredTarget
	ErrVcpuArmInit
)

func (k ErrorKind) String() string {
	switch k {
	case ErrCpuID:
		return "CpuId"
	case ErrGuestMemory:
		return "GuestMemory"
	case ErrHTNotInitialized:
		return "HTNotInitialized"
	case ErrVcpuCountNotInitialized:
		return "VcpuCountNotInitialized"
	case ErrVM:
		return "Vm"
	case ErrVcpu:
		return "Vcpu"
	case ErrVMSetup:
		return "VmSetup"
	case ErrVcpuRun:
		return "VcpuRun"
	case ErrSetSupportedCpusFailed:
		return "SetSupportedCpusFailed"
	case ErrNotEnoughMemorySlots:
		return "NotEnoughMemorySlots"
	case ErrLocalIntConfiguration:
		return "LocalIntConfiguration"
	case ErrSetUserMemoryRegion:
		return "SetUserMemoryRegion"
	case ErrMSRSConfiguration:
		return "MSRSConfiguration"
	case ErrREGSConfiguration:
		return "REGSConfiguration"
	case ErrSREGSConfiguration:
		return "SREGSConfiguration"
	case ErrFPUConfiguration:
		return "FPUConfiguration"
	case ErrIrq:
		return "Irq"
	case ErrVcpuSpawn:
		return "VcpuSpawn"
	case ErrVcpuUnhandledKvmExit:
		return "VcpuUnhandledKvmExit"
	case ErrSetupGIC:
		return "SetupGIC"
	case ErrVcpuArmPreferredTarget:
		return "VcpuArmPreferredTarget"
	case ErrVcpuArmInit:
		return "VcpuArmInit"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// VMError wraps an ErrorKind with its causing error (usually a kernel
// errno). Errors.Is/As unwrap to cause, so callers can still inspect EEXIST,
// EAGAIN, etc. at the errno level without losing the domain classification.
type VMError struct {
	Kind  ErrorKind
	Cause error
}

func (e *VMError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *VMError) Unwrap() error {
	return e.Cause
}

func newError(kind ErrorKind, cause error) *VMError {
	return &VMError{Kind: kind, Cause: cause}
}
