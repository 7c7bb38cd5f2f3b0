//go:build linux && amd64

package vmm

import "fmt"

// x86 CPUID leaf/subleaf numbers the filter and templates below rewrite.
const (
	cpuidLeafFeatures     = 0x1
	cpuidLeafCacheParams  = 0x4
	cpuidLeafExtendedTopo = 0xb
	cpuidLeafExtendedFeat = 0x80000001
)

// EDX feature bits on leaf 0x1 relevant to topology filtering.
const (
	cpuidEdxHTT = 1 << 28 // "HTT" (hyper-threading/multi-core present)
	cpuidEdxTSC = 1 << 4
)

// filterCPUID rewrites table in place so the guest observes a consistent
// topology for vcpuCount logical processors with hyperthreading enabled or
// not, tagged with this vCPU's own APIC id. It runs once per vCPU because
// leaf 0xB's x2APIC id differs per vCPU even though every other leaf is
// shared.
func filterCPUID(vcpuID int, vcpuCount int, htEnabled bool, table *CPUIDTable) error {
	if vcpuCount <= 0 {
		return fmt.Errorf("vmm: vcpu count not initialized")
	}

	apicID := uint32(vcpuID)
	coresPerPkg := uint32(vcpuCount)
	threadsPerCore := uint32(1)
	if htEnabled {
		threadsPerCore = 2
		coresPerPkg = uint32(vcpuCount) / 2
		if coresPerPkg == 0 {
			coresPerPkg = 1
		}
	}

	for i := range table.Entries {
		e := &table.Entries[i]
		switch e.Function {
		case cpuidLeafFeatures:
			// Bits 23:16 of EBX carry the max logical processor count
			// sharing this APIC's cache; bits 31:24 carry this vCPU's own
			// initial APIC id.
			e.EBX = (e.EBX &^ 0x00FF0000) | ((coresPerPkg * threadsPerCore) << 16)
			e.EBX = (e.EBX &^ 0xFF000000) | (apicID << 24)
			if vcpuCount > 1 {
				e.EDX |= cpuidEdxHTT
			} else {
				e.EDX &^= cpuidEdxHTT
			}

		case cpuidLeafCacheParams:
			if e.Index == 0 && !htEnabled {
				continue
			}
			// Bits 25:14 of EAX are "maximum number of addressable IDs
			// for logical processors sharing this cache" minus one.
			sharing := threadsPerCore
			if e.EAX&0xFF == 0 {
				continue
			}
			level := (e.EAX >> 5) & 0x7
			if level == 3 { // L3 is shared by the whole package
				sharing = coresPerPkg * threadsPerCore
			}
			e.EAX = (e.EAX &^ (0xFFF << 14)) | ((sharing - 1) << 14)

		case cpuidLeafExtendedTopo:
			switch e.Index {
			case 0: // SMT level
				e.EAX = 1 // bits to shift right to get next level's x2APIC id
				e.EBX = threadsPerCore
			case 1: // core level
				bits := uint32(0)
				for (uint32(1) << bits) < coresPerPkg*threadsPerCore {
					bits++
				}
				e.EAX = bits
				e.EBX = coresPerPkg * threadsPerCore
			default:
				e.EAX, e.EBX = 0, 0
			}
			e.EDX = apicID
		}
	}
	return nil
}

// applyTemplateT2 masks CPUID leaves down to the feature set of a modern
// Intel Xeon "T2" baseline, so a guest migrated across a heterogeneous
// fleet never observes a feature one host has and another lacks. Applied
// after the topology filter.
func applyTemplateT2(table *CPUIDTable) {
	const t2MaskedFeaturesECX = 1 << 12 // FMA
	for i := range table.Entries {
		e := &table.Entries[i]
		switch e.Function {
		case cpuidLeafFeatures:
			e.ECX &^= t2MaskedFeaturesECX
		case cpuidLeafExtendedFeat:
			e.ECX &^= (1 << 5) // LZCNT
			e.ECX &^= (1 << 8) // PREFETCHW
		}
	}
}

// applyTemplateC3 masks CPUID leaves down to an older "C3" baseline
// (no AVX2, no BMI), the more conservative of the two fleet templates.
func applyTemplateC3(table *CPUIDTable) {
	applyTemplateT2(table)
	const avx2AndBMI = (1 << 5) | (1 << 3) | (1 << 8) // AVX2, BMI1, BMI2 (leaf 7 EBX)
	for i := range table.Entries {
		e := &table.Entries[i]
		if e.Function == 0x7 && e.Index == 0 {
			e.EBX &^= avx2AndBMI
		}
	}
}
