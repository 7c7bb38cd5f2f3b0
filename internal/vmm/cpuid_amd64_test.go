//go:build linux && amd64

package vmm

import (
	"errors"
	"testing"
)

func leaf(table *CPUIDTable, function, index uint32) *CPUIDEntry {
	for i := range table.Entries {
		e := &table.Entries[i]
		if e.Function == function && e.Index == index {
			return e
		}
	}
	return nil
}

func TestFilterCPUIDRejectsMissingTopology(t *testing.T) {
	table := CPUIDTable{Entries: []CPUIDEntry{{Function: cpuidLeafFeatures}}}
	if err := filterCPUID(0, 0, false, &table); err == nil {
		t.Fatalf("expected an error when vcpuCount is not configured")
	}
}

func TestFilterCPUIDSetsX2ApicID(t *testing.T) {
	table := CPUIDTable{Entries: []CPUIDEntry{
		{Function: cpuidLeafFeatures},
		{Function: cpuidLeafExtendedTopo, Index: 0},
		{Function: cpuidLeafExtendedTopo, Index: 1},
	}}
	if err := filterCPUID(3, 4, false, &table); err != nil {
		t.Fatalf("filterCPUID: %v", err)
	}
	e := leaf(&table, cpuidLeafExtendedTopo, 0)
	if e == nil {
		t.Fatalf("leaf 0xb subleaf 0 missing")
	}
	if e.EDX != 3 {
		t.Fatalf("x2APIC id (EDX) = %d, want vcpu id 3", e.EDX)
	}
}

func TestFilterCPUIDClearsHTForSingleVcpu(t *testing.T) {
	table := CPUIDTable{Entries: []CPUIDEntry{
		{Function: cpuidLeafFeatures, EDX: 1 << 28}, // HTT bit set
	}}
	if err := filterCPUID(0, 1, false, &table); err != nil {
		t.Fatalf("filterCPUID: %v", err)
	}
	e := leaf(&table, cpuidLeafFeatures, 0)
	if e.EDX&(1<<28) != 0 {
		t.Fatalf("expected HTT bit cleared for a single-vcpu guest")
	}
}

func TestApplyTemplateT2DoesNotPanicOnEmptyTable(t *testing.T) {
	table := CPUIDTable{}
	applyTemplateT2(&table)
	applyTemplateC3(&table)
}

func TestConfigureRejectsMissingTopologySettings(t *testing.T) {
	ht := false
	mem := newTestVMWithSlot(0x1000, 4096)

	v := &Vcpu{id: 0}

	err := v.Configure(VCPUConfig{HTEnabled: &ht, Memory: mem})
	var verr *VMError
	if !errors.As(err, &verr) || verr.Kind != ErrVcpuCountNotInitialized {
		t.Fatalf("missing vcpu count: err = %v, want ErrVcpuCountNotInitialized", err)
	}

	err = v.Configure(VCPUConfig{VcpuCount: 1, Memory: mem})
	if !errors.As(err, &verr) || verr.Kind != ErrHTNotInitialized {
		t.Fatalf("missing ht setting: err = %v, want ErrHTNotInitialized", err)
	}
}
