//go:build linux

package vmm

import (
	"bytes"
	"errors"
	"testing"
)

func newTestVMWithSlot(guestAddr uint64, size int) *VM {
	return &VM{
		slots: map[uint32]*MemorySlot{
			1: {Slot: 1, GuestPhysAddr: guestAddr, mem: make([]byte, size)},
		},
	}
}

func TestGuestMemoryRoundTrip(t *testing.T) {
	vm := newTestVMWithSlot(0x1000, 4096)

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := vm.WriteObjAtAddr(0x1040, want); err != nil {
		t.Fatalf("WriteObjAtAddr: %v", err)
	}

	got := make([]byte, len(want))
	if err := vm.ReadObjFromAddr(0x1040, got); err != nil {
		t.Fatalf("ReadObjFromAddr: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip = %v, want %v", got, want)
	}
}

func TestGuestMemoryOutOfBounds(t *testing.T) {
	vm := newTestVMWithSlot(0x1000, 4096)

	if err := vm.ReadObjFromAddr(0x5000, make([]byte, 8)); err == nil {
		t.Fatalf("expected error reading an address with no backing slot")
	}
	if err := vm.WriteObjAtAddr(0x1ffc, make([]byte, 8)); err == nil {
		t.Fatalf("expected error writing across a slot's end")
	}
}

// TestSetUserMemoryRegionEnforcesDriverMax: with a driver reporting a
// maximum of 1 slot, installing two regions must fail the second with
// ErrNotEnoughMemorySlots rather than falling back to a compile-time cap.
func TestSetUserMemoryRegionEnforcesDriverMax(t *testing.T) {
	d := checkKVMAvailable(t)
	defer d.Close()

	vm, err := d.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	defer vm.Close()

	// Override whatever the real host reported so the test exercises the
	// limit itself rather than depending on the host's actual
	// KVM_CAP_NR_MEMSLOTS value.
	vm.maxMemorySlots = 1

	if _, err := vm.SetUserMemoryRegion(0x1000, 4096, false); err != nil {
		t.Fatalf("first SetUserMemoryRegion: %v", err)
	}

	_, err = vm.SetUserMemoryRegion(0x2000, 4096, false)
	if err == nil {
		t.Fatalf("expected second SetUserMemoryRegion to fail at the 1-slot limit")
	}
	var verr *VMError
	if !errors.As(err, &verr) || verr.Kind != ErrNotEnoughMemorySlots {
		t.Fatalf("err = %v, want ErrNotEnoughMemorySlots", err)
	}
}

func TestNumRegionsAndWithRegions(t *testing.T) {
	vm := newTestVMWithSlot(0x1000, 4096)

	if vm.NumRegions() != 1 {
		t.Fatalf("NumRegions() = %d, want 1", vm.NumRegions())
	}

	var seen int
	vm.WithRegions(func(slot *MemorySlot) bool {
		seen++
		if !slot.Contains(0x1000) {
			t.Fatalf("slot does not contain its own base address")
		}
		return true
	})
	if seen != 1 {
		t.Fatalf("WithRegions visited %d slots, want 1", seen)
	}
}
