//go:build linux

package kvm

import (
	"errors"
	"testing"

	"github.com/tinyrange/minivm/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func newTestVM(t testing.TB) hv.VirtualMachine {
	t.Helper()

	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	return vm
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestProbe(t *testing.T) {
	checkKVMAvailable(t)

	info, err := Probe()
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.APIVersion != kvmApiVersion {
		t.Fatalf("APIVersion = %d, want %d", info.APIVersion, kvmApiVersion)
	}
	if info.VCPUMmapSize <= 0 {
		t.Fatalf("VCPUMmapSize = %d", info.VCPUMmapSize)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	vm := newTestVM(t)

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if vcpu.ID() != 0 {
			t.Errorf("vCPU has wrong ID: got %d", vcpu.ID())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall(0): %v", err)
	}

	if err := vm.VirtualCPUCall(1, func(hv.VirtualCPU) error { return nil }); err == nil {
		t.Fatalf("VirtualCPUCall(1) should fail on a single vCPU VM")
	}
}

func TestNewVirtualMachineRejectsMultiCPU(t *testing.T) {
	checkKVMAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer h.Close()

	if _, err := h.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 2}); err == nil {
		t.Fatalf("expected error for 2 vCPUs")
	}
}

func TestAllocateMemory(t *testing.T) {
	vm := newTestVM(t)

	mem, err := vm.AllocateMemory(0, 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	if mem.Slot() != 0 || mem.GuestPhysAddr() != 0x1000 || mem.Size() != 0x1000 {
		t.Fatalf("unexpected region: slot=%d gpa=0x%x size=0x%x", mem.Slot(), mem.GuestPhysAddr(), mem.Size())
	}

	buf := make([]byte, 4)
	if _, err := mem.ReadAt(buf, 0x10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("fresh memory not zeroed at %d: 0x%02x", i, b)
		}
	}

	if _, err := mem.WriteAt([]byte{1, 2, 3}, 0xffe); err == nil {
		t.Fatalf("expected short write error at region end")
	}

	_, err = vm.AllocateMemory(0, 0x4000, 0x1000)
	if !errors.Is(err, hv.ErrSlotInUse) {
		t.Fatalf("duplicate slot: got %v, want ErrSlotInUse", err)
	}
}
