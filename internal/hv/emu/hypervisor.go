// Package emu is a software hv.Hypervisor that interprets a small subset of
// 16-bit real-mode x86. It produces the same exit events as the KVM backend
// so the dispatch loop can run on hosts without /dev/kvm.
package emu

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/minivm/internal/hv"
)

// Hypervisor implements hv.Hypervisor.
type Hypervisor struct{}

// Open creates a new software hypervisor. It never fails.
func Open() (hv.Hypervisor, error) {
	return &Hypervisor{}, nil
}

// Close implements hv.Hypervisor
func (h *Hypervisor) Close() error {
	return nil
}

// Architecture implements hv.Hypervisor
func (h *Hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}

// NewVirtualMachine implements hv.Hypervisor
func (h *Hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config == nil {
		return nil, fmt.Errorf("emu: VMConfig is nil")
	}
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("emu: only 1 vCPU supported, got %d", config.CPUCount())
	}

	vm := &VirtualMachine{
		hv:      h,
		regions: make(map[uint32]*memoryRegion),
	}
	vm.vcpu = newVirtualCPU(vm)

	return vm, nil
}

var (
	_ hv.Hypervisor = &Hypervisor{}
)

// VirtualMachine implements hv.VirtualMachine.
type VirtualMachine struct {
	hv   *Hypervisor
	vcpu *VirtualCPU

	mu      sync.Mutex
	regions map[uint32]*memoryRegion
	sorted  []*memoryRegion
	closed  bool
}

// Hypervisor implements hv.VirtualMachine
func (vm *VirtualMachine) Hypervisor() hv.Hypervisor {
	return vm.hv
}

// Close implements hv.VirtualMachine
func (vm *VirtualMachine) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.closed = true
	vm.regions = nil
	vm.sorted = nil

	return nil
}

// AllocateMemory implements hv.VirtualMachine
func (vm *VirtualMachine) AllocateMemory(slot uint32, physAddr, size uint64) (hv.MemoryRegion, error) {
	if size == 0 {
		return nil, fmt.Errorf("emu: allocate memory: size must be greater than 0")
	}
	if physAddr+size < physAddr {
		return nil, fmt.Errorf("emu: allocate memory: region at 0x%x size 0x%x overflows", physAddr, size)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, fmt.Errorf("emu: allocate memory after close")
	}
	if _, ok := vm.regions[slot]; ok {
		return nil, fmt.Errorf("emu: allocate memory slot %d: %w", slot, hv.ErrSlotInUse)
	}
	for _, r := range vm.sorted {
		if physAddr < r.end() && r.physAddr < physAddr+size {
			return nil, fmt.Errorf("emu: allocate memory: [0x%x, 0x%x) overlaps slot %d", physAddr, physAddr+size, r.slot)
		}
	}

	region := &memoryRegion{
		slot:     slot,
		physAddr: physAddr,
		mem:      make([]byte, size),
	}
	vm.regions[slot] = region
	vm.sorted = append(vm.sorted, region)
	sort.Slice(vm.sorted, func(i, j int) bool { return vm.sorted[i].physAddr < vm.sorted[j].physAddr })

	return region, nil
}

// VirtualCPUCall implements hv.VirtualMachine
func (vm *VirtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	if id != 0 {
		return fmt.Errorf("emu: no vCPU %d found", id)
	}

	vm.vcpu.mu.Lock()
	defer vm.vcpu.mu.Unlock()

	return f(vm.vcpu)
}

func (vm *VirtualMachine) isClosed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.closed
}

// lookup returns the RAM backing the byte at addr.
func (vm *VirtualMachine) lookup(addr uint64) (*memoryRegion, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, r := range vm.sorted {
		if addr >= r.physAddr && addr < r.end() {
			return r, true
		}
	}
	return nil, false
}

var (
	_ hv.VirtualMachine = &VirtualMachine{}
)
