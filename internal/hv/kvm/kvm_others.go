//go:build linux && !amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
)

func (v *virtualCPU) GetRegisters() (hv.Registers, error) {
	return hv.Registers{}, fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (v *virtualCPU) SetRegisters(regs hv.Registers) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetSpecialRegisters() (hv.SpecialRegisters, error) {
	return hv.SpecialRegisters{}, fmt.Errorf("kvm: GetSpecialRegisters not supported on this architecture")
}

func (v *virtualCPU) SetSpecialRegisters(sregs hv.SpecialRegisters) error {
	return fmt.Errorf("kvm: SetSpecialRegisters not supported on this architecture")
}

func (v *virtualCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	return nil, fmt.Errorf("kvm: Run not supported on this architecture")
}

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
