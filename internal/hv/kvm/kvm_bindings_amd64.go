//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs

	if err := ioctlPointer(vcpuFd, uint64(kvmGetRegs), unsafe.Pointer(&regs)); err != nil {
		return kvmRegs{}, err
	}

	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	return ioctlPointer(vcpuFd, uint64(kvmSetRegs), unsafe.Pointer(regs))
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetTssAddr), uintptr(addr))
	return err
}

func getSupportedCpuId(hvFd int) (*kvmCPUID2, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*255
	cpuidData := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&cpuidData[0]))
	cpuid.Nr = 255

	if err := ioctlPointer(hvFd, kvmGetSupportedCpuid, unsafe.Pointer(cpuid)); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuId *kvmCPUID2) error {
	return ioctlPointer(vcpuFd, uint64(kvmSetCpuid2), unsafe.Pointer(cpuId))
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs

	if err := ioctlPointer(vcpuFd, uint64(kvmGetSregs), unsafe.Pointer(&sregs)); err != nil {
		return kvmSRegs{}, err
	}

	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	return ioctlPointer(vcpuFd, uint64(kvmSetSregs), unsafe.Pointer(sregs))
}
