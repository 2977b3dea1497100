package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrSlotInUse             = errors.New("memory slot already registered")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// Registers is the general-purpose register set of an x86_64 vCPU.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	Rflags             uint64
}

// Segment is a cached segment descriptor.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
	Unusable uint8
}

type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// SpecialRegisters is the segment and control register set of an x86_64 vCPU.
type SpecialRegisters struct {
	Cs, Ds, Es, Fs, Gs, Ss Segment
	Tr, Ldt                Segment
	Gdt, Idt               DescriptorTable

	Cr0, Cr2, Cr3, Cr4, Cr8 uint64
	Efer                    uint64
	ApicBase                uint64
}

// VirtualCPU is only ever touched from the thread that owns it. Register
// state is read and written as whole sets.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	GetRegisters() (Registers, error)
	SetRegisters(regs Registers) error

	GetSpecialRegisters() (SpecialRegisters, error)
	SetSpecialRegisters(sregs SpecialRegisters) error

	// Run resumes the guest and blocks until the next exit. The returned
	// event is only valid until Run is called again.
	Run(ctx context.Context) (ExitEvent, error)
}

// MemoryRegion is a block of host memory mapped into guest-physical space.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt

	Slot() uint32
	GuestPhysAddr() uint64
	Size() uint64
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr-r.Address < r.Size
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Address, r.Address+r.Size)
}

type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor

	// AllocateMemory maps size bytes of zeroed host memory at physAddr
	// under the given slot. Each slot can be registered once.
	AllocateMemory(slot uint32, physAddr, size uint64) (MemoryRegion, error)

	// VirtualCPUCall runs f on the thread that owns the vCPU.
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type VMConfig interface {
	CPUCount() int
}

type SimpleVMConfig struct {
	NumCPUs int
}

func (c SimpleVMConfig) CPUCount() int { return c.NumCPUs }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
