//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/minivm/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

// RequestImmediateExit kicks the vCPU out of KVM_RUN. tid must be the thread
// that owns the vCPU.
func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := runPage(v.run)

	run.immediateExit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type memoryRegion struct {
	slot     uint32
	physAddr uint64
	mem      []byte
}

// implements hv.MemoryRegion.
func (m *memoryRegion) Slot() uint32          { return m.slot }
func (m *memoryRegion) GuestPhysAddr() uint64 { return m.physAddr }
func (m *memoryRegion) Size() uint64          { return uint64(len(m.mem)) }

func (m *memoryRegion) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: ReadAt offset 0x%x out of bounds", off)
	}

	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: WriteAt offset 0x%x out of bounds", off)
	}

	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpus map[int]*virtualCPU

	memMu   sync.Mutex
	regions map[uint32]*memoryRegion
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// AllocateMemory implements hv.VirtualMachine.
func (v *virtualMachine) AllocateMemory(slot uint32, physAddr uint64, size uint64) (hv.MemoryRegion, error) {
	if size == 0 {
		return nil, fmt.Errorf("kvm: allocate memory: size must be greater than 0")
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("kvm: allocate memory: size %d exceeds host address limit", size)
	}

	v.memMu.Lock()
	defer v.memMu.Unlock()

	if _, ok := v.regions[slot]; ok {
		return nil, fmt.Errorf("kvm: allocate memory slot %d: %w", slot, hv.ErrSlotInUse)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("kvm: allocate memory: %w", err)
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         0,
		GuestPhysAddr: physAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	region := &memoryRegion{slot: slot, physAddr: physAddr, mem: mem}
	v.regions[slot] = region

	slog.Debug("kvm: registered memory", "slot", slot, "gpa", fmt.Sprintf("0x%x", physAddr), "size", size)

	return region, nil
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	regions := v.regions
	v.regions = nil
	v.memMu.Unlock()

	vmFd := v.vmFd
	v.vmFd = -1

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}

	for _, vcpu := range vcpus {
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
	}

	for _, region := range regions {
		if err := unix.Munmap(region.mem); err != nil {
			slog.Error("kvm: munmap memory", "slot", region.slot, "error", err)
		}
	}

	if vmFd >= 0 {
		if err := unix.Close(vmFd); err != nil {
			slog.Error("kvm: close vm fd", "error", err)
		}
	}

	return nil
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}

	vm := &virtualMachine{
		hv:      h,
		vcpus:   make(map[int]*virtualCPU),
		regions: make(map[uint32]*memoryRegion),
	}

	vmFd, err := createVm(h.fd, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm.vmFd = vmFd

	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("initialize VM: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.CPUCount() {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		if err := h.archVCPUInit(vm, vcpuFd); err != nil {
			unix.Munmap(run)
			unix.Close(vcpuFd)
			unix.Close(vmFd)
			return nil, fmt.Errorf("initialize vCPU %d: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:       vm,
			id:       i,
			fd:       vcpuFd,
			run:      run,
			runQueue: make(chan func(), 16),
		}

		vm.vcpus[i] = vcpu

		go vcpu.start()
	}

	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	if ok, err := checkExtension(fd, kvmCapUserMemory); err != nil || ok == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_CAP_USER_MEMORY not available")
	}

	return &hypervisor{fd: fd}, nil
}

// Info describes the host KVM facility.
type Info struct {
	APIVersion   int
	MaxMemSlots  int
	VCPUMmapSize int
}

// Probe opens /dev/kvm and reports what it supports without creating a VM.
func Probe() (Info, error) {
	h, err := Open()
	if err != nil {
		return Info{}, err
	}
	defer h.Close()

	fd := h.(*hypervisor).fd

	var info Info

	if info.APIVersion, err = getApiVersion(fd); err != nil {
		return Info{}, fmt.Errorf("get KVM API version: %w", err)
	}
	if info.MaxMemSlots, err = checkExtension(fd, kvmCapNrMemslots); err != nil {
		return Info{}, fmt.Errorf("check KVM_CAP_NR_MEMSLOTS: %w", err)
	}
	if info.VCPUMmapSize, err = getVcpuMmapSize(fd); err != nil {
		return Info{}, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	return info, nil
}
