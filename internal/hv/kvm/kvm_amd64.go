//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
	"golang.org/x/sys/unix"
)

// tssAddr sits in the top of the 32-bit space, well clear of guest RAM.
const tssAddr = 0xfffbd000

func (v *virtualCPU) GetRegisters() (hv.Registers, error) {
	regs, err := getRegisters(v.fd)
	if err != nil {
		return hv.Registers{}, fmt.Errorf("kvm: get registers: %w", err)
	}

	return hv.Registers{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rsp: regs.Rsp, Rbp: regs.Rbp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip:    regs.Rip,
		Rflags: regs.Rflags,
	}, nil
}

func (v *virtualCPU) SetRegisters(r hv.Registers) error {
	regs := kvmRegs{
		Rax: r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rsp: r.Rsp, Rbp: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Rip:    r.Rip,
		Rflags: r.Rflags,
	}

	if err := setRegisters(v.fd, &regs); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}

	return nil
}

func (v *virtualCPU) GetSpecialRegisters() (hv.SpecialRegisters, error) {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return hv.SpecialRegisters{}, fmt.Errorf("kvm: get special registers: %w", err)
	}

	return hv.SpecialRegisters{
		Cs: fromKvmSegment(sregs.Cs), Ds: fromKvmSegment(sregs.Ds),
		Es: fromKvmSegment(sregs.Es), Fs: fromKvmSegment(sregs.Fs),
		Gs: fromKvmSegment(sregs.Gs), Ss: fromKvmSegment(sregs.Ss),
		Tr: fromKvmSegment(sregs.Tr), Ldt: fromKvmSegment(sregs.Ldt),
		Gdt: hv.DescriptorTable{Base: sregs.Gdt.Base, Limit: sregs.Gdt.Limit},
		Idt: hv.DescriptorTable{Base: sregs.Idt.Base, Limit: sregs.Idt.Limit},
		Cr0: sregs.Cr0, Cr2: sregs.Cr2, Cr3: sregs.Cr3, Cr4: sregs.Cr4, Cr8: sregs.Cr8,
		Efer:     sregs.Efer,
		ApicBase: sregs.ApicBase,
	}, nil
}

// SetSpecialRegisters writes the whole special register set. The pending
// interrupt bitmap is not part of hv.SpecialRegisters, so it is carried over
// from the current state.
func (v *virtualCPU) SetSpecialRegisters(s hv.SpecialRegisters) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cs, sregs.Ds = toKvmSegment(s.Cs), toKvmSegment(s.Ds)
	sregs.Es, sregs.Fs = toKvmSegment(s.Es), toKvmSegment(s.Fs)
	sregs.Gs, sregs.Ss = toKvmSegment(s.Gs), toKvmSegment(s.Ss)
	sregs.Tr, sregs.Ldt = toKvmSegment(s.Tr), toKvmSegment(s.Ldt)
	sregs.Gdt = kvmDTable{Base: s.Gdt.Base, Limit: s.Gdt.Limit}
	sregs.Idt = kvmDTable{Base: s.Idt.Base, Limit: s.Idt.Limit}
	sregs.Cr0, sregs.Cr2, sregs.Cr3, sregs.Cr4, sregs.Cr8 = s.Cr0, s.Cr2, s.Cr3, s.Cr4, s.Cr8
	sregs.Efer = s.Efer
	sregs.ApicBase = s.ApicBase

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}

	return nil
}

func fromKvmSegment(s kvmSegment) hv.Segment {
	return hv.Segment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		Dpl:      s.Dpl,
		Db:       s.Db,
		S:        s.S,
		L:        s.L,
		G:        s.G,
		Avl:      s.Avl,
		Unusable: s.Unusable,
	}
}

func toKvmSegment(s hv.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		Dpl:      s.Dpl,
		Db:       s.Db,
		S:        s.S,
		L:        s.L,
		G:        s.G,
		Avl:      s.Avl,
		Unusable: s.Unusable,
	}
}

func (v *virtualCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run := runPage(v.run)

	// Cleared before the cancel hook is armed so a cancellation can't be
	// overwritten.
	run.immediateExit = 0

	usingContext := false
	if ctx.Done() != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify := context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
		defer stopNotify()
	}

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && ctx.Err() != nil {
				return nil, ctx.Err()
			}

			continue
		} else if err != nil {
			return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	reason := kvmExitReason(run.exitReason)

	switch reason {
	case kvmExitHlt:
		return hv.ExitHalt{}, nil
	case kvmExitIo:
		io := exitAs[exitIO](run)
		if io.direction != ioDirectionOut {
			return hv.ExitOther{
				Reason: fmt.Sprintf("%s in port=0x%04x", reason, io.port),
				Code:   uint32(reason),
			}, nil
		}

		start, end := io.span()
		if end > uint64(len(v.run)) {
			return nil, fmt.Errorf("kvm: I/O data at 0x%x overruns kvm_run", start)
		}
		return hv.ExitPortOut{Port: io.port, Data: v.run[start:end]}, nil
	case kvmExitMmio:
		mmio := exitAs[exitMMIO](run)
		if mmio.isWrite != 0 {
			return hv.ExitMMIOWrite{Addr: mmio.physAddr, Data: mmio.bytes()}, nil
		}
		// KVM copies data into the destination register on the next KVM_RUN.
		return hv.ExitMMIORead{Addr: mmio.physAddr, Data: mmio.bytes()}, nil
	case kvmExitInternalError:
		return hv.ExitOther{
			Reason: fmt.Sprintf("%s: %s", reason, exitAs[exitInternalError](run)),
			Code:   uint32(reason),
		}, nil
	case kvmExitFailEntry:
		return hv.ExitOther{
			Reason: fmt.Sprintf("%s: hardware reason 0x%x", reason, exitAs[exitFailEntry](run).hardwareReason),
			Code:   uint32(reason),
		}, nil
	default:
		return hv.ExitOther{Reason: reason.String(), Code: uint32(reason)}, nil
	}
}

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(hv.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
