package emu

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/minivm/internal/hv"
	"golang.org/x/arch/x86/x86asm"
)

// Exit codes reported in hv.ExitOther for conditions the interpreter cannot
// continue from.
const (
	ExitUnsupported   uint32 = 1
	ExitInvalidOpcode uint32 = 2
	ExitFetchFault    uint32 = 3
	ExitPortIn        uint32 = 4
)

const (
	maxInstLen = 15

	// ctx is polled once per this many instructions.
	ctxPollInterval = 4096

	cr0PE = 1
)

// pendingLoad is a register load waiting on an MMIO read to complete.
type pendingLoad struct {
	dst     x86asm.Reg
	size    int
	buf     [8]byte
	mmioOff int
	mmioLen int
}

// VirtualCPU implements hv.VirtualCPU.
type VirtualCPU struct {
	mu sync.Mutex

	vm    *VirtualMachine
	regs  hv.Registers
	sregs hv.SpecialRegisters

	pending  *pendingLoad
	ioBuf    [4]byte
	writeBuf [8]byte
}

func newVirtualCPU(vm *VirtualMachine) *VirtualCPU {
	v := &VirtualCPU{vm: vm}
	v.reset()
	return v
}

// reset puts the vCPU in the x86 power-on state: real mode, executing from
// f000:fff0.
func (v *VirtualCPU) reset() {
	data := hv.Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1}

	v.regs = hv.Registers{Rip: 0xfff0, Rflags: 0x2}
	v.sregs = hv.SpecialRegisters{
		Cs:  hv.Segment{Base: 0xffff0000, Selector: 0xf000, Limit: 0xffff, Type: 11, Present: 1, S: 1},
		Ds:  data,
		Es:  data,
		Fs:  data,
		Gs:  data,
		Ss:  data,
		Tr:  hv.Segment{Limit: 0xffff, Type: 11, Present: 1},
		Ldt: hv.Segment{Limit: 0xffff, Type: 2, Present: 1},
		Gdt: hv.DescriptorTable{Limit: 0xffff},
		Idt: hv.DescriptorTable{Limit: 0xffff},
		Cr0: 0x60000010,
	}
	v.pending = nil
}

// implements hv.VirtualCPU.
func (v *VirtualCPU) ID() int                           { return 0 }
func (v *VirtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *VirtualCPU) GetRegisters() (hv.Registers, error) {
	return v.regs, nil
}

func (v *VirtualCPU) SetRegisters(regs hv.Registers) error {
	v.regs = regs
	return nil
}

func (v *VirtualCPU) GetSpecialRegisters() (hv.SpecialRegisters, error) {
	return v.sregs, nil
}

func (v *VirtualCPU) SetSpecialRegisters(sregs hv.SpecialRegisters) error {
	v.sregs = sregs
	return nil
}

// Run executes instructions until one of them needs the host.
func (v *VirtualCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	if v.vm.isClosed() {
		return nil, fmt.Errorf("emu: run after close")
	}

	if p := v.pending; p != nil {
		v.pending = nil
		v.setReg(p.dst, uint64FromLE(p.buf[:p.size]))
	}

	if v.sregs.Cr0&cr0PE != 0 {
		return hv.ExitOther{Reason: "EMU_EXIT_UNSUPPORTED: protected mode", Code: ExitUnsupported}, nil
	}

	for steps := 0; ; steps++ {
		if steps%ctxPollInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		exit, err := v.step()
		if err != nil {
			return nil, err
		}
		if exit != nil {
			return exit, nil
		}
	}
}

func (v *VirtualCPU) ip() uint64 {
	return v.regs.Rip & 0xffff
}

func (v *VirtualCPU) advance(n int) {
	v.regs.Rip = (v.ip() + uint64(n)) & 0xffff
}

// fetch reads up to maxInstLen bytes at cs:ip. Only bytes in RAM are
// returned.
func (v *VirtualCPU) fetch() ([]byte, uint64) {
	linear := v.sregs.Cs.Base + v.ip()

	var buf [maxInstLen]byte
	n := 0
	for n < len(buf) {
		r, ok := v.vm.lookup(linear + uint64(n))
		if !ok {
			break
		}
		buf[n] = r.mem[linear+uint64(n)-r.physAddr]
		n++
	}

	return buf[:n], linear
}

func (v *VirtualCPU) step() (hv.ExitEvent, error) {
	code, linear := v.fetch()
	if len(code) == 0 {
		return hv.ExitOther{
			Reason: fmt.Sprintf("EMU_EXIT_FETCH_FAULT at 0x%x", linear),
			Code:   ExitFetchFault,
		}, nil
	}

	inst, err := x86asm.Decode(code, 16)
	// A prefix with no opcode is how the decoder reports bytes it cannot
	// make sense of.
	if err != nil || inst.Op == 0 {
		return hv.ExitOther{
			Reason: fmt.Sprintf("EMU_EXIT_INVALID_OPCODE at 0x%x: % x", linear, code[:min(len(code), 4)]),
			Code:   ExitInvalidOpcode,
		}, nil
	}

	return v.exec(inst, linear)
}

func (v *VirtualCPU) unsupported(inst x86asm.Inst, linear uint64) hv.ExitEvent {
	return hv.ExitOther{
		Reason: fmt.Sprintf("EMU_EXIT_UNSUPPORTED at 0x%x: %s", linear, x86asm.IntelSyntax(inst, linear, nil)),
		Code:   ExitUnsupported,
	}
}

func uint64FromLE(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func putLE(b []byte, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	copy(b, buf[:])
}
