package emu

import (
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
	"golang.org/x/arch/x86/x86asm"
)

const rflagsIF = 1 << 9

func (v *VirtualCPU) exec(inst x86asm.Inst, linear uint64) (hv.ExitEvent, error) {
	switch inst.Op {
	case x86asm.NOP:
		v.advance(inst.Len)
		return nil, nil

	case x86asm.HLT:
		v.advance(inst.Len)
		return hv.ExitHalt{}, nil

	case x86asm.CLI:
		v.regs.Rflags &^= rflagsIF
		v.advance(inst.Len)
		return nil, nil

	case x86asm.STI:
		v.regs.Rflags |= rflagsIF
		v.advance(inst.Len)
		return nil, nil

	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return v.unsupported(inst, linear), nil
		}
		v.regs.Rip = (v.ip() + uint64(inst.Len) + uint64(int64(rel))) & 0xffff
		return nil, nil

	case x86asm.MOV:
		return v.execMov(inst, linear)

	case x86asm.OUT:
		var port uint16
		switch p := inst.Args[0].(type) {
		case x86asm.Reg:
			val, _ := v.getReg(p)
			port = uint16(val)
		case x86asm.Imm:
			port = uint16(p)
		default:
			return v.unsupported(inst, linear), nil
		}

		src, ok := inst.Args[1].(x86asm.Reg)
		if !ok {
			return v.unsupported(inst, linear), nil
		}
		val, size := v.getReg(src)
		putLE(v.ioBuf[:size], val)

		v.advance(inst.Len)
		return hv.ExitPortOut{Port: port, Data: v.ioBuf[:size]}, nil

	case x86asm.IN:
		// Port reads have no handler; the instruction is left unexecuted.
		return hv.ExitOther{
			Reason: fmt.Sprintf("EMU_EXIT_PORT_IN at 0x%x: %s", linear, x86asm.IntelSyntax(inst, linear, nil)),
			Code:   ExitPortIn,
		}, nil

	default:
		return v.unsupported(inst, linear), nil
	}
}

func (v *VirtualCPU) execMov(inst x86asm.Inst, linear uint64) (hv.ExitEvent, error) {
	switch dst := inst.Args[0].(type) {
	case x86asm.Reg:
		if regSize(dst) == 0 {
			return v.unsupported(inst, linear), nil
		}

		switch src := inst.Args[1].(type) {
		case x86asm.Imm:
			v.setReg(dst, uint64(src))
		case x86asm.Reg:
			if regSize(src) == 0 {
				return v.unsupported(inst, linear), nil
			}
			val, _ := v.getReg(src)
			v.setReg(dst, val)
		case x86asm.Mem:
			addr := v.address(src)
			v.advance(inst.Len)
			return v.load(dst, addr, regSize(dst))
		default:
			return v.unsupported(inst, linear), nil
		}

		v.advance(inst.Len)
		return nil, nil

	case x86asm.Mem:
		addr := v.address(dst)
		size := inst.MemBytes

		var val uint64
		switch src := inst.Args[1].(type) {
		case x86asm.Imm:
			val = uint64(src)
		case x86asm.Reg:
			if regSize(src) == 0 {
				return v.unsupported(inst, linear), nil
			}
			val, size = v.getReg(src)
		default:
			return v.unsupported(inst, linear), nil
		}
		if size <= 0 || size > len(v.writeBuf) {
			return v.unsupported(inst, linear), nil
		}

		data := v.writeBuf[:size]
		putLE(data, val)

		v.advance(inst.Len)
		return v.store(addr, data)

	default:
		return v.unsupported(inst, linear), nil
	}
}

// address resolves a memory operand to a linear address using 16-bit
// offset arithmetic.
func (v *VirtualCPU) address(m x86asm.Mem) uint64 {
	off := uint64(m.Disp)
	if m.Base != 0 {
		b, _ := v.getReg(m.Base)
		off += b
	}
	if m.Index != 0 && m.Scale != 0 {
		idx, _ := v.getReg(m.Index)
		off += idx * uint64(m.Scale)
	}
	off &= 0xffff

	seg := m.Segment
	if seg == 0 {
		seg = x86asm.DS
		if m.Base == x86asm.BP {
			seg = x86asm.SS
		}
	}

	return v.segment(seg).Base + off
}

// store writes data at addr. The RAM part is written directly; the rest is
// returned as an MMIO write exit.
func (v *VirtualCPU) store(addr uint64, data []byte) (hv.ExitEvent, error) {
	spans := v.vm.split(addr, len(data))

	var mmio *span
	for i := range spans {
		if spans[i].isRAM {
			continue
		}
		if mmio != nil {
			return nil, fmt.Errorf("emu: store at 0x%x touches more than one unbacked range", addr)
		}
		mmio = &spans[i]
	}

	for _, s := range spans {
		if s.isRAM {
			copy(s.ram.mem[s.addr-s.ram.physAddr:], data[s.off:s.off+s.n])
		}
	}

	if mmio == nil {
		return nil, nil
	}
	return hv.ExitMMIOWrite{Addr: mmio.addr, Data: data[mmio.off : mmio.off+mmio.n]}, nil
}

// load reads size bytes at addr into dst. If any of them are unbacked the
// load is parked until the host fills the MMIO read.
func (v *VirtualCPU) load(dst x86asm.Reg, addr uint64, size int) (hv.ExitEvent, error) {
	p := &pendingLoad{dst: dst, size: size}
	spans := v.vm.split(addr, size)

	var mmio *span
	for i := range spans {
		s := &spans[i]
		if s.isRAM {
			copy(p.buf[s.off:s.off+s.n], s.ram.mem[s.addr-s.ram.physAddr:])
			continue
		}
		if mmio != nil {
			return nil, fmt.Errorf("emu: load at 0x%x touches more than one unbacked range", addr)
		}
		mmio = s
	}

	if mmio == nil {
		v.setReg(dst, uint64FromLE(p.buf[:size]))
		return nil, nil
	}

	p.mmioOff = mmio.off
	p.mmioLen = mmio.n
	v.pending = p

	return hv.ExitMMIORead{Addr: mmio.addr, Data: p.buf[p.mmioOff : p.mmioOff+p.mmioLen]}, nil
}
