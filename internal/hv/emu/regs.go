package emu

import (
	"github.com/tinyrange/minivm/internal/hv"
	"golang.org/x/arch/x86/x86asm"
)

func (v *VirtualCPU) gprs() [8]*uint64 {
	return [8]*uint64{
		&v.regs.Rax, &v.regs.Rcx, &v.regs.Rdx, &v.regs.Rbx,
		&v.regs.Rsp, &v.regs.Rbp, &v.regs.Rsi, &v.regs.Rdi,
	}
}

func (v *VirtualCPU) segment(r x86asm.Reg) *hv.Segment {
	switch r {
	case x86asm.ES:
		return &v.sregs.Es
	case x86asm.CS:
		return &v.sregs.Cs
	case x86asm.SS:
		return &v.sregs.Ss
	case x86asm.DS:
		return &v.sregs.Ds
	case x86asm.FS:
		return &v.sregs.Fs
	case x86asm.GS:
		return &v.sregs.Gs
	default:
		return nil
	}
}

// regSize returns the width of r in bytes, or 0 if the interpreter does not
// model it.
func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		return 1
	case r >= x86asm.AX && r <= x86asm.DI:
		return 2
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return 4
	case r >= x86asm.ES && r <= x86asm.GS:
		return 2
	default:
		return 0
	}
}

func (v *VirtualCPU) getReg(r x86asm.Reg) (uint64, int) {
	g := v.gprs()

	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return *g[r-x86asm.AL] & 0xff, 1
	case r >= x86asm.AH && r <= x86asm.BH:
		return (*g[r-x86asm.AH] >> 8) & 0xff, 1
	case r >= x86asm.AX && r <= x86asm.DI:
		return *g[r-x86asm.AX] & 0xffff, 2
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return *g[r-x86asm.EAX] & 0xffffffff, 4
	case r >= x86asm.ES && r <= x86asm.GS:
		return uint64(v.segment(r).Selector), 2
	default:
		return 0, 0
	}
}

func (v *VirtualCPU) setReg(r x86asm.Reg, val uint64) {
	g := v.gprs()

	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		p := g[r-x86asm.AL]
		*p = *p&^0xff | val&0xff
	case r >= x86asm.AH && r <= x86asm.BH:
		p := g[r-x86asm.AH]
		*p = *p&^0xff00 | (val&0xff)<<8
	case r >= x86asm.AX && r <= x86asm.DI:
		p := g[r-x86asm.AX]
		*p = *p&^0xffff | val&0xffff
	case r >= x86asm.EAX && r <= x86asm.EDI:
		*g[r-x86asm.EAX] = val & 0xffffffff
	case r >= x86asm.ES && r <= x86asm.GS:
		// real mode: base is always selector * 16
		seg := v.segment(r)
		seg.Selector = uint16(val)
		seg.Base = uint64(seg.Selector) << 4
	}
}
