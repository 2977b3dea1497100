package real16

import (
	"github.com/tinyrange/minivm/internal/asm"
)

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovMemReg(mem, src), nil })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovRegMem(dst, mem), nil })
}

// StoreByte writes an 8-bit immediate to mem.
func StoreByte(mem Memory, value uint8) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovMemImm(mem, size8, int64(value)) })
}

// StoreWord writes a 16-bit immediate to mem.
func StoreWord(mem Memory, value uint16) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovMemImm(mem, size16, int64(value)) })
}

// StoreDword writes a 32-bit immediate to mem.
func StoreDword(mem Memory, value uint32) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovMemImm(mem, size32, int64(value)) })
}

func MovSegment(dst SegReg, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovSegReg(dst, src) })
}

// Out writes the accumulator to the port held in DX.
func Out(src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeOutDX(src) })
}

// OutImmediate writes the accumulator to a fixed 8-bit port.
func OutImmediate(port uint8, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeOutImm(port, src) })
}

// In reads the port held in DX into the accumulator.
func In(dst Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeInDX(dst) })
}

// OutByte loads DX and AL and writes AL to port.
func OutByte(port uint16, value uint8) asm.Fragment {
	return asm.Group{
		MovImmediate(DX, int64(port)),
		MovImmediate(AL, int64(value)),
		Out(AL),
	}
}

// Print writes s to port one byte at a time. DX is loaded once.
func Print(port uint16, s string) asm.Fragment {
	g := asm.Group{MovImmediate(DX, int64(port))}
	for i := 0; i < len(s); i++ {
		g = append(g, MovImmediate(AL, int64(s[i])), Out(AL))
	}
	return g
}

func Hlt() asm.Fragment { return asm.Raw([]byte{0xF4}) }
func Nop() asm.Fragment { return asm.Raw([]byte{0x90}) }
func Cli() asm.Fragment { return asm.Raw([]byte{0xFA}) }

// Cpuid has no meaning to the minimal machine and is used to provoke an
// unhandled exit.
func Cpuid() asm.Fragment { return asm.Raw([]byte{0x0F, 0xA2}) }

func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label}
}

type jump struct {
	label asm.Label
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx := _ctx.(*Context)
	ctx.text = append(ctx.text, 0xE9)
	pos := len(ctx.text)
	ctx.text = append(ctx.text, 0, 0)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}
