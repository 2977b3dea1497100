package real16

import (
	"fmt"

	"github.com/tinyrange/minivm/internal/asm"
)

type regSize int

const (
	size8  regSize = 1
	size16 regSize = 2
	size32 regSize = 4
)

// Reg is a general purpose register at a fixed width.
type Reg struct {
	code byte
	size regSize
	name string
}

func (r Reg) String() string { return r.name }

var (
	AL = Reg{0, size8, "al"}
	CL = Reg{1, size8, "cl"}
	DL = Reg{2, size8, "dl"}
	BL = Reg{3, size8, "bl"}

	AX = Reg{0, size16, "ax"}
	CX = Reg{1, size16, "cx"}
	DX = Reg{2, size16, "dx"}
	BX = Reg{3, size16, "bx"}

	EAX = Reg{0, size32, "eax"}
	ECX = Reg{1, size32, "ecx"}
	EDX = Reg{2, size32, "edx"}
	EBX = Reg{3, size32, "ebx"}
)

// SegReg is a segment register.
type SegReg struct {
	code byte
	name string
}

func (s SegReg) String() string { return s.name }

var (
	ES = SegReg{0, "es"}
	SS = SegReg{2, "ss"}
	DS = SegReg{3, "ds"}
)

// Memory is an absolute 16-bit offset into the data segment.
type Memory struct {
	Disp uint16
}

func Abs(addr uint16) Memory {
	return Memory{Disp: addr}
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }

func emit(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func immBytes(size regSize, value uint64) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(value >> (8 * i))
	}
	return out
}

func checkImm(size regSize, value int64) error {
	bits := uint(size) * 8
	if value < -(1<<(bits-1)) || value >= 1<<bits {
		return fmt.Errorf("immediate %d does not fit in %d bits", value, bits)
	}
	return nil
}
