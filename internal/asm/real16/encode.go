package real16

import (
	"encoding/binary"
	"fmt"
)

const (
	prefixOperandSize = 0x66

	// mod=00 rm=110 selects a bare disp16 operand.
	modrmDisp16 = 0x06
)

func sizePrefix(size regSize) []byte {
	if size == size32 {
		return []byte{prefixOperandSize}
	}
	return nil
}

func disp16(addr uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, addr)
}

func encodeMovRegImm(dst Reg, value int64) ([]byte, error) {
	if err := checkImm(dst.size, value); err != nil {
		return nil, fmt.Errorf("mov %s: %w", dst, err)
	}
	out := sizePrefix(dst.size)
	if dst.size == size8 {
		out = append(out, 0xB0+dst.code)
	} else {
		out = append(out, 0xB8+dst.code)
	}
	return append(out, immBytes(dst.size, uint64(value))...), nil
}

func encodeMovRegReg(dst, src Reg) ([]byte, error) {
	if dst.size != src.size {
		return nil, fmt.Errorf("mov %s, %s: operand size mismatch", dst, src)
	}
	op := byte(0x89)
	if dst.size == size8 {
		op = 0x88
	}
	out := sizePrefix(dst.size)
	return append(out, op, 0xC0|src.code<<3|dst.code), nil
}

func encodeMovMemReg(mem Memory, src Reg) []byte {
	out := sizePrefix(src.size)
	if src.code == 0 {
		// Accumulator short form.
		op := byte(0xA3)
		if src.size == size8 {
			op = 0xA2
		}
		return append(append(out, op), disp16(mem.Disp)...)
	}
	op := byte(0x89)
	if src.size == size8 {
		op = 0x88
	}
	out = append(out, op, src.code<<3|modrmDisp16)
	return append(out, disp16(mem.Disp)...)
}

func encodeMovRegMem(dst Reg, mem Memory) []byte {
	out := sizePrefix(dst.size)
	if dst.code == 0 {
		op := byte(0xA1)
		if dst.size == size8 {
			op = 0xA0
		}
		return append(append(out, op), disp16(mem.Disp)...)
	}
	op := byte(0x8B)
	if dst.size == size8 {
		op = 0x8A
	}
	out = append(out, op, dst.code<<3|modrmDisp16)
	return append(out, disp16(mem.Disp)...)
}

func encodeMovMemImm(mem Memory, size regSize, value int64) ([]byte, error) {
	if err := checkImm(size, value); err != nil {
		return nil, fmt.Errorf("mov [0x%x]: %w", mem.Disp, err)
	}
	op := byte(0xC7)
	if size == size8 {
		op = 0xC6
	}
	out := sizePrefix(size)
	out = append(out, op, modrmDisp16)
	out = append(out, disp16(mem.Disp)...)
	return append(out, immBytes(size, uint64(value))...), nil
}

func encodeMovSegReg(dst SegReg, src Reg) ([]byte, error) {
	if src.size != size16 {
		return nil, fmt.Errorf("mov %s, %s: source must be a 16-bit register", dst, src)
	}
	return []byte{0x8E, 0xC0 | dst.code<<3 | src.code}, nil
}

func encodeOutDX(src Reg) ([]byte, error) {
	if src.code != 0 {
		return nil, fmt.Errorf("out dx, %s: source must be the accumulator", src)
	}
	if src.size == size8 {
		return []byte{0xEE}, nil
	}
	return append(sizePrefix(src.size), 0xEF), nil
}

func encodeOutImm(port uint8, src Reg) ([]byte, error) {
	if src.code != 0 {
		return nil, fmt.Errorf("out 0x%x, %s: source must be the accumulator", port, src)
	}
	if src.size == size8 {
		return []byte{0xE6, port}, nil
	}
	return append(sizePrefix(src.size), 0xE7, port), nil
}

func encodeInDX(dst Reg) ([]byte, error) {
	if dst.code != 0 {
		return nil, fmt.Errorf("in %s, dx: destination must be the accumulator", dst)
	}
	if dst.size == size8 {
		return []byte{0xEC}, nil
	}
	return append(sizePrefix(dst.size), 0xED), nil
}
