package guest

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Line is one decoded instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

// Disassemble decodes code as 16-bit instructions loaded at base. Bytes that
// do not decode, including a truncated tail, are reported as a single-byte
// "(bad)" line.
func Disassemble(code []byte, base uint64) []Line {
	var out []Line
	for off := 0; off < len(code); {
		pc := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], 16)
		// The decoder returns a lone prefix with no opcode when it cannot
		// make sense of what follows.
		if err != nil || inst.Op == 0 {
			out = append(out, Line{Addr: pc, Bytes: code[off : off+1], Text: "(bad)"})
			off++
			continue
		}
		out = append(out, Line{
			Addr:  pc,
			Bytes: code[off : off+inst.Len],
			Text:  x86asm.IntelSyntax(inst, pc, nil),
		})
		off += inst.Len
	}
	return out
}

// WriteListing prints an objdump-style listing of code.
func WriteListing(w io.Writer, code []byte, base uint64) error {
	for _, l := range Disassemble(code, base) {
		hex := make([]string, len(l.Bytes))
		for i, b := range l.Bytes {
			hex[i] = fmt.Sprintf("%02x", b)
		}
		if _, err := fmt.Fprintf(w, "%8x:\t%-24s\t%s\n", l.Addr, strings.Join(hex, " "), l.Text); err != nil {
			return err
		}
	}
	return nil
}
