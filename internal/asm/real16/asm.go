// Package real16 assembles 16-bit real-mode x86 fragments into flat programs
// that run from a fixed load address.
package real16

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/minivm/internal/asm"
)

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

// MustEmit is EmitBytes for fragments known to be valid.
func MustEmit(fragment asm.Fragment) []byte {
	code, err := EmitBytes(fragment)
	if err != nil {
		panic(fmt.Sprintf("real16: %v", err))
	}
	return code
}

type Context struct {
	text   []byte
	labels map[asm.Label]int
	jumps  []jumpPatch
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func (c *Context) finalize() (asm.Program, error) {
	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 2)
		if rel < math.MinInt16 || rel > math.MaxInt16 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint16(c.text[j.pos:j.pos+2], uint16(int16(rel)))
	}

	if len(c.text) > math.MaxUint16 {
		return asm.Program{}, fmt.Errorf("program of %d bytes exceeds a 64 KiB segment", len(c.text))
	}

	return asm.NewProgram(c.text), nil
}

var (
	_ asm.Context = (*Context)(nil)
)
