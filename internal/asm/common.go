package asm

import (
	"fmt"
)

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Raw emits data unchanged.
func Raw(data []byte) Fragment {
	return rawBytes(append([]byte(nil), data...))
}

type rawBytes []byte

func (r rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(r)
	return nil
}

// Program is flat position-dependent machine code.
type Program struct {
	code []byte
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func NewProgram(code []byte) Program {
	return Program{
		code: append([]byte(nil), code...),
	}
}
