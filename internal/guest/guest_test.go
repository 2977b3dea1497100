package guest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestBuiltinsAssemble(t *testing.T) {
	for _, p := range Builtins() {
		code, err := p.Code()
		if err != nil {
			t.Fatalf("%s: %v", p.Name, err)
		}
		if len(code) == 0 || len(code) > 0x1000 {
			t.Fatalf("%s: %d bytes", p.Name, len(code))
		}
		if code[len(code)-1] != 0xF4 {
			t.Fatalf("%s: does not end in hlt", p.Name)
		}
		for _, l := range Disassemble(code, 0x1000) {
			if l.Text == "(bad)" {
				t.Fatalf("%s: undecodable byte at 0x%x", p.Name, l.Addr)
			}
		}
	}
}

func TestBuiltinsSorted(t *testing.T) {
	list := Builtins()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Fatalf("builtins not sorted: %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}

func TestConsolePayload(t *testing.T) {
	p, err := Lookup("console")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	code, err := p.Code()
	if err != nil {
		t.Fatalf("Code: %v", err)
	}

	want := []byte{
		0xBA, 0xF8, 0x03, // mov dx, 0x3f8
		0xB0, 0x41, // mov al, 'A'
		0xEE,       // out dx, al
		0xB0, 0x42, // mov al, 0x42
		0xEE, // out dx, al
		0xF4, // hlt
	}
	if !bytes.Equal(code, want) {
		t.Fatalf("console payload = % x", code)
	}
}

func TestLoad(t *testing.T) {
	if _, err := Load("", ""); err == nil {
		t.Fatalf("expected error with no payload")
	}
	if _, err := Load("console", "x.bin"); err == nil {
		t.Fatalf("expected error with both name and file")
	}
	if _, err := Load("nope", ""); err == nil || !strings.Contains(err.Error(), "unknown guest") {
		t.Fatalf("expected unknown guest error, got %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "guest.bin")
	if err := os.WriteFile(path, []byte{0xF4}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	code, err := Load("", path)
	if err != nil {
		t.Fatalf("Load file: %v", err)
	}
	if !bytes.Equal(code, []byte{0xF4}) {
		t.Fatalf("Load file = % x", code)
	}

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load("", empty); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestDisassemble(t *testing.T) {
	code := []byte{0xBA, 0xF8, 0x03, 0xEE, 0xF4}

	lines := Disassemble(code, 0x1000)
	if len(lines) != 3 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0].Addr != 0x1000 || lines[1].Addr != 0x1003 || lines[2].Addr != 0x1004 {
		t.Fatalf("addresses = %x %x %x", lines[0].Addr, lines[1].Addr, lines[2].Addr)
	}
	if lines[2].Text != "hlt" {
		t.Fatalf("last line = %q", lines[2].Text)
	}

	var buf bytes.Buffer
	if err := WriteListing(&buf, code, 0x1000); err != nil {
		t.Fatalf("WriteListing: %v", err)
	}
	if !strings.Contains(buf.String(), "ba f8 03") {
		t.Fatalf("listing missing bytes:\n%s", buf.String())
	}
}

func TestDisassembleTruncated(t *testing.T) {
	// mov dx, imm16 cut short after one immediate byte. The decoder gives up
	// on 0xba and resumes at 0xf8 (clc).
	lines := Disassemble([]byte{0xba, 0xf8}, 0x1000)
	if len(lines) != 2 {
		t.Fatalf("lines = %+v", lines)
	}
	if lines[0].Text != "(bad)" || !bytes.Equal(lines[0].Bytes, []byte{0xba}) {
		t.Fatalf("first line = %+v, want (bad) for 0xba", lines[0])
	}
	if lines[1].Addr != 0x1001 || lines[1].Text == "(bad)" {
		t.Fatalf("second line = %+v, want clc at 0x1001", lines[1])
	}

	// A lone operand-size prefix has nothing to apply to.
	lines = Disassemble([]byte{0x66}, 0)
	if len(lines) != 1 || lines[0].Text != "(bad)" {
		t.Fatalf("prefix only: lines = %+v", lines)
	}
}

func TestOverrunStoresFourBytes(t *testing.T) {
	code, err := Load("overrun", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 16)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if m, ok := inst.Args[0].(x86asm.Mem); ok && inst.Op == x86asm.MOV {
			if m.Disp != 0xffe || inst.MemBytes != 4 {
				t.Fatalf("store = %+v, %d bytes", m, inst.MemBytes)
			}
			return
		}
		code = code[inst.Len:]
	}
	t.Fatalf("no store in overrun payload")
}
