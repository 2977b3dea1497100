// Package guest holds the built-in real-mode payloads and a disassembler for
// flat payload images.
package guest

import (
	"fmt"
	"os"
	"sort"

	"github.com/tinyrange/minivm/internal/asm"
	"github.com/tinyrange/minivm/internal/asm/real16"
)

const (
	ConsolePort uint16 = 0x3f8
	Sentinel    byte   = 0x42

	// UnusedPort is a port no device claims.
	UnusedPort uint16 = 0x80
)

// Payload is a named built-in guest.
type Payload struct {
	Name        string
	Description string
	build       func() asm.Fragment
}

// Code assembles the payload.
func (p Payload) Code() ([]byte, error) {
	code, err := real16.EmitBytes(p.build())
	if err != nil {
		return nil, fmt.Errorf("guest %q: %w", p.Name, err)
	}
	return code, nil
}

var builtins = map[string]Payload{}

func register(name, desc string, build func() asm.Fragment) {
	builtins[name] = Payload{Name: name, Description: desc, build: build}
}

func init() {
	register("console", "write 'A' then 0x42 to the console port and halt", Console)
	register("hello", "print a greeting on the console port and halt", func() asm.Fragment {
		return Hello("Hello from minivm!\n")
	})
	register("mmio", "store 0xff at 0x10, read it back and echo it", func() asm.Fragment {
		return MMIORoundTrip(0x10, 0xff)
	})
	register("overrun", "store 4 bytes two bytes before the end of the device window", func() asm.Fragment {
		return Overrun(0xffe)
	})
	register("sentinel-port", "write 0x42 to a port no device claims", SentinelOnUnusedPort)
	register("nonascii", "write a byte above 127 to the console port", func() asm.Fragment {
		return NonASCII(0xc8)
	})
	register("unexpected", "read from a port, which the machine cannot service", Unexpected)
}

// Lookup returns the built-in payload called name.
func Lookup(name string) (Payload, error) {
	p, ok := builtins[name]
	if !ok {
		return Payload{}, fmt.Errorf("unknown guest %q", name)
	}
	return p, nil
}

// Builtins returns every built-in payload sorted by name.
func Builtins() []Payload {
	out := make([]Payload, 0, len(builtins))
	for _, p := range builtins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load resolves a payload either by built-in name or from a flat binary file.
// Exactly one of name and path may be set.
func Load(name, path string) ([]byte, error) {
	switch {
	case name != "" && path != "":
		return nil, fmt.Errorf("guest: both a built-in name and a payload file were given")
	case path != "":
		code, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("guest: read payload: %w", err)
		}
		if len(code) == 0 {
			return nil, fmt.Errorf("guest: payload %s is empty", path)
		}
		return code, nil
	case name != "":
		p, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		return p.Code()
	default:
		return nil, fmt.Errorf("guest: no payload selected")
	}
}

// Console writes 'A' and the sentinel to the console port, then halts.
func Console() asm.Fragment {
	return asm.Group{
		real16.OutByte(ConsolePort, 'A'),
		real16.MovImmediate(real16.AL, int64(Sentinel)),
		real16.Out(real16.AL),
		real16.Hlt(),
	}
}

func Hello(msg string) asm.Fragment {
	return asm.Group{
		real16.Print(ConsolePort, msg),
		real16.Hlt(),
	}
}

// MMIORoundTrip stores value at addr, loads it back into AL and writes AL to
// the console port so the result is visible.
func MMIORoundTrip(addr uint16, value uint8) asm.Fragment {
	return asm.Group{
		real16.StoreByte(real16.Abs(addr), value),
		real16.MovFromMemory(real16.AL, real16.Abs(addr)),
		real16.MovImmediate(real16.DX, int64(ConsolePort)),
		real16.Out(real16.AL),
		real16.Hlt(),
	}
}

// Overrun performs a single 4-byte store of 11 22 33 44 at addr.
func Overrun(addr uint16) asm.Fragment {
	return asm.Group{
		real16.MovImmediate(real16.EAX, 0x44332211),
		real16.MovToMemory(real16.Abs(addr), real16.EAX),
		real16.Hlt(),
	}
}

func SentinelOnUnusedPort() asm.Fragment {
	return asm.Group{
		real16.OutByte(UnusedPort, Sentinel),
		real16.Hlt(),
	}
}

func NonASCII(b byte) asm.Fragment {
	return asm.Group{
		real16.OutByte(ConsolePort, b),
		real16.Hlt(),
	}
}

// Unexpected issues a port read, which surfaces as an exit the machine
// does not handle.
func Unexpected() asm.Fragment {
	return asm.Group{
		real16.MovImmediate(real16.DX, int64(ConsolePort)),
		real16.In(real16.AL),
		real16.Hlt(),
	}
}
