// Package console implements the byte-wide debug console port. Each write
// carries one byte; ASCII bytes are echoed and anything else is reported.
package console

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/minivm/internal/chipset"
)

// DefaultPort is the conventional COM1 data port.
const DefaultPort uint16 = 0x3f8

// Console forwards guest bytes written to its port to an Output.
type Console struct {
	port uint16
	out  *Output

	chars    uint64
	nonASCII uint64
}

// New returns a console serving port.
func New(port uint16, out *Output) *Console {
	return &Console{port: port, out: out}
}

func (c *Console) Port() uint16 { return c.port }

// Counts returns how many ASCII and non-ASCII bytes were written.
func (c *Console) Counts() (chars, nonASCII uint64) {
	return c.chars, c.nonASCII
}

// Start implements chipset.ChangeDeviceState.
func (c *Console) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (c *Console) Stop() error { return c.out.Finish() }

// SupportsPortIO implements chipset.ChipsetDevice.
func (c *Console) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports:   []uint16{c.port},
		Handler: c,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *Console) SupportsMmio() *chipset.MmioIntercept {
	return nil
}

// ReadIOPort implements chipset.PortIOHandler. The console has nothing to
// read; the guest sees zeros.
func (c *Console) ReadIOPort(port uint16, data []byte) error {
	clear(data)
	return nil
}

// WriteIOPort implements chipset.PortIOHandler. Only the first byte of the
// access is interpreted.
func (c *Console) WriteIOPort(port uint16, data []byte) error {
	if port != c.port {
		return fmt.Errorf("console: unexpected port 0x%x", port)
	}
	if len(data) == 0 {
		slog.Debug("console: empty write ignored")
		return nil
	}

	b := data[0]
	if b > 127 {
		c.nonASCII++
		return c.out.Notice("console: received non-ASCII byte %d", b)
	}
	c.chars++
	return c.out.Char(b)
}

var (
	_ chipset.ChipsetDevice     = (*Console)(nil)
	_ chipset.PortIOHandler     = (*Console)(nil)
	_ chipset.ChangeDeviceState = (*Console)(nil)
)
