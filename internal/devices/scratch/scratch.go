// Package scratch implements a byte-addressable MMIO scratch buffer. Guest
// stores land in a host-side buffer and guest loads read them back. The buffer
// never aliases guest RAM.
package scratch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/minivm/internal/chipset"
	"github.com/tinyrange/minivm/internal/hv"
)

// ErrOutOfRange is returned by Read for addresses outside the device.
var ErrOutOfRange = errors.New("scratch: address out of range")

// Device owns the buffer backing [base, base+len(buf)).
type Device struct {
	base uint64
	buf  []byte
}

// New returns a zeroed device of size bytes at base.
func New(base uint64, size int) *Device {
	return &Device{
		base: base,
		buf:  make([]byte, size),
	}
}

func (d *Device) Base() uint64 { return d.base }
func (d *Device) Size() uint64 { return uint64(len(d.buf)) }

// offset maps addr into the buffer.
func (d *Device) offset(addr uint64) (int, bool) {
	if addr < d.base {
		return 0, false
	}
	off := addr - d.base
	if off >= uint64(len(d.buf)) {
		return 0, false
	}
	return int(off), true
}

// Write stores data starting at addr. Each byte is checked on its own: bytes
// below base or past the end are dropped, as are bytes whose address would
// wrap past the top of the address space. It returns how many bytes were
// stored.
func (d *Device) Write(addr uint64, data []byte) int {
	stored := 0
	for i, b := range data {
		a := addr + uint64(i)
		if a < addr {
			break
		}
		off, ok := d.offset(a)
		if !ok {
			continue
		}
		d.buf[off] = b
		stored++
	}
	return stored
}

// Read returns the byte at addr.
func (d *Device) Read(addr uint64) (byte, error) {
	off, ok := d.offset(addr)
	if !ok {
		return 0, fmt.Errorf("read 0x%x: %w", addr, ErrOutOfRange)
	}
	return d.buf[off], nil
}

// Snapshot returns a copy of the buffer.
func (d *Device) Snapshot() []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// SupportsPortIO implements chipset.ChipsetDevice.
func (d *Device) SupportsPortIO() *chipset.PortIOIntercept {
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{
			{
				Address: d.base,
				Size:    uint64(len(d.buf)),
			},
		},
		Handler: d,
	}
}

// ReadMMIO implements chipset.MmioHandler. Every requested byte is filled;
// bytes past the end of the device read as zero, including any that would
// wrap past the top of the address space.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		a := addr + uint64(i)
		b, err := d.Read(a)
		if err != nil || a < addr {
			b = 0
		}
		data[i] = b
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if stored := d.Write(addr, data); stored < len(data) {
		slog.Debug("scratch: dropped out-of-range bytes",
			"addr", fmt.Sprintf("0x%x", addr),
			"len", len(data),
			"stored", stored,
		)
	}
	return nil
}

var (
	_ chipset.ChipsetDevice     = (*Device)(nil)
	_ chipset.MmioHandler       = (*Device)(nil)
	_ chipset.ChangeDeviceState = (*Device)(nil)
)
