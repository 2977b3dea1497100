package chipset

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/tinyrange/minivm/internal/hv"
)

// ErrConflict is wrapped by registration errors caused by a port or MMIO
// range that is already owned.
var ErrConflict = errors.New("chipset: conflicting intercept")

type mmioBinding struct {
	region  hv.MMIORegion
	handler MmioHandler
}

// Builder collects devices and their intercepts. A registration that fails
// leaves the builder as it was.
type Builder struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
}

func NewBuilder() *Builder {
	return &Builder{
		devices: map[string]ChipsetDevice{},
		pio:     map[uint16]PortIOHandler{},
	}
}

// RegisterDevice claims every port and region dev asks for under name.
func (b *Builder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case name == "":
		return errors.New("chipset: empty device name")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, ok := b.devices[name]; ok {
		return fmt.Errorf("chipset: device %q: %w", name, ErrConflict)
	}

	ports, err := portsOf(dev)
	if err != nil {
		return fmt.Errorf("chipset: device %q: %w", name, err)
	}
	regions, err := regionsOf(dev)
	if err != nil {
		return fmt.Errorf("chipset: device %q: %w", name, err)
	}

	// Nothing is committed until every claim has been checked.
	for port := range ports {
		if _, ok := b.pio[port]; ok {
			return fmt.Errorf("chipset: device %q: port 0x%x: %w", name, port, ErrConflict)
		}
	}
	for i, r := range regions {
		if err := b.checkRegion(r.region, regions[:i]); err != nil {
			return fmt.Errorf("chipset: device %q: %w", name, err)
		}
	}

	for port, h := range ports {
		b.pio[port] = h
	}
	b.mmio = append(b.mmio, regions...)
	b.devices[name] = dev
	return nil
}

// WithMmioRegion claims [base, base+size) for a handler that is not a
// registered device.
func (b *Builder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: nil MMIO handler for 0x%x", base)
	}
	r := hv.MMIORegion{Address: base, Size: size}
	if err := b.checkRegion(r, nil); err != nil {
		return err
	}
	b.mmio = append(b.mmio, mmioBinding{region: r, handler: handler})
	return nil
}

func (b *Builder) checkRegion(r hv.MMIORegion, pending []mmioBinding) error {
	if r.Size == 0 {
		return fmt.Errorf("chipset: MMIO region at 0x%x is empty", r.Address)
	}
	if r.Address+r.Size < r.Address {
		return fmt.Errorf("chipset: MMIO region %v wraps the address space", r)
	}
	for _, other := range slices.Concat(b.mmio, pending) {
		if overlaps(r, other.region) {
			return fmt.Errorf("chipset: MMIO region %v overlaps %v: %w", r, other.region, ErrConflict)
		}
	}
	return nil
}

func overlaps(a, b hv.MMIORegion) bool {
	return a.Address < b.Address+b.Size && b.Address < a.Address+a.Size
}

func portsOf(dev ChipsetDevice) (map[uint16]PortIOHandler, error) {
	ic := dev.SupportsPortIO()
	if ic == nil {
		return nil, nil
	}
	if ic.Handler == nil {
		return nil, errors.New("nil port I/O handler")
	}
	ports := make(map[uint16]PortIOHandler, len(ic.Ports))
	for _, p := range ic.Ports {
		if _, dup := ports[p]; dup {
			return nil, fmt.Errorf("port 0x%x listed twice: %w", p, ErrConflict)
		}
		ports[p] = ic.Handler
	}
	return ports, nil
}

func regionsOf(dev ChipsetDevice) ([]mmioBinding, error) {
	ic := dev.SupportsMmio()
	if ic == nil {
		return nil, nil
	}
	if ic.Handler == nil {
		return nil, errors.New("nil MMIO handler")
	}
	out := make([]mmioBinding, 0, len(ic.Regions))
	for _, r := range ic.Regions {
		out = append(out, mmioBinding{region: r, handler: ic.Handler})
	}
	return out, nil
}

// Build snapshots the builder. Later registrations don't affect the result.
func (b *Builder) Build() (*Chipset, error) {
	mmio := slices.Clone(b.mmio)
	slices.SortFunc(mmio, func(x, y mmioBinding) int {
		switch {
		case x.region.Address < y.region.Address:
			return -1
		case x.region.Address > y.region.Address:
			return 1
		}
		return 0
	})
	return &Chipset{
		devices: maps.Clone(b.devices),
		pio:     maps.Clone(b.pio),
		mmio:    mmio,
	}, nil
}
