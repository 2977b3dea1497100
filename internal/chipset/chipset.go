package chipset

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnclaimed is returned when no device owns a port or MMIO address.
var ErrUnclaimed = errors.New("chipset: unclaimed access")

// Chipset routes port and MMIO exits to the devices that claimed them.
type Chipset struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("I/O port 0x%04x: %w", port, ErrUnclaimed)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the device whose region contains
// addr. An access that runs past the end of that region is still delivered
// whole; the device decides what to do with the excess.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr+uint64(len(data)) < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr) {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("MMIO address 0x%x: %w", addr, ErrUnclaimed)
}

// Devices returns the registered device names in sorted order.
func (c *Chipset) Devices() []string {
	return c.deviceNames()
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
