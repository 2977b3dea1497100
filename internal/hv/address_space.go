package hv

import (
	"fmt"
	"sort"
	"sync"
)

// AddressSpace tracks what occupies each part of a VM's guest-physical
// address space: RAM slots and fixed MMIO windows. Nothing may overlap.
type AddressSpace struct {
	mu sync.Mutex

	ram   []AddressRange
	fixed []AddressRange
}

// AddressRange is a named half-open range [Base, Base+Size).
type AddressRange struct {
	Name string
	Base uint64
	Size uint64
}

func (r AddressRange) End() uint64 { return r.Base + r.Size }

func (r AddressRange) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x)", r.Name, r.Base, r.End())
}

func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// RegisterRAM records a RAM region. Returns an error if it overlaps anything
// already registered.
func (a *AddressSpace) RegisterRAM(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.check(name, base, size)
	if err != nil {
		return err
	}
	a.ram = append(a.ram, r)
	return nil
}

// RegisterFixed records a fixed MMIO window. Returns an error if it overlaps
// RAM or another window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, err := a.check(name, base, size)
	if err != nil {
		return err
	}
	a.fixed = append(a.fixed, r)
	return nil
}

func (a *AddressSpace) check(name string, base, size uint64) (AddressRange, error) {
	if size == 0 {
		return AddressRange{}, fmt.Errorf("address_space: cannot register zero-size region %s", name)
	}
	if base+size < base {
		return AddressRange{}, fmt.Errorf("address_space: region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	r := AddressRange{Name: name, Base: base, Size: size}
	for _, existing := range a.all() {
		if base < existing.End() && existing.Base < r.End() {
			return AddressRange{}, fmt.Errorf("address_space: region %s overlaps %s", r, existing)
		}
	}
	return r, nil
}

func (a *AddressSpace) all() []AddressRange {
	out := make([]AddressRange, 0, len(a.ram)+len(a.fixed))
	out = append(out, a.ram...)
	out = append(out, a.fixed...)
	return out
}

// IsRAM reports whether addr is backed by a registered RAM region.
func (a *AddressSpace) IsRAM(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.ram {
		if addr >= r.Base && addr < r.End() {
			return true
		}
	}
	return false
}

// Regions returns every registered range sorted by base address.
func (a *AddressSpace) Regions() []AddressRange {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.all()
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out
}
