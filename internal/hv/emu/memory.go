package emu

import (
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
)

type memoryRegion struct {
	slot     uint32
	physAddr uint64
	mem      []byte
}

func (m *memoryRegion) Slot() uint32          { return m.slot }
func (m *memoryRegion) GuestPhysAddr() uint64 { return m.physAddr }
func (m *memoryRegion) Size() uint64          { return uint64(len(m.mem)) }

func (m *memoryRegion) end() uint64 { return m.physAddr + uint64(len(m.mem)) }

func (m *memoryRegion) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("emu: ReadAt offset 0x%x out of bounds", off)
	}

	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("emu: ReadAt short read")
	}

	return n, err
}

func (m *memoryRegion) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("emu: WriteAt offset 0x%x out of bounds", off)
	}

	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("emu: WriteAt short write")
	}

	return n, err
}

var (
	_ hv.MemoryRegion = &memoryRegion{}
)

// span is a run of consecutive guest-physical bytes that are either all RAM
// or all unbacked.
type span struct {
	addr  uint64
	off   int // offset into the access
	n     int
	ram   *memoryRegion
	isRAM bool
}

// split breaks an n byte access at addr into RAM and non-RAM spans. Accesses
// that cross a RAM boundary are split the way KVM splits them: the RAM part
// is done directly and the rest becomes one MMIO exit.
func (vm *VirtualMachine) split(addr uint64, n int) []span {
	var spans []span

	for i := 0; i < n; i++ {
		a := addr + uint64(i)
		r, ok := vm.lookup(a)

		if len(spans) > 0 {
			last := &spans[len(spans)-1]
			if last.isRAM == ok && last.ram == r {
				last.n++
				continue
			}
		}

		spans = append(spans, span{addr: a, off: i, n: 1, ram: r, isRAM: ok})
	}

	return spans
}
