// Package vmm assembles a single-vCPU machine from a hypervisor backend,
// one slot of guest RAM, the scratch MMIO device and the console port, and
// runs it until the guest halts.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/minivm/internal/chipset"
	"github.com/tinyrange/minivm/internal/debug"
	"github.com/tinyrange/minivm/internal/devices/console"
	"github.com/tinyrange/minivm/internal/devices/scratch"
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/timeslice"
)

const memorySlot = 0

type State int

const (
	StateCreated State = iota
	StateRunning
	StateHalted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Machine owns the VM and every device attached to it. Device state is only
// touched from the dispatch loop.
type Machine struct {
	cfg Config

	vm    hv.VirtualMachine
	mem   hv.MemoryRegion
	space *hv.AddressSpace

	chipset *chipset.Chipset
	scratch *scratch.Device
	console *console.Console
	out     *console.Output

	mu    sync.Mutex
	state State
	stats Stats

	setupLog debug.Debug
	exitLog  debug.Debug
}

// New creates the VM, maps guest memory with payload copied to its start and
// attaches the devices. The vCPU is initialised by Run.
func New(h hv.Hypervisor, cfg Config, payload []byte, out *console.Output) (*Machine, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vmm: invalid config: %w", err)
	}
	if uint64(len(payload)) > cfg.MemorySize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), cfg.MemorySize)
	}

	m := &Machine{
		cfg:      cfg,
		space:    hv.NewAddressSpace(),
		out:      out,
		setupLog: debug.WithSource("vmm.setup"),
		exitLog:  debug.WithSource("vmm.exit"),
	}

	if err := m.space.RegisterRAM("ram", cfg.MemoryBase, cfg.MemorySize); err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}
	if err := m.space.RegisterFixed("scratch", cfg.DeviceBase, cfg.DeviceSize); err != nil {
		return nil, fmt.Errorf("vmm: %w", err)
	}

	rec := timeslice.NewRecorder()

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{NumCPUs: 1})
	if err != nil {
		return nil, fmt.Errorf("vmm: create VM: %w", err)
	}
	m.vm = vm
	rec.Record(tsCreateVM)

	if err := m.setup(payload); err != nil {
		vm.Close()
		return nil, err
	}
	rec.Record(tsSetup)
	return m, nil
}

func (m *Machine) setup(payload []byte) error {
	mem, err := m.vm.AllocateMemory(memorySlot, m.cfg.MemoryBase, m.cfg.MemorySize)
	if err != nil {
		return fmt.Errorf("vmm: allocate guest memory: %w", err)
	}
	m.mem = mem

	if _, err := mem.WriteAt(payload, 0); err != nil {
		return fmt.Errorf("vmm: load payload: %w", err)
	}
	m.setupLog.Writef("loaded %d byte payload at 0x%x", len(payload), m.cfg.MemoryBase)

	m.scratch = scratch.New(m.cfg.DeviceBase, int(m.cfg.DeviceSize))
	m.console = console.New(m.cfg.ConsolePort, m.out)

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("scratch", m.scratch); err != nil {
		return fmt.Errorf("vmm: %w", err)
	}
	if err := b.RegisterDevice("console", m.console); err != nil {
		return fmt.Errorf("vmm: %w", err)
	}
	cs, err := b.Build()
	if err != nil {
		return fmt.Errorf("vmm: build chipset: %w", err)
	}
	if err := cs.Start(); err != nil {
		return fmt.Errorf("vmm: %w", err)
	}
	m.chipset = cs
	slog.Debug("vmm: chipset started", "devices", cs.Devices())
	m.setupLog.Writef("devices %v", cs.Devices())

	for _, r := range m.space.Regions() {
		slog.Debug("vmm: mapped", "region", r.String())
		m.setupLog.Write(r.String())
	}
	return nil
}

// initVCPU puts the vCPU in flat real mode at the load address: every
// segment gets base 0 and selector 0, RIP is the load address and RFLAGS
// holds only its reserved bit.
func initVCPU(vcpu hv.VirtualCPU, loadAddr uint64) error {
	sregs, err := vcpu.GetSpecialRegisters()
	if err != nil {
		return fmt.Errorf("get special registers: %w", err)
	}
	for _, seg := range []*hv.Segment{&sregs.Cs, &sregs.Ss, &sregs.Ds, &sregs.Es, &sregs.Fs, &sregs.Gs} {
		seg.Base = 0
		seg.Selector = 0
	}
	if err := vcpu.SetSpecialRegisters(sregs); err != nil {
		return fmt.Errorf("set special registers: %w", err)
	}

	regs, err := vcpu.GetRegisters()
	if err != nil {
		return fmt.Errorf("get registers: %w", err)
	}
	regs.Rip = loadAddr
	regs.Rflags = 0x2
	if err := vcpu.SetRegisters(regs); err != nil {
		return fmt.Errorf("set registers: %w", err)
	}
	return nil
}

// Run initialises the vCPU and services exits until the guest halts. It
// returns nil after a halt, an *UnexpectedExitError for an exit it cannot
// handle, or ctx's error if ctx ends first. A machine runs at most once.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = StateRunning
	m.mu.Unlock()

	start := time.Now()
	err := m.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		rec := timeslice.NewRecorder()

		if err := initVCPU(vcpu, m.cfg.MemoryBase); err != nil {
			return fmt.Errorf("vmm: init vCPU: %w", err)
		}
		m.setupLog.Writef("vCPU at 0x%x", m.cfg.MemoryBase)
		rec.Record(tsInitVCPU)

		for {
			exit, err := vcpu.Run(ctx)
			rec.Record(tsGuest)
			if err != nil {
				return fmt.Errorf("vmm: run vCPU: %w", err)
			}

			halted, err := m.dispatch(exit)
			rec.Record(exitSlice(exit))
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
		}
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Duration = time.Since(start)
	if err != nil {
		m.state = StateFailed
		return err
	}
	m.state = StateHalted
	return nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a copy of the counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ConsoleChars, s.NonASCII = m.console.Counts()
	return s
}

// Scratch exposes the scratch device for inspection once the run is over.
func (m *Machine) Scratch() *scratch.Device { return m.scratch }

// Memory is the guest RAM region.
func (m *Machine) Memory() hv.MemoryRegion { return m.mem }

func (m *Machine) Config() Config { return m.cfg }

// Close stops the devices and releases the VM.
func (m *Machine) Close() error {
	var errs []error
	if m.chipset != nil {
		errs = append(errs, m.chipset.Stop())
	}
	if m.vm != nil {
		errs = append(errs, m.vm.Close())
	}
	return errors.Join(errs...)
}
