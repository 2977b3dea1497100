package vmm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/minivm/internal/chipset"
	"github.com/tinyrange/minivm/internal/debug"
	"github.com/tinyrange/minivm/internal/hv"
)

// dispatch handles one exit completely before the vCPU is resumed. It
// reports whether the guest halted.
func (m *Machine) dispatch(exit hv.ExitEvent) (bool, error) {
	slog.Debug("vmm: exit", "exit", exit.String())

	switch e := exit.(type) {
	case hv.ExitPortOut:
		m.count(func(s *Stats) { s.PortOut++ })
		m.exitLog.WriteExit(debug.ExitRecord{Kind: debug.ExitKindPortOut, Addr: uint64(e.Port), Data: e.Data})
		return false, m.handlePortOut(e)

	case hv.ExitHalt:
		m.count(func(s *Stats) { s.Halt++ })
		m.exitLog.WriteExit(debug.ExitRecord{Kind: debug.ExitKindHalt})
		if err := m.out.Notice("vmm: HLT encountered, shutting down VM"); err != nil {
			return true, err
		}
		return true, nil

	case hv.ExitMMIOWrite:
		m.count(func(s *Stats) { s.MMIOWrite++ })
		m.exitLog.WriteExit(debug.ExitRecord{Kind: debug.ExitKindMMIOWrite, Addr: e.Addr, Data: e.Data})
		return false, m.handleMMIOWrite(e)

	case hv.ExitMMIORead:
		m.count(func(s *Stats) { s.MMIORead++ })
		if err := m.handleMMIORead(e); err != nil {
			return false, err
		}
		m.exitLog.WriteExit(debug.ExitRecord{Kind: debug.ExitKindMMIORead, Addr: e.Addr, Data: e.Data})
		return false, nil

	case hv.ExitOther:
		m.count(func(s *Stats) { s.Other++ })
		m.exitLog.WriteExit(debug.ExitRecord{Kind: debug.ExitKindOther, Reason: e.Reason})
		return false, &UnexpectedExitError{Reason: e.Reason, Code: e.Code}

	default:
		m.count(func(s *Stats) { s.Other++ })
		return false, &UnexpectedExitError{Reason: fmt.Sprintf("%T", exit)}
	}
}

func (m *Machine) handlePortOut(e hv.ExitPortOut) error {
	slog.Debug("vmm: IO operation detected", "port", fmt.Sprintf("0x%x", e.Port), "data", e.Data)

	if err := m.chipset.HandlePIO(e.Port, e.Data, true); err != nil {
		if !errors.Is(err, chipset.ErrUnclaimed) {
			return fmt.Errorf("vmm: port 0x%x: %w", e.Port, err)
		}
		m.count(func(s *Stats) { s.Unclaimed++ })
		slog.Debug("vmm: write to unmonitored port ignored", "port", fmt.Sprintf("0x%x", e.Port))
	}

	if len(e.Data) > 0 && e.Data[0] == m.cfg.Sentinel {
		m.count(func(s *Stats) { s.Sentinels++ })
		if err := m.out.Notice("console: byte 0x%02x written to port 0x%x", m.cfg.Sentinel, e.Port); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) handleMMIOWrite(e hv.ExitMMIOWrite) error {
	slog.Debug("vmm: handling MMIO write", "addr", fmt.Sprintf("0x%x", e.Addr), "len", len(e.Data))

	err := m.chipset.HandleMMIO(e.Addr, e.Data, true)
	switch {
	case err == nil:
		if b, rerr := m.scratch.Read(e.Addr); rerr == nil {
			slog.Debug("vmm: device received value", "addr", fmt.Sprintf("0x%x", e.Addr), "value", b)
		}
		return nil
	case errors.Is(err, chipset.ErrUnclaimed):
		m.count(func(s *Stats) { s.Unclaimed++ })
		slog.Warn("vmm: MMIO write to unclaimed address dropped", "addr", fmt.Sprintf("0x%x", e.Addr), "data", e.Data)
		return nil
	default:
		return fmt.Errorf("vmm: MMIO write 0x%x: %w", e.Addr, err)
	}
}

// handleMMIORead fills e.Data, which the backend hands to the guest on the
// next resume.
func (m *Machine) handleMMIORead(e hv.ExitMMIORead) error {
	slog.Debug("vmm: handling MMIO read", "addr", fmt.Sprintf("0x%x", e.Addr), "len", len(e.Data))

	err := m.chipset.HandleMMIO(e.Addr, e.Data, false)
	switch {
	case err == nil:
	case errors.Is(err, chipset.ErrUnclaimed):
		m.count(func(s *Stats) { s.Unclaimed++ })
		clear(e.Data)
		slog.Warn("vmm: MMIO read from unclaimed address returns zero", "addr", fmt.Sprintf("0x%x", e.Addr))
	default:
		return fmt.Errorf("vmm: MMIO read 0x%x: %w", e.Addr, err)
	}

	if len(e.Data) > 0 {
		slog.Info("vmm: read data from device", "addr", fmt.Sprintf("0x%x", e.Addr), "value", fmt.Sprintf("%02x", e.Data[0]), "len", len(e.Data))
	}
	return nil
}

func (m *Machine) count(fn func(*Stats)) {
	m.mu.Lock()
	fn(&m.stats)
	m.mu.Unlock()
}
