package factory

import (
	"fmt"

	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/hv/emu"
)

const (
	BackendKVM = "kvm"
	BackendEmu = "emu"
)

// Backends lists the names accepted by OpenBackend.
var Backends = []string{BackendKVM, BackendEmu}

// OpenBackend selects a hypervisor by name. The host-accelerated backend is
// used for "kvm" (or an empty name); "emu" is the built-in interpreter.
func OpenBackend(name string) (hv.Hypervisor, error) {
	switch name {
	case "", BackendKVM:
		return Open()
	case BackendEmu:
		return emu.Open()
	default:
		return nil, fmt.Errorf("unknown backend %q (want one of %v)", name, Backends)
	}
}

// HostInfo is what Probe learns about the host hypervisor.
type HostInfo struct {
	Backend      string
	APIVersion   int
	MaxMemSlots  int
	VCPUMmapSize int
}
