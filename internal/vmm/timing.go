package vmm

import (
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/timeslice"
)

var (
	tsCreateVM  = timeslice.RegisterKind("vmm::create_vm", timeslice.FlagSetup)
	tsSetup     = timeslice.RegisterKind("vmm::setup", timeslice.FlagSetup)
	tsInitVCPU  = timeslice.RegisterKind("vmm::init_vcpu", timeslice.FlagSetup)
	tsGuest     = timeslice.RegisterKind("vmm::guest", timeslice.FlagGuest)
	tsPortOut   = timeslice.RegisterKind("vmm::exit_port_out", 0)
	tsHalt      = timeslice.RegisterKind("vmm::exit_halt", 0)
	tsMMIOWrite = timeslice.RegisterKind("vmm::exit_mmio_write", 0)
	tsMMIORead  = timeslice.RegisterKind("vmm::exit_mmio_read", 0)
	tsOther     = timeslice.RegisterKind("vmm::exit_other", 0)
)

// exitSlice is the kind host time spent handling exit is charged to.
func exitSlice(exit hv.ExitEvent) timeslice.Kind {
	switch exit.(type) {
	case hv.ExitPortOut:
		return tsPortOut
	case hv.ExitHalt:
		return tsHalt
	case hv.ExitMMIOWrite:
		return tsMMIOWrite
	case hv.ExitMMIORead:
		return tsMMIORead
	default:
		return tsOther
	}
}
