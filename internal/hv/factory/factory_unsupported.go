//go:build !(linux && amd64)

package factory

import "github.com/tinyrange/minivm/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func Probe() (HostInfo, error) {
	return HostInfo{}, hv.ErrHypervisorUnsupported
}
