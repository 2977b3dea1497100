//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}

func Probe() (HostInfo, error) {
	info, err := kvm.Probe()
	if err != nil {
		return HostInfo{}, err
	}

	return HostInfo{
		Backend:      BackendKVM,
		APIVersion:   info.APIVersion,
		MaxMemSlots:  info.MaxMemSlots,
		VCPUMmapSize: info.VCPUMmapSize,
	}, nil
}
