package chipset

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/minivm/internal/hv"
)

type recordingDevice struct {
	ports   []uint16
	regions []hv.MMIORegion

	started int
	writes  []string
	fill    byte
}

func (d *recordingDevice) Start() error { d.started++; return nil }
func (d *recordingDevice) Stop() error  { return nil }

func (d *recordingDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *recordingDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *recordingDevice) ReadIOPort(port uint16, data []byte) error {
	for i := range data {
		data[i] = d.fill
	}
	return nil
}

func (d *recordingDevice) WriteIOPort(port uint16, data []byte) error {
	d.writes = append(d.writes, string(data))
	return nil
}

func (d *recordingDevice) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		data[i] = d.fill
	}
	return nil
}

func (d *recordingDevice) WriteMMIO(addr uint64, data []byte) error {
	d.writes = append(d.writes, string(data))
	return nil
}

func TestChipsetRoutesPortIO(t *testing.T) {
	dev := &recordingDevice{ports: []uint16{0x3f8}}

	b := NewBuilder()
	if err := b.RegisterDevice("console", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := cs.HandlePIO(0x3f8, []byte("A"), true); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if len(dev.writes) != 1 || dev.writes[0] != "A" {
		t.Fatalf("writes = %q", dev.writes)
	}

	err = cs.HandlePIO(0x80, []byte{1}, true)
	if !errors.Is(err, ErrUnclaimed) {
		t.Fatalf("unclaimed port: got %v, want ErrUnclaimed", err)
	}
}

func TestChipsetRoutesMMIOByStartAddress(t *testing.T) {
	dev := &recordingDevice{
		regions: []hv.MMIORegion{{Address: 0x0, Size: 0x1000}},
		fill:    0xaa,
	}

	b := NewBuilder()
	if err := b.RegisterDevice("scratch", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Runs past the region end but starts inside it.
	if err := cs.HandleMMIO(0xffe, []byte{1, 2, 3, 4}, true); err != nil {
		t.Fatalf("HandleMMIO write: %v", err)
	}
	if len(dev.writes) != 1 || dev.writes[0] != "\x01\x02\x03\x04" {
		t.Fatalf("writes = %q", dev.writes)
	}

	buf := make([]byte, 2)
	if err := cs.HandleMMIO(0x10, buf, false); err != nil {
		t.Fatalf("HandleMMIO read: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xaa, 0xaa}) {
		t.Fatalf("read = % x", buf)
	}

	err = cs.HandleMMIO(0x2000, buf, false)
	if !errors.Is(err, ErrUnclaimed) {
		t.Fatalf("unclaimed MMIO: got %v, want ErrUnclaimed", err)
	}
}

func TestChipsetBuilderRejectsConflicts(t *testing.T) {
	b := NewBuilder()

	if err := b.RegisterDevice("a", &recordingDevice{ports: []uint16{0x3f8}}); err != nil {
		t.Fatalf("RegisterDevice a: %v", err)
	}
	if err := b.RegisterDevice("a", &recordingDevice{}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	if err := b.RegisterDevice("b", &recordingDevice{ports: []uint16{0x3f8}}); err == nil {
		t.Fatalf("expected duplicate port error")
	}

	if err := b.RegisterDevice("c", &recordingDevice{regions: []hv.MMIORegion{{Address: 0, Size: 0x1000}}}); err != nil {
		t.Fatalf("RegisterDevice c: %v", err)
	}
	if err := b.RegisterDevice("d", &recordingDevice{regions: []hv.MMIORegion{{Address: 0x800, Size: 0x1000}}}); err == nil {
		t.Fatalf("expected overlapping MMIO error")
	}
	if err := b.WithMmioRegion(0x4000, 0, &recordingDevice{}); err == nil {
		t.Fatalf("expected zero-size error")
	}
	if err := b.RegisterDevice("e", nil); err == nil {
		t.Fatalf("expected nil device error")
	}
}

func TestFailedRegistrationLeavesNoClaims(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("console", &recordingDevice{ports: []uint16{0x3f8}}); err != nil {
		t.Fatalf("RegisterDevice console: %v", err)
	}

	// 0x80 is free but 0x3f8 is not, so neither may be claimed.
	bad := &recordingDevice{ports: []uint16{0x80, 0x3f8}, regions: []hv.MMIORegion{{Address: 0x2000, Size: 0x10}}}
	if err := b.RegisterDevice("bad", bad); !errors.Is(err, ErrConflict) {
		t.Fatalf("RegisterDevice bad = %v, want ErrConflict", err)
	}

	// Regions of a single device may not overlap each other either.
	self := &recordingDevice{regions: []hv.MMIORegion{{Address: 0x3000, Size: 0x10}, {Address: 0x3008, Size: 0x10}}}
	if err := b.RegisterDevice("self", self); !errors.Is(err, ErrConflict) {
		t.Fatalf("RegisterDevice self = %v, want ErrConflict", err)
	}

	good := &recordingDevice{
		ports:   []uint16{0x80},
		regions: []hv.MMIORegion{{Address: 0x2000, Size: 0x10}, {Address: 0x3000, Size: 0x10}},
	}
	if err := b.RegisterDevice("bad", good); err != nil {
		t.Fatalf("claims leaked from failed registrations: %v", err)
	}

	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if names := cs.Devices(); len(names) != 2 {
		t.Fatalf("Devices = %v", names)
	}
	if err := cs.HandlePIO(0x80, []byte("x"), true); err != nil {
		t.Fatalf("HandlePIO 0x80: %v", err)
	}
	if err := cs.HandleMMIO(0x3004, []byte("y"), true); err != nil {
		t.Fatalf("HandleMMIO 0x3004: %v", err)
	}
	if len(good.writes) != 2 || len(bad.writes) != 0 {
		t.Fatalf("writes good=%q bad=%q", good.writes, bad.writes)
	}
}

func TestChipsetLifecycle(t *testing.T) {
	a := &recordingDevice{}
	c := &recordingDevice{}

	b := NewBuilder()
	if err := b.RegisterDevice("b-dev", a); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("a-dev", c); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := cs.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.started != 1 || c.started != 1 {
		t.Fatalf("devices not started: %d %d", a.started, c.started)
	}

	names := cs.Devices()
	if len(names) != 2 || names[0] != "a-dev" || names[1] != "b-dev" {
		t.Fatalf("Devices = %v", names)
	}
}
