package vmm

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/minivm/internal/asm"
	"github.com/tinyrange/minivm/internal/asm/real16"
	"github.com/tinyrange/minivm/internal/debug"
	"github.com/tinyrange/minivm/internal/devices/console"
	"github.com/tinyrange/minivm/internal/guest"
	"github.com/tinyrange/minivm/internal/hv"
	"github.com/tinyrange/minivm/internal/hv/emu"
)

func openEmu(t *testing.T) hv.Hypervisor {
	t.Helper()

	h, err := emu.Open()
	if err != nil {
		t.Fatalf("emu.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newMachine(t *testing.T, h hv.Hypervisor, cfg Config, payload []byte) (*Machine, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer
	m, err := New(h, cfg, payload, console.NewOutput(&out, false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, &out
}

func builtin(t *testing.T, name string) []byte {
	t.Helper()

	code, err := guest.Load(name, "")
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return code
}

func runMachine(t *testing.T, m *Machine) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.State() != StateHalted {
		t.Fatalf("state = %v, want halted", m.State())
	}
}

func TestConsoleScenario(t *testing.T) {
	m, out := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "console"))
	runMachine(t, m)

	want := "AB\n" +
		"console: byte 0x42 written to port 0x3f8\n" +
		"vmm: HLT encountered, shutting down VM\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}

	s := m.Stats()
	if s.PortOut != 2 || s.Halt != 1 || s.Sentinels != 1 || s.ConsoleChars != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMMIORoundTripScenario(t *testing.T) {
	m, out := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "mmio"))
	runMachine(t, m)

	b, err := m.Scratch().Read(0x10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b != 0xff {
		t.Fatalf("device byte 0x10 = 0x%02x, want 0xff", b)
	}

	// The guest echoes what it read back to the console.
	if !strings.Contains(out.String(), "console: received non-ASCII byte 255\n") {
		t.Fatalf("read value not echoed: %q", out.String())
	}

	s := m.Stats()
	if s.MMIOWrite != 1 || s.MMIORead != 1 || s.NonASCII != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMMIOReadLogged(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	m, _ := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "mmio"))
	runMachine(t, m)

	var line string
	for _, l := range strings.Split(logs.String(), "\n") {
		if strings.Contains(l, "vmm: read data from device") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no read record at info level:\n%s", logs.String())
	}
	for _, attr := range []string{"level=INFO", "addr=0x10", "value=ff", "len=1"} {
		if !strings.Contains(line, attr) {
			t.Fatalf("read record %q missing %s", line, attr)
		}
	}
}

func TestOverrunScenario(t *testing.T) {
	m, _ := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "overrun"))
	runMachine(t, m)

	snap := m.Scratch().Snapshot()
	if !bytes.Equal(snap[0xffe:], []byte{0x11, 0x22}) {
		t.Fatalf("device tail = % x, want 11 22", snap[0xffe:])
	}
	for i, b := range snap[:0xffe] {
		if b != 0 {
			t.Fatalf("device byte 0x%x = 0x%02x, want 0", i, b)
		}
	}

	// The upper half of the store lands in RAM at the load address.
	ram := make([]byte, 2)
	if _, err := m.Memory().ReadAt(ram, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(ram, []byte{0x33, 0x44}) {
		t.Fatalf("RAM head = % x, want 33 44", ram)
	}
}

func TestOverrunIntoUnbackedSpace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceSize = 0x800

	m, _ := newMachine(t, openEmu(t), cfg, real16.MustEmit(guest.Overrun(0x7fe)))
	runMachine(t, m)

	snap := m.Scratch().Snapshot()
	if len(snap) != 0x800 {
		t.Fatalf("device size = 0x%x", len(snap))
	}
	if !bytes.Equal(snap[0x7fe:], []byte{0x11, 0x22}) {
		t.Fatalf("device tail = % x, want 11 22", snap[0x7fe:])
	}
	if s := m.Stats(); s.MMIOWrite != 1 || s.Unclaimed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSentinelOnUnmonitoredPort(t *testing.T) {
	m, out := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "sentinel-port"))
	runMachine(t, m)

	want := "console: byte 0x42 written to port 0x80\n" +
		"vmm: HLT encountered, shutting down VM\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
	if s := m.Stats(); s.Unclaimed != 1 || s.ConsoleChars != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNonASCIIScenario(t *testing.T) {
	m, out := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "nonascii"))
	runMachine(t, m)

	want := "console: received non-ASCII byte 200\n" +
		"vmm: HLT encountered, shutting down VM\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestHelloScenario(t *testing.T) {
	m, out := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "hello"))
	runMachine(t, m)

	if !strings.HasPrefix(out.String(), "Hello from minivm!\n") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestUnexpectedExit(t *testing.T) {
	m, _ := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "unexpected"))

	err := m.Run(context.Background())
	var unexpected *UnexpectedExitError
	if !errors.As(err, &unexpected) {
		t.Fatalf("Run: got %v, want UnexpectedExitError", err)
	}
	if unexpected.Code != emu.ExitPortIn {
		t.Fatalf("code = %d, want %d", unexpected.Code, emu.ExitPortIn)
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %v, want failed", m.State())
	}
}

func TestRunOnlyOnce(t *testing.T) {
	m, _ := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "console"))
	runMachine(t, m)

	if err := m.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run: got %v, want ErrAlreadyStarted", err)
	}
}

func TestRunNeverStopsWithoutHalt(t *testing.T) {
	loop := asm.Label("loop")
	payload := real16.MustEmit(asm.Group{
		asm.MarkLabel(loop),
		real16.OutByte(0x80, 1),
		real16.Jump(loop),
	})

	m, _ := newMachine(t, openEmu(t), DefaultConfig(), payload)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := m.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run: got %v, want deadline exceeded", err)
	}
	if s := m.Stats(); s.PortOut == 0 || s.Halt != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestUnclaimedMMIO(t *testing.T) {
	payload := real16.MustEmit(asm.Group{
		real16.StoreByte(real16.Abs(0x3000), 0x99),
		real16.MovImmediate(real16.AL, 0x7f),
		real16.MovFromMemory(real16.AL, real16.Abs(0x3000)),
		real16.MovToMemory(real16.Abs(0x1800), real16.AL),
		real16.Hlt(),
	})

	m, _ := newMachine(t, openEmu(t), DefaultConfig(), payload)
	runMachine(t, m)

	b := make([]byte, 1)
	if _, err := m.Memory().ReadAt(b, 0x800); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if b[0] != 0 {
		t.Fatalf("unclaimed read returned 0x%02x, want 0", b[0])
	}
	if s := m.Stats(); s.Unclaimed != 2 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNewRejectsBadLayouts(t *testing.T) {
	h := openEmu(t)
	out := console.NewOutput(&bytes.Buffer{}, false)

	_, err := New(h, DefaultConfig(), make([]byte, 0x1001), out)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized payload: got %v, want ErrPayloadTooLarge", err)
	}

	cfg := DefaultConfig()
	cfg.DeviceBase = 0x1800
	if _, err := New(h, cfg, []byte{0xF4}, out); err == nil {
		t.Fatalf("expected overlap error")
	}

	cfg = DefaultConfig()
	cfg.MemoryBase = 0x1234
	if _, err := New(h, cfg, []byte{0xF4}, out); err == nil {
		t.Fatalf("expected alignment error")
	}
}

func TestPayloadFillsMemory(t *testing.T) {
	payload := make([]byte, 0x1000)
	payload[0] = 0xF4

	m, _ := newMachine(t, openEmu(t), DefaultConfig(), payload)
	runMachine(t, m)
}

func TestDebugStreamRecordsExits(t *testing.T) {
	buf, err := debug.OpenMemory()
	if err != nil {
		t.Fatalf("debug.OpenMemory: %v", err)
	}
	defer debug.Close()

	m, _ := newMachine(t, openEmu(t), DefaultConfig(), builtin(t, "mmio"))
	runMachine(t, m)
	debug.Close()

	var kinds []debug.ExitKind
	var readValue []byte
	var setup []string
	err = debug.Each(bytes.NewReader(buf.Bytes()), func(e debug.Entry) error {
		if e.Source == "vmm.setup" {
			setup = append(setup, string(e.Data))
			return nil
		}
		if e.Source != "vmm.exit" {
			return nil
		}
		rec, err := e.Exit()
		if err != nil {
			return err
		}
		kinds = append(kinds, rec.Kind)
		if rec.Kind == debug.ExitKindMMIORead {
			readValue = rec.Data
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debug.Each: %v", err)
	}

	want := []debug.ExitKind{
		debug.ExitKindMMIOWrite,
		debug.ExitKindMMIORead,
		debug.ExitKindPortOut,
		debug.ExitKindHalt,
	}
	if len(kinds) != len(want) {
		t.Fatalf("exit kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("exit kinds = %v, want %v", kinds, want)
		}
	}
	if !bytes.Equal(readValue, []byte{0xff}) {
		t.Fatalf("recorded read value = % x, want ff", readValue)
	}
	if !slices.Contains(setup, "devices [console scratch]") {
		t.Fatalf("setup records = %q, want attached devices", setup)
	}
}

func TestStatsWriteTo(t *testing.T) {
	s := Stats{PortOut: 2, Halt: 1, Sentinels: 1}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !strings.Contains(buf.String(), "exits") || !strings.Contains(buf.String(), "3") {
		t.Fatalf("stats output = %q", buf.String())
	}
}
