//go:build linux

package kvm

import (
	"testing"
	"unsafe"
)

func TestRunPageLayout(t *testing.T) {
	var r runHeader
	var io exitIO
	var mmio exitMMIO
	var fail exitFailEntry

	for _, tc := range []struct {
		name      string
		got, want uintptr
	}{
		{"immediate_exit", unsafe.Offsetof(r.immediateExit), 1},
		{"exit_reason", unsafe.Offsetof(r.exitReason), 8},
		{"cr8", unsafe.Offsetof(r.cr8), 16},
		{"exit union", unsafe.Offsetof(r.exit), 32},
		{"io.port", unsafe.Offsetof(io.port), 2},
		{"io.data_offset", unsafe.Offsetof(io.dataOffset), 8},
		{"mmio.data", unsafe.Offsetof(mmio.data), 8},
		{"mmio.len", unsafe.Offsetof(mmio.len), 16},
		{"mmio.is_write", unsafe.Offsetof(mmio.isWrite), 20},
		{"fail_entry.cpu", unsafe.Offsetof(fail.cpu), 8},
		{"memory region", unsafe.Sizeof(kvmUserspaceMemoryRegion{}), 32},
	} {
		if tc.got != tc.want {
			t.Errorf("%s at %d, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestExitPayloads(t *testing.T) {
	page := make([]byte, 4096)
	r := runPage(page)

	m := exitAs[exitMMIO](r)
	m.len = 32
	if got := len(m.bytes()); got != 8 {
		t.Fatalf("oversized MMIO length yields %d bytes, want 8", got)
	}
	m.len = 2
	m.data = [8]byte{0xaa, 0xbb, 0xcc}
	if b := m.bytes(); len(b) != 2 || b[1] != 0xbb {
		t.Fatalf("mmio bytes = % x", b)
	}

	io := exitAs[exitIO](r)
	*io = exitIO{size: 2, count: 3, dataOffset: 0x100}
	if start, end := io.span(); start != 0x100 || end != 0x106 {
		t.Fatalf("span = [0x%x, 0x%x)", start, end)
	}

	ie := exitAs[exitInternalError](r)
	ie.suberror = 1
	if ie.String() != "emulation failure" {
		t.Fatalf("internal error = %q", ie.String())
	}
	ie.suberror = 99
	if ie.String() != "suberror 99" {
		t.Fatalf("internal error = %q", ie.String())
	}
}
