//go:build linux

package kvm

import (
	"fmt"
	"unsafe"
)

// Layouts below mirror <linux/kvm.h>. kvm_abi_test.go pins the offsets.

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// runHeader is the leading part of the shared kvm_run page, up to and
// including the exit union. The sync register area that follows is never
// touched.
type runHeader struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	_                      [6]uint8
	exitReason             uint32
	readyForInjection      uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	exit                   [256]byte
}

func runPage(page []byte) *runHeader {
	return (*runHeader)(unsafe.Pointer(&page[0]))
}

func exitAs[T any](r *runHeader) *T {
	return (*T)(unsafe.Pointer(&r.exit[0]))
}

const (
	ioDirectionIn  = 0
	ioDirectionOut = 1
)

type exitIO struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

// span is the range of the run page holding the transferred bytes.
func (e *exitIO) span() (uint64, uint64) {
	return e.dataOffset, e.dataOffset + uint64(e.size)*uint64(e.count)
}

type exitMMIO struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

func (e *exitMMIO) bytes() []byte {
	return e.data[:min(e.len, uint32(len(e.data)))]
}

type exitInternalError struct {
	suberror uint32
	ndata    uint32
	data     [16]uint64
}

var internalErrorNames = map[uint32]string{
	1: "emulation failure",
	2: "simultaneous exceptions",
	3: "event delivery failure",
	4: "unexpected exit reason",
}

func (e *exitInternalError) String() string {
	if name, ok := internalErrorNames[e.suberror]; ok {
		return name
	}
	return fmt.Sprintf("suberror %d", e.suberror)
}

type exitFailEntry struct {
	hardwareReason uint64
	cpu            uint32
}
