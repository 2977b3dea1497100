package hv

import "fmt"

// ExitEvent is the reason a vCPU returned control to the host.
// Exits are handled synchronously and never stored: any Data slice aliases
// the backend's exit buffer and is only valid until the next Run.
type ExitEvent interface {
	fmt.Stringer
	isExitEvent()
}

// ExitPortOut is a guest write to an I/O port.
type ExitPortOut struct {
	Port uint16
	Data []byte
}

// ExitHalt is a guest hlt.
type ExitHalt struct{}

// ExitMMIOWrite is a guest store to an address that is not backed by RAM.
type ExitMMIOWrite struct {
	Addr uint64
	Data []byte
}

// ExitMMIORead is a guest load from an address that is not backed by RAM.
// The handler must fill Data before the vCPU is resumed; the backend copies
// it into the destination register.
type ExitMMIORead struct {
	Addr uint64
	Data []byte
}

// ExitOther covers every exit the dispatch loop has no handler for.
type ExitOther struct {
	Reason string
	Code   uint32
}

func (ExitPortOut) isExitEvent()   {}
func (ExitHalt) isExitEvent()      {}
func (ExitMMIOWrite) isExitEvent() {}
func (ExitMMIORead) isExitEvent()  {}
func (ExitOther) isExitEvent()     {}

func (e ExitPortOut) String() string {
	return fmt.Sprintf("port out 0x%04x % x", e.Port, e.Data)
}

func (ExitHalt) String() string { return "hlt" }

func (e ExitMMIOWrite) String() string {
	return fmt.Sprintf("mmio write 0x%x % x", e.Addr, e.Data)
}

func (e ExitMMIORead) String() string {
	return fmt.Sprintf("mmio read 0x%x len=%d", e.Addr, len(e.Data))
}

func (e ExitOther) String() string {
	return fmt.Sprintf("%s (%d)", e.Reason, e.Code)
}

var (
	_ ExitEvent = ExitPortOut{}
	_ ExitEvent = ExitHalt{}
	_ ExitEvent = ExitMMIOWrite{}
	_ ExitEvent = ExitMMIORead{}
	_ ExitEvent = ExitOther{}
)
