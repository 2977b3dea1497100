package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type ExitKind uint8

const (
	ExitKindInvalid ExitKind = iota
	ExitKindPortOut
	ExitKindHalt
	ExitKindMMIOWrite
	ExitKindMMIORead
	ExitKindOther
)

func (k ExitKind) String() string {
	switch k {
	case ExitKindPortOut:
		return "port-out"
	case ExitKindHalt:
		return "halt"
	case ExitKindMMIOWrite:
		return "mmio-write"
	case ExitKindMMIORead:
		return "mmio-read"
	case ExitKindOther:
		return "other"
	default:
		return "invalid"
	}
}

// ExitRecord is the trace form of one vCPU exit. Addr holds the port for
// port exits. For MMIO reads Data is the value returned to the guest.
type ExitRecord struct {
	Kind   ExitKind
	Addr   uint64
	Data   []byte
	Reason string
}

var errShortExitRecord = errors.New("debug: short exit record")

// MarshalBinary encodes kind(1) addr(8) len(2) data reason.
func (r ExitRecord) MarshalBinary() []byte {
	out := make([]byte, 11, 11+len(r.Data)+len(r.Reason))
	out[0] = byte(r.Kind)
	binary.LittleEndian.PutUint64(out[1:9], r.Addr)
	binary.LittleEndian.PutUint16(out[9:11], uint16(len(r.Data)))
	out = append(out, r.Data...)
	return append(out, r.Reason...)
}

func ParseExitRecord(b []byte) (ExitRecord, error) {
	if len(b) < 11 {
		return ExitRecord{}, errShortExitRecord
	}
	n := int(binary.LittleEndian.Uint16(b[9:11]))
	if len(b) < 11+n {
		return ExitRecord{}, errShortExitRecord
	}
	return ExitRecord{
		Kind:   ExitKind(b[0]),
		Addr:   binary.LittleEndian.Uint64(b[1:9]),
		Data:   append([]byte(nil), b[11:11+n]...),
		Reason: string(b[11+n:]),
	}, nil
}

func (r ExitRecord) String() string {
	switch r.Kind {
	case ExitKindPortOut:
		return fmt.Sprintf("%s port=0x%x data=% x", r.Kind, r.Addr, r.Data)
	case ExitKindHalt:
		return r.Kind.String()
	case ExitKindMMIOWrite, ExitKindMMIORead:
		return fmt.Sprintf("%s addr=0x%x data=% x", r.Kind, r.Addr, r.Data)
	default:
		return fmt.Sprintf("%s %s", r.Kind, r.Reason)
	}
}
