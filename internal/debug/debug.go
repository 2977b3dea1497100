// Package debug writes a compact binary trace of what the monitor did.
//
// Each record is:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string, 3 = exit)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source
//   - payload
//
// Writers reserve their slot by atomically advancing the stream offset, so
// records from concurrent writers never interleave.
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindExit:
		return "exit"
	default:
		return "invalid"
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type stream struct {
	w Writer
}

var (
	current atomic.Pointer[stream]
	offset  atomic.Uint64
)

// OpenFile truncates filename and directs records to it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open directs records to w. The error is a warning: a previously open
// writer was replaced and may have lost records.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&stream{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Enabled reports whether a stream is open.
func Enabled() bool {
	return current.Load() != nil
}

func Close() error {
	s := current.Swap(nil)
	offset.Store(0)
	if s != nil {
		return s.w.Close()
	}
	return nil
}

// Buffer is an in-memory stream target.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := int(off) + len(p); end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// OpenMemory opens a fresh Buffer as the stream target.
func OpenMemory() (*Buffer, error) {
	buf := &Buffer{}
	if err := Open(buf); err != nil {
		return buf, err
	}
	return buf, nil
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) []byte {
	header := make([]byte, headerSize, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts.UnixNano()))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, dataLength uint32, ts time.Time) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = time.Unix(0, int64(binary.LittleEndian.Uint64(header[8:16])))
	return
}

func writeRecord(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil {
		return
	}

	rec := encodeHeader(kind, source, data, time.Now())
	rec = append(rec, source...)
	rec = append(rec, data...)

	off := offset.Add(uint64(len(rec))) - uint64(len(rec))
	if _, err := s.w.WriteAt(rec, int64(off)); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeRecord(KindBytes, source, data)
}

func Write(source string, data string) {
	writeRecord(KindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	writeRecord(KindString, source, fmt.Appendf(nil, format, args...))
}

// WriteExit records a vCPU exit.
func WriteExit(source string, rec ExitRecord) {
	if !Enabled() {
		return
	}
	writeRecord(KindExit, source, rec.MarshalBinary())
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
	WriteExit(rec ExitRecord)
}

type sourced struct {
	source string
}

func (d *sourced) WriteBytes(data []byte) { WriteBytes(d.source, data) }

func (d *sourced) Write(data string) { Write(d.source, data) }

func (d *sourced) Writef(format string, args ...any) { Writef(d.source, format, args...) }

func (d *sourced) WriteExit(rec ExitRecord) { WriteExit(d.source, rec) }

func WithSource(source string) Debug {
	return &sourced{source: source}
}
