// Package timeslice records how long the run loop spends in each phase.
//
// A stream starts with a header, the JSON table of registered kinds, and
// padding to 4 KiB. After that every record is 16 bytes: the kind and the
// duration in nanoseconds, both little endian.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x5354564d // "MVTS"
	Version uint32 = 1

	pageSize = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type Kind uint32

const InvalidKind Kind = 0

type Flags uint32

const (
	// FlagGuest marks time spent executing guest code.
	FlagGuest Flags = 1 << iota
	// FlagSetup marks one-off work before the first instruction runs.
	FlagSetup
)

func (f Flags) String() string {
	var flags []string
	if f&FlagGuest != 0 {
		flags = append(flags, "guest")
	}
	if f&FlagSetup != 0 {
		flags = append(flags, "setup")
	}
	return strings.Join(flags, ",")
}

type kindInfo struct {
	Name  string `json:"name"`
	Flags Flags  `json:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   = map[Kind]kindInfo{}
)

// RegisterKind is meant for package-level vars. Kinds registered after a
// stream is opened are missing from its table and fail to decode.
func RegisterKind(name string, flags Flags) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := Kind(len(kinds) + 1)
	kinds[id] = kindInfo{Name: name, Flags: flags}
	return id
}

func (k Kind) String() string {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if info, ok := kinds[k]; ok {
		return info.Name
	}
	return fmt.Sprintf("Kind(%d)", uint32(k))
}

type record struct {
	Kind     uint64
	Duration int64
}

const recordSize = 16

type writer struct {
	w        io.Writer
	records  chan record
	complete chan error
}

func (w *writer) run() {
	defer close(w.complete)

	var buf [pageSize]byte
	off := 0

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.complete <- err
				// Drain so Record never blocks on a dead writer.
				for range w.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], rec.Kind)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.complete <- err
			return
		}
	}
	w.complete <- nil
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)

	if err := <-w.complete; err != nil {
		return fmt.Errorf("timeslice: write: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// StartRecording writes the stream header to w and begins accepting records.
// Only one stream can be open at a time.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	off := binary.Size(header{}) + len(table)
	if pad := off % pageSize; pad != 0 {
		if _, err := w.Write(make([]byte, pageSize-pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:        w,
		records:  make(chan record, pageSize),
		complete: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

// Recording reports whether a stream is open.
func Recording() bool { return current.Load() != nil }

func Record(kind Kind, d time.Duration) {
	if w := current.Load(); w != nil {
		w.records <- record{Kind: uint64(kind), Duration: d.Nanoseconds()}
	}
}

// Recorder attributes the time since its previous mark to a kind. Not safe
// for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(kind Kind) {
	now := time.Now()
	Record(kind, now.Sub(r.last))
	r.last = now
}

// Slice is one decoded record.
type Slice struct {
	Name     string
	Flags    Flags
	Duration time.Duration
}

// ReadAll decodes a stream written by StartRecording.
func ReadAll(r io.Reader, fn func(Slice) error) error {
	buf := bufio.NewReaderSize(r, pageSize)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	table := map[Kind]kindInfo{}
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	off := binary.Size(hdr) + int(hdr.KindsLength)
	if pad := off % pageSize; pad != 0 {
		if _, err := buf.Discard(pageSize - pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	var raw [recordSize]byte
	for {
		if _, err := io.ReadFull(buf, raw[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind := Kind(binary.LittleEndian.Uint64(raw[0:8]))
		info, ok := table[kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", kind)
		}
		d := time.Duration(int64(binary.LittleEndian.Uint64(raw[8:16])))
		if err := fn(Slice{Name: info.Name, Flags: info.Flags, Duration: d}); err != nil {
			return err
		}
	}
}

type Total struct {
	Name  string
	Flags Flags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (t Total) Avg() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Sum / time.Duration(t.Count)
}

func (t *Total) add(d time.Duration) {
	t.Count++
	t.Sum += d
	if t.Count == 1 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
}

// Summarize aggregates a stream per kind, largest total first.
func Summarize(r io.Reader) ([]Total, error) {
	byName := map[string]*Total{}
	if err := ReadAll(r, func(s Slice) error {
		t, ok := byName[s.Name]
		if !ok {
			t = &Total{Name: s.Name, Flags: s.Flags}
			byName[s.Name] = t
		}
		t.add(s.Duration)
		return nil
	}); err != nil {
		return nil, err
	}

	totals := make([]Total, 0, len(byName))
	for _, t := range byName {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Sum != totals[j].Sum {
			return totals[i].Sum > totals[j].Sum
		}
		return totals[i].Name < totals[j].Name
	})
	return totals, nil
}
