package debug

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Exit decodes the payload of a KindExit entry.
func (e Entry) Exit() (ExitRecord, error) {
	if e.Kind != KindExit {
		return ExitRecord{}, fmt.Errorf("debug: entry is %s, not exit", e.Kind)
	}
	return ParseExitRecord(e.Data)
}

// Each calls fn for every record in r, in the order they were written. A
// truncated trailing record, left by a process that died mid-write, ends the
// stream without error.
func Each(r io.Reader, fn func(Entry) error) error {
	br := bufio.NewReader(r)
	var header [headerSize]byte

	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}

		kind, sourceLength, dataLength, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			return fmt.Errorf("debug: invalid record header")
		}

		body := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("debug: read record: %w", err)
		}

		if err := fn(Entry{
			Time:   ts,
			Kind:   kind,
			Source: string(body[:sourceLength]),
			Data:   body[sourceLength:],
		}); err != nil {
			return err
		}
	}
}

// EachFile is Each over the records in filename.
func EachFile(filename string, fn func(Entry) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("debug: open trace: %w", err)
	}
	defer f.Close()

	return Each(f, fn)
}

// Summary counts records per source.
type Summary struct {
	Sources []string
	Counts  map[string]int
	First   time.Time
	Last    time.Time
}

func Summarize(r io.Reader) (Summary, error) {
	s := Summary{Counts: make(map[string]int)}
	err := Each(r, func(e Entry) error {
		if _, ok := s.Counts[e.Source]; !ok {
			s.Sources = append(s.Sources, e.Source)
		}
		s.Counts[e.Source]++
		if s.First.IsZero() || e.Time.Before(s.First) {
			s.First = e.Time
		}
		if e.Time.After(s.Last) {
			s.Last = e.Time
		}
		return nil
	})
	return s, err
}
