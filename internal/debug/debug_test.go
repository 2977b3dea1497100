package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func TestDebug(t *testing.T) {
	buf, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	Write("test", "hello, world")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var seen []Entry
	if err := Each(bytes.NewReader(buf.Bytes()), func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(seen))
	}
	if seen[0].Source != "test" || string(seen[0].Data) != "hello, world" || seen[0].Kind != KindString {
		t.Fatalf("entry = %+v", seen[0])
	}
}

func TestDebugTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	WithSource("a").Writef("n=%d", 1)
	WithSource("b").WriteBytes([]byte{1, 2})
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var sources []string
	if err := EachFile(path, func(e Entry) error {
		sources = append(sources, e.Source)
		return nil
	}); err != nil {
		t.Fatalf("EachFile: %v", err)
	}

	if len(sources) != 2 || sources[0] != "a" || sources[1] != "b" {
		t.Fatalf("sources = %v", sources)
	}
}

func TestDebugClosedIsNoop(t *testing.T) {
	if Enabled() {
		t.Fatalf("stream unexpectedly open")
	}
	Write("test", "dropped")
	WriteExit("test", ExitRecord{Kind: ExitKindHalt})
}

func TestDebugConcurrentWriters(t *testing.T) {
	buf, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}

	const writers, each = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := WithSource(fmt.Sprintf("w%d", w))
			for i := range each {
				d.Writef("message %d", i)
			}
		}()
	}
	wg.Wait()
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sum, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if len(sum.Sources) != writers {
		t.Fatalf("got %d sources, want %d", len(sum.Sources), writers)
	}
	for _, s := range sum.Sources {
		if sum.Counts[s] != each {
			t.Fatalf("source %s has %d entries, want %d", s, sum.Counts[s], each)
		}
	}
}

func TestExitRecords(t *testing.T) {
	buf, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	d := WithSource("vmm.exit")
	d.WriteExit(ExitRecord{Kind: ExitKindPortOut, Addr: 0x3f8, Data: []byte{'A'}})
	d.WriteExit(ExitRecord{Kind: ExitKindOther, Reason: "KVM_EXIT_SHUTDOWN"})
	d.Write("not an exit")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var recs []ExitRecord
	err = Each(bytes.NewReader(buf.Bytes()), func(e Entry) error {
		if e.Kind != KindExit {
			if _, err := e.Exit(); err == nil {
				t.Fatalf("Exit on a string entry succeeded")
			}
			return nil
		}
		rec, err := e.Exit()
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(recs) != 2 {
		t.Fatalf("got %d exit records", len(recs))
	}
	if recs[0].String() != "port-out port=0x3f8 data=41" {
		t.Fatalf("record 0 = %q", recs[0].String())
	}
	if recs[1].Kind != ExitKindOther || recs[1].Reason != "KVM_EXIT_SHUTDOWN" {
		t.Fatalf("record 1 = %+v", recs[1])
	}
}

func TestTruncatedStream(t *testing.T) {
	buf, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	Write("test", "one")
	Write("test", "two")
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data := buf.Bytes()
	count := 0
	if err := Each(bytes.NewReader(data[:len(data)-2]), func(Entry) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d entries from truncated stream, want 1", count)
	}

	if _, err := ParseExitRecord([]byte{1, 2}); err == nil {
		t.Fatalf("expected short exit record error")
	}
}
