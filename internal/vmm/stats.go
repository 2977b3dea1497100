package vmm

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Stats counts what happened during a run.
type Stats struct {
	PortOut   uint64
	Halt      uint64
	MMIOWrite uint64
	MMIORead  uint64
	Other     uint64

	Sentinels    uint64
	ConsoleChars uint64
	NonASCII     uint64
	Unclaimed    uint64

	Duration time.Duration
}

func (s Stats) Exits() uint64 {
	return s.PortOut + s.Halt + s.MMIOWrite + s.MMIORead + s.Other
}

func (s Stats) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', 0)

	rows := []struct {
		name string
		n    uint64
	}{
		{"exits", s.Exits()},
		{"port out", s.PortOut},
		{"mmio write", s.MMIOWrite},
		{"mmio read", s.MMIORead},
		{"halt", s.Halt},
		{"other", s.Other},
		{"console chars", s.ConsoleChars},
		{"non-ascii bytes", s.NonASCII},
		{"sentinels", s.Sentinels},
		{"unclaimed accesses", s.Unclaimed},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", r.name, r.n)
	}
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration.Round(time.Microsecond))

	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
