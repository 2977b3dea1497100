package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

// Output serializes guest characters and host notices onto one writer.
// Notices always begin on a fresh line.
type Output struct {
	mu      sync.Mutex
	w       io.Writer
	styled  bool
	midLine bool
	style   ansi.Style
}

// NewOutput writes to w. When styled is set notices are rendered bold yellow.
func NewOutput(w io.Writer, styled bool) *Output {
	return &Output{
		w:      w,
		styled: styled,
		style:  ansi.Style{}.Bold().ForegroundColor(ansi.Yellow),
	}
}

// Char writes one guest character verbatim.
func (o *Output) Char(c byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.w.Write([]byte{c}); err != nil {
		return fmt.Errorf("console: write char: %w", err)
	}
	o.midLine = c != '\n'
	return nil
}

// Notice writes a host message on its own line.
func (o *Output) Notice(format string, args ...any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	if o.styled {
		msg = o.style.Styled(msg)
	}
	if o.midLine {
		msg = "\n" + msg
	}
	if _, err := io.WriteString(o.w, msg+"\n"); err != nil {
		return fmt.Errorf("console: write notice: %w", err)
	}
	o.midLine = false
	return nil
}

// Finish terminates a dangling guest line.
func (o *Output) Finish() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.midLine {
		return nil
	}
	o.midLine = false
	if _, err := io.WriteString(o.w, "\n"); err != nil {
		return fmt.Errorf("console: finish: %w", err)
	}
	return nil
}

// Plain strips escape sequences from s.
func Plain(s string) string {
	return ansi.Strip(s)
}
