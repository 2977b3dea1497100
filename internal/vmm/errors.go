package vmm

import (
	"errors"
	"fmt"
)

var (
	ErrPayloadTooLarge = errors.New("vmm: payload larger than guest memory")
	ErrAlreadyStarted  = errors.New("vmm: machine already started")
)

// UnexpectedExitError reports an exit the dispatch loop has no handler for.
// It ends the run.
type UnexpectedExitError struct {
	Reason string
	Code   uint32
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("unexpected exit from vCPU: %s (code %d)", e.Reason, e.Code)
}
