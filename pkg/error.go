package pkg

import (
	"errors"
	"strings"
)

// Driver errors.
var (
	// ErrCommandFailed indicates the controller could not issue a command or
	// move a data block.
	ErrCommandFailed = errors.New("command failed")

	// ErrResponse indicates the card reported error bits in its response.
	ErrResponse = errors.New("card reported error")

	// ErrTimeout indicates a bounded poll ran out of attempts.
	ErrTimeout = errors.New("timeout")

	// ErrOutOfRange indicates a sector request beyond the device bounds.
	ErrOutOfRange = errors.New("sector out of range")

	// ErrDeviceNotFound indicates an unknown or stale device handle.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrProtocol indicates enumeration could not reach the configured state.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates a transfer on a card that has not finished
	// enumeration.
	ErrNotConfigured = errors.New("card not configured")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoSlot indicates every registry slot is in use.
	ErrNoSlot = errors.New("no free device slot")

	// ErrAlreadyInserted indicates insertion on a card that is already
	// enumerated.
	ErrAlreadyInserted = errors.New("card already inserted")
)

// Warning collects recoverable problems from an operation that otherwise
// completed. Callers that receive a *Warning may treat the call as a success.
type Warning struct {
	Op     string
	Issues []error
}

// Add records an issue. A nil issue is ignored.
func (w *Warning) Add(err error) {
	if err != nil {
		w.Issues = append(w.Issues, err)
	}
}

// Err returns w as an error, or nil if no issue was recorded.
func (w *Warning) Err() error {
	if w == nil || len(w.Issues) == 0 {
		return nil
	}
	return w
}

func (w *Warning) Error() string {
	var sb strings.Builder
	sb.WriteString(w.Op)
	sb.WriteString(": warning: ")
	for i, err := range w.Issues {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap exposes the recorded issues to errors.Is and errors.As.
func (w *Warning) Unwrap() []error {
	return w.Issues
}

// IsWarning reports whether err is a *Warning, meaning the operation that
// returned it completed.
func IsWarning(err error) bool {
	_, ok := err.(*Warning)
	return ok
}
