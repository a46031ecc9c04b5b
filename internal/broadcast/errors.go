package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by RunBroadcast while another broadcast holds the slot.
	ErrBusy = errors.New("broadcast already in progress")
	// ErrNotConnected matches any SendFailure of kind NotConnected.
	ErrNotConnected = errors.New("messenger not connected")
)

// ValidationError rejects a schedule update. The current schedule is left untouched.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

type FailureKind int

const (
	NotConnected FailureKind = iota + 1
	Timeout
	Rejected
)

func (k FailureKind) String() string {
	switch k {
	case NotConnected:
		return "not_connected"
	case Timeout:
		return "timeout"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SendFailure is a single recipient's failed delivery.
type SendFailure struct {
	Kind      FailureKind
	Recipient string
	Reason    string
	Err       error
}

func (f *SendFailure) Error() string {
	msg := f.Kind.String()
	if f.Reason != "" {
		msg += ": " + f.Reason
	}
	if f.Recipient != "" {
		return "send to " + f.Recipient + ": " + msg
	}
	return "send: " + msg
}

func (f *SendFailure) Unwrap() error { return f.Err }

func (f *SendFailure) Is(target error) bool {
	return target == ErrNotConnected && f.Kind == NotConnected
}

// PersistenceFailure reports that an accepted schedule could not be written.
// The in-memory schedule stays authoritative.
type PersistenceFailure struct {
	Err error
}

func (e *PersistenceFailure) Error() string { return "persist schedule: " + e.Err.Error() }
func (e *PersistenceFailure) Unwrap() error { return e.Err }
