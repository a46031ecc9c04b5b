package messenger

import (
	"context"
	"time"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StatePairing      State = "pairing"
	StateReady        State = "ready"
)

// Status is the session state as shown to the dashboard.
type Status struct {
	Driver string    `json:"driver"`
	State  State     `json:"state"`
	QR     string    `json:"qr,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
	// Reconnects counts restarts of the driver since the session started.
	Reconnects int64 `json:"reconnects"`
}

// Lifecycle receives driver signals. Implementations must not block.
type Lifecycle interface {
	QR(code string)
	Ready()
	Disconnected(reason string)
}

// Driver is one chat platform.
type Driver interface {
	Name() string
	// Run connects, signals Ready, and blocks until ctx is done or the
	// connection is lost. A non-nil error triggers a reconnect.
	Run(ctx context.Context, lc Lifecycle) error
	Send(ctx context.Context, recipient, body string) error
}
