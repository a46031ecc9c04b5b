package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Enabled reports whether a driver other than "none" is configured.
func (c Config) Enabled() bool {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	return d != "" && d != "none"
}

// DeliveryRecord is one recipient outcome of a broadcast.
type DeliveryRecord struct {
	At          time.Time `json:"at"`
	BroadcastID string    `json:"broadcastId"`
	Trigger     string    `json:"trigger"`
	Recipient   string    `json:"recipient"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
}

// Store is the persistence API used by the app.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentDeliveries returns up to limit records, newest first.
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	PutMarker(ctx context.Context, key, value string) error
	GetMarker(ctx context.Context, key string) (value string, ok bool, err error)
	Close() error
}

const (
	// MarkerLastFired stores the civil date (YYYY-MM-DD) of the last scheduled fire.
	MarkerLastFired = "fire.last_civil_date"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
