package web

import (
	"context"
	"encoding/json"
	"time"

	"dailycast/internal/broadcast"
	"dailycast/internal/messenger"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Frame event names.
const (
	EventConfig       = "config"
	EventQR           = "qr"
	EventReady        = "ready"
	EventDisconnected = "disconnected"
	EventLog          = "log"

	EventUpdateConfig = "updateConfig"
	EventTestSend     = "testSend"
)

// Broadcaster is the part of broadcast.Service the dashboard drives.
type Broadcaster interface {
	Schedule() broadcast.Schedule
	UpdateConfig(ctx context.Context, next broadcast.Schedule) (broadcast.Schedule, error)
	RunBroadcast(ctx context.Context) (broadcast.Summary, error)
}

type StatusSource interface {
	Status() messenger.Status
}

// logFrame is the data of a "log" frame addressed to one client.
func logFrame(level broadcast.Level, msg string) Frame {
	return Frame{Event: EventLog, Data: broadcast.Event{Level: level, Message: msg, Time: time.Now()}}
}
