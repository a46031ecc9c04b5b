package broadcast

import (
	"context"
	"time"
)

// Schedule is the externally settable broadcast configuration.
// ReferenceHour and ReferenceMinute are derived from the local time and the
// service offset; values supplied by callers are ignored and recomputed.
type Schedule struct {
	Recipients      []string `json:"recipients"`
	MessageBody     string   `json:"messageBody"`
	LocalHour       int      `json:"localHour"`
	LocalMinute     int      `json:"localMinute"`
	ReferenceHour   int      `json:"referenceHour"`
	ReferenceMinute int      `json:"referenceMinute"`
}

// Clone returns a deep copy.
func (s Schedule) Clone() Schedule {
	cp := s
	cp.Recipients = append([]string(nil), s.Recipients...)
	if cp.Recipients == nil {
		cp.Recipients = []string{}
	}
	return cp
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Level mirrors the log types shown in the dashboard.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Stage string

const (
	StageStart    Stage = "start"
	StageDelivery Stage = "delivery"
	StageComplete Stage = "complete"
	StageEmpty    Stage = "empty"
	StageBusy     Stage = "busy"
	StagePersist  Stage = "persist"
)

// Event is emitted for every broadcast lifecycle step.
type Event struct {
	BroadcastID string    `json:"broadcastId,omitempty"`
	Trigger     Trigger   `json:"trigger,omitempty"`
	Level       Level     `json:"type"`
	Stage       Stage     `json:"stage"`
	Recipient   string    `json:"recipient,omitempty"`
	Message     string    `json:"message"`
	Err         string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Summary describes a finished broadcast.
type Summary struct {
	ID      string        `json:"id"`
	Trigger Trigger       `json:"trigger"`
	Total   int           `json:"total"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// Clock returns the current time in the execution environment's civil time.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in Location (UTC when nil).
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return time.Now().In(loc)
}

// MessageSender delivers one message to one recipient.
type MessageSender interface {
	Send(ctx context.Context, recipient, body string) error
}

// EventSink receives broadcast events. Emit must not block.
type EventSink interface {
	Emit(e Event)
}

type SinkFunc func(e Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Persister stores the accepted schedule.
type Persister interface {
	SaveSchedule(ctx context.Context, s Schedule) error
}

// FireRecorder stores the civil date of the last scheduled fire.
type FireRecorder interface {
	RecordFire(ctx context.Context, d CivilDate) error
}
