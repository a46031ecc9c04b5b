// Package console is a dry-run messenger driver that writes messages to the log.
package console

import (
	"context"
	"sync"

	"dailycast/internal/messenger"
	logx "dailycast/pkg/logx"
)

// Message is one logged delivery.
type Message struct {
	Recipient string
	Body      string
}

type Driver struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
}

func New(log logx.Logger) *Driver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{log: log.With(logx.String("comp", "messenger.console"))}
}

func (d *Driver) Name() string { return "console" }

func (d *Driver) Run(ctx context.Context, lc messenger.Lifecycle) error {
	lc.Ready()
	<-ctx.Done()
	return ctx.Err()
}

func (d *Driver) Send(ctx context.Context, recipient, body string) error {
	d.log.Info("message", logx.String("to", recipient), logx.Int("bytes", len(body)), logx.String("body", body))
	d.mu.Lock()
	d.sent = append(d.sent, Message{Recipient: recipient, Body: body})
	d.mu.Unlock()
	return nil
}

// Sent returns every message delivered so far.
func (d *Driver) Sent() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.sent...)
}
