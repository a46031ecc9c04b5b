package messenger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dailycast/internal/broadcast"
	"dailycast/internal/eventbus"
	"dailycast/internal/runtime/supervisor"
	logx "dailycast/pkg/logx"
)

// scriptedDriver hands its Lifecycle to the test and blocks until told to drop.
type scriptedDriver struct {
	lcCh  chan Lifecycle
	drop  chan error
	runs  atomic.Int32
	mu    sync.Mutex
	sends []string
}

func newScripted() *scriptedDriver {
	return &scriptedDriver{lcCh: make(chan Lifecycle, 4), drop: make(chan error, 4)}
}

func (d *scriptedDriver) Name() string { return "scripted" }

func (d *scriptedDriver) Run(ctx context.Context, lc Lifecycle) error {
	d.runs.Add(1)
	d.lcCh <- lc
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-d.drop:
		return err
	}
}

func (d *scriptedDriver) Send(_ context.Context, recipient, _ string) error {
	d.mu.Lock()
	d.sends = append(d.sends, recipient)
	d.mu.Unlock()
	return nil
}

func recv(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return eventbus.Event{}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.TypeMessengerQR, eventbus.TypeMessengerReady, eventbus.TypeMessengerDisconnected)
	defer unsub()

	d := newScripted()
	s := NewSession(Config{ReconnectBackoffMax: 10 * time.Millisecond}, d, bus, logx.Nop())
	sup := supervisor.New(context.Background())
	defer func() { _ = sup.Stop(context.Background()) }()

	err := s.Send(context.Background(), "r1", "hi")
	var sf *broadcast.SendFailure
	if !errors.As(err, &sf) || sf.Kind != broadcast.NotConnected {
		t.Fatalf("send before start = %v", err)
	}

	s.Start(sup)
	lc := <-d.lcCh

	lc.QR("pair-me")
	ev := recv(t, events)
	if ev.Type != eventbus.TypeMessengerQR || ev.Data.(Status).QR != "pair-me" {
		t.Fatalf("qr event = %+v", ev)
	}
	if s.IsReady() {
		t.Fatalf("ready while pairing")
	}

	lc.Ready()
	if ev := recv(t, events); ev.Type != eventbus.TypeMessengerReady {
		t.Fatalf("ready event = %+v", ev)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if err := s.Send(context.Background(), "r1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	d.drop <- errors.New("socket closed")
	ev = recv(t, events)
	if ev.Type != eventbus.TypeMessengerDisconnected || ev.Data.(Status).Reason != "socket closed" {
		t.Fatalf("disconnect event = %+v", ev)
	}
	if err := s.Send(context.Background(), "r2", "hi"); !errors.Is(err, broadcast.ErrNotConnected) {
		t.Fatalf("send after disconnect = %v", err)
	}

	// The supervisor reconnects.
	lc = <-d.lcCh
	lc.Ready()
	if ev := recv(t, events); ev.Type != eventbus.TypeMessengerReady {
		t.Fatalf("second ready event = %+v", ev)
	}
	if d.runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", d.runs.Load())
	}

	d.mu.Lock()
	sends := append([]string(nil), d.sends...)
	d.mu.Unlock()
	if len(sends) != 1 || sends[0] != "r1" {
		t.Fatalf("driver sends = %v", sends)
	}
}

func TestSessionWaitReadyTimeout(t *testing.T) {
	t.Parallel()
	s := NewSession(Config{}, newScripted(), nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitReady = %v", err)
	}
	if st := s.Status(); st.State != StateDisconnected || st.Driver != "scripted" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSessionRateLimitsSends(t *testing.T) {
	t.Parallel()
	d := newScripted()
	s := NewSession(Config{RatePerSec: 20}, d, nil, logx.Nop())
	lifecycle{s}.Ready()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), "r", "b"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	// Burst 1 at 20/s: the 2nd and 3rd sends wait ~50ms each.
	if el := time.Since(start); el < 80*time.Millisecond {
		t.Fatalf("sends not paced: %v", el)
	}

	s.SetRate(0)
	start = time.Now()
	for i := 0; i < 5; i++ {
		_ = s.Send(context.Background(), "r", "b")
	}
	if el := time.Since(start); el > 50*time.Millisecond {
		t.Fatalf("unpaced sends took %v", el)
	}
}

func TestSessionLimiterWaitPastDeadlineIsTimeout(t *testing.T) {
	t.Parallel()
	s := NewSession(Config{RatePerSec: 0.01}, newScripted(), nil, logx.Nop())
	lifecycle{s}.Ready()
	_ = s.Send(context.Background(), "r", "b") // consumes the burst
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The next token is 100s away, so the limiter refuses before ctx expires.
	err := s.Send(ctx, "r2", "b")
	var sf *broadcast.SendFailure
	if !errors.As(err, &sf) || sf.Kind != broadcast.Timeout || sf.Recipient != "r2" {
		t.Fatalf("err = %v, want Timeout send failure", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want it to wrap context.DeadlineExceeded", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("limiter should fail before the deadline passes")
	}
}

func TestSessionLimiterCanceled(t *testing.T) {
	t.Parallel()
	s := NewSession(Config{RatePerSec: 0.01}, newScripted(), nil, logx.Nop())
	lifecycle{s}.Ready()
	_ = s.Send(context.Background(), "r", "b")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "r", "b"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// failingDriver never connects.
type failingDriver struct{ runs atomic.Int32 }

func (d *failingDriver) Name() string { return "failing" }
func (d *failingDriver) Run(context.Context, Lifecycle) error {
	d.runs.Add(1)
	return errors.New("bad token")
}
func (d *failingDriver) Send(context.Context, string, string) error { return nil }

func TestSessionGivesUpAfterMaxReconnects(t *testing.T) {
	t.Parallel()
	d := &failingDriver{}
	s := NewSession(Config{ReconnectBackoffMax: 5 * time.Millisecond, MaxReconnects: 2}, d, nil, logx.Nop())
	sup := supervisor.New(context.Background())
	s.Start(sup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "messenger.failing: bad token") {
		t.Fatalf("supervisor err = %v", err)
	}
	if n := d.runs.Load(); n != 3 {
		t.Fatalf("runs = %d, want 3", n)
	}
	if st := s.Status(); st.Reconnects != 2 || st.State != StateDisconnected {
		t.Fatalf("status = %+v", st)
	}
}
