package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dailycast/internal/broadcast"
	"dailycast/internal/eventbus"
	"dailycast/internal/runtime/supervisor"
	logx "dailycast/pkg/logx"
)

type Config struct {
	// RatePerSec paces consecutive sends. <=0 disables pacing.
	RatePerSec          float64
	ReconnectBackoffMax time.Duration
	// MaxReconnects stops reconnecting after that many failed attempts and
	// records the failure as the supervisor error. 0 reconnects forever.
	MaxReconnects int
}

// Session is the process-wide messenger connection. It implements
// broadcast.MessageSender.
type Session struct {
	driver Driver
	bus    eventbus.Bus
	log    logx.Logger
	cfg    Config

	mu      sync.Mutex
	status  Status
	readyCh chan struct{} // closed while ready

	limiter    atomic.Pointer[rate.Limiter]
	reconnects atomic.Int64
	now        func() time.Time
}

func NewSession(cfg Config, d Driver, bus eventbus.Bus, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{
		driver:  d,
		bus:     bus,
		log:     log.With(logx.String("comp", "messenger"), logx.String("driver", d.Name())),
		cfg:     cfg,
		readyCh: make(chan struct{}),
		now:     time.Now,
	}
	s.status = Status{Driver: d.Name(), State: StateDisconnected, Reason: "not started", Since: s.now()}
	s.SetRate(cfg.RatePerSec)
	return s
}

// Start runs the driver under sup, reconnecting with backoff until sup stops.
func (s *Session) Start(sup *supervisor.Supervisor) {
	backoffMax := s.cfg.ReconnectBackoffMax
	if backoffMax <= 0 {
		backoffMax = time.Minute
	}
	lc := lifecycle{s}
	minBackoff := min(time.Second, backoffMax)
	sup.GoRestart("messenger."+s.driver.Name(), func(ctx context.Context) error {
		err := s.driver.Run(ctx, lc)
		if ctx.Err() != nil {
			lc.Disconnected("shutting down")
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("connection closed")
		}
		lc.Disconnected(err.Error())
		return err
	},
		supervisor.WithRestartBackoff(minBackoff, backoffMax),
		supervisor.WithStopOnCleanExit(false),
		supervisor.WithMaxRestarts(s.cfg.MaxReconnects),
		supervisor.WithPublishFirstError(s.cfg.MaxReconnects > 0),
		supervisor.WithOnRestart(func(err error, attempt int) {
			n := s.reconnects.Add(1)
			s.log.Info("messenger reconnecting",
				logx.Int("attempt", attempt),
				logx.Int64("reconnects", n),
				logx.Err(err))
		}),
	)
}

func (s *Session) Name() string { return s.driver.Name() }

func (s *Session) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Reconnects = s.reconnects.Load()
	return st
}

func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State == StateReady
}

// WaitReady blocks until the session is ready or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ch := s.readyCh
	ready := s.status.State == StateReady
	s.mu.Unlock()
	if ready {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate replaces the send limiter. Burst is one message.
func (s *Session) SetRate(perSec float64) {
	if perSec <= 0 {
		s.limiter.Store(nil)
		return
	}
	s.limiter.Store(rate.NewLimiter(rate.Limit(perSec), 1))
}

// Send fails fast with a NotConnected SendFailure unless the session is ready.
func (s *Session) Send(ctx context.Context, recipient, body string) error {
	if !s.IsReady() {
		st := s.Status()
		reason := "messenger not connected"
		if st.Reason != "" {
			reason += " (" + st.Reason + ")"
		}
		return &broadcast.SendFailure{Kind: broadcast.NotConnected, Recipient: recipient, Reason: reason, Err: broadcast.ErrNotConnected}
	}
	if l := s.limiter.Load(); l != nil {
		if err := l.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			// rate reports a wait past the deadline before ctx expires, without wrapping DeadlineExceeded.
			return &broadcast.SendFailure{
				Kind:      broadcast.Timeout,
				Recipient: recipient,
				Reason:    "rate limit wait exceeds send deadline",
				Err:       fmt.Errorf("%w: %v", context.DeadlineExceeded, err),
			}
		}
	}
	return s.driver.Send(ctx, recipient, body)
}

func (s *Session) transition(next Status) {
	s.mu.Lock()
	prev := s.status
	next.Driver = s.driver.Name()
	next.Since = s.now()
	if prev.State == next.State && prev.QR == next.QR && prev.Reason == next.Reason {
		s.mu.Unlock()
		return
	}
	s.status = next
	switch {
	case next.State == StateReady && prev.State != StateReady:
		close(s.readyCh)
	case next.State != StateReady && prev.State == StateReady:
		s.readyCh = make(chan struct{})
	}
	s.mu.Unlock()

	var typ string
	switch next.State {
	case StateReady:
		typ = eventbus.TypeMessengerReady
		s.log.Info("messenger ready")
	case StatePairing:
		typ = eventbus.TypeMessengerQR
		s.log.Info("messenger pairing; code received")
	default:
		typ = eventbus.TypeMessengerDisconnected
		s.log.Warn("messenger disconnected", logx.String("reason", next.Reason))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: next.Since, Data: next})
	}
}

// lifecycle keeps the Lifecycle methods off the Session API.
type lifecycle struct{ s *Session }

func (l lifecycle) QR(code string) { l.s.transition(Status{State: StatePairing, QR: code}) }
func (l lifecycle) Ready()         { l.s.transition(Status{State: StateReady}) }
func (l lifecycle) Disconnected(reason string) {
	l.s.transition(Status{State: StateDisconnected, Reason: reason})
}
