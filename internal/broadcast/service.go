package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logx "dailycast/pkg/logx"
)

const DefaultSendTimeout = 30 * time.Second

type Config struct {
	// OffsetMinutes is added to local time to obtain reference time.
	OffsetMinutes int
	// SendTimeout bounds a single recipient send. Zero means DefaultSendTimeout.
	SendTimeout time.Duration
}

type Deps struct {
	Clock     Clock
	Sender    MessageSender
	Sink      EventSink
	Persister Persister
	// Fires is optional; when set every scheduled fire date is recorded.
	Fires FireRecorder
	// OnScheduleChange is called after the schedule is replaced or re-derived.
	OnScheduleChange func(Schedule)
}

type Service struct {
	// mu guards schedule, lastFired, offset and sendTimeout.
	mu          sync.Mutex
	schedule    Schedule
	lastFired   CivilDate
	offset      int
	sendTimeout time.Duration

	// inFlight is the single broadcast slot.
	inFlight chan struct{}
	// persistMu orders schedule writes; it is never held together with mu.
	persistMu sync.Mutex

	clock     Clock
	sender    MessageSender
	sink      EventSink
	persister Persister
	fires     FireRecorder
	onChange  func(Schedule)

	seq atomic.Uint64
	wg  sync.WaitGroup
	log logx.Logger
}

// New validates initial and returns a service that has never fired.
func New(cfg Config, initial Schedule, deps Deps, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Sender == nil {
		return nil, errors.New("broadcast: nil sender")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(Event) {})
	}
	sch, err := normalize(initial)
	if err != nil {
		return nil, err
	}
	sch.ReferenceHour, sch.ReferenceMinute = Convert(sch.LocalHour, sch.LocalMinute, cfg.OffsetMinutes)

	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Service{
		schedule:    sch,
		offset:      cfg.OffsetMinutes,
		sendTimeout: timeout,
		inFlight:    make(chan struct{}, 1),
		clock:       deps.Clock,
		sender:      deps.Sender,
		sink:        deps.Sink,
		persister:   deps.Persister,
		fires:       deps.Fires,
		onChange:    deps.OnScheduleChange,
		log:         log,
	}, nil
}

// Schedule returns a copy of the current schedule.
func (s *Service) Schedule() Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule.Clone()
}

func (s *Service) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// LastFired returns the civil date of the last scheduled fire; ok is false if it never fired.
func (s *Service) LastFired() (CivilDate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFired, !s.lastFired.IsZero()
}

// RestoreFireState seeds the last fired date, typically from storage at startup.
// Only a restored date equal to today suppresses today's fire.
func (s *Service) RestoreFireState(d CivilDate) {
	s.mu.Lock()
	s.lastFired = d
	s.mu.Unlock()
	s.log.Info("fire state restored", logx.String("last_fired", d.String()))
}

// SetOffset changes the civil offset and re-derives the reference time.
func (s *Service) SetOffset(minutes int) {
	s.mu.Lock()
	if s.offset == minutes {
		s.mu.Unlock()
		return
	}
	s.offset = minutes
	s.schedule.ReferenceHour, s.schedule.ReferenceMinute = Convert(s.schedule.LocalHour, s.schedule.LocalMinute, minutes)
	out := s.schedule.Clone()
	s.mu.Unlock()

	s.log.Info("offset changed",
		logx.String("offset", FormatOffset(minutes)),
		logx.String("reference", fmt.Sprintf("%02d:%02d", out.ReferenceHour, out.ReferenceMinute)),
	)
	if s.onChange != nil {
		s.onChange(out)
	}
}

func (s *Service) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSendTimeout
	}
	s.mu.Lock()
	s.sendTimeout = d
	s.mu.Unlock()
}

// Busy reports whether a broadcast currently holds the slot.
func (s *Service) Busy() bool { return len(s.inFlight) > 0 }

// Tick evaluates the fire decision against the clock. It returns true when a
// scheduled broadcast was started. The broadcast runs in its own goroutine.
func (s *Service) Tick() bool {
	now := s.clock.Now()
	today := DateOf(now)

	s.mu.Lock()
	if now.Hour() != s.schedule.ReferenceHour || now.Minute() != s.schedule.ReferenceMinute {
		s.mu.Unlock()
		return false
	}
	if s.lastFired == today {
		s.mu.Unlock()
		return false
	}
	s.lastFired = today
	s.mu.Unlock()

	s.log.Info("scheduled broadcast firing", logx.String("date", today.String()), logx.String("at", now.Format("15:04:05")))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled broadcast", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		ctx := context.Background()
		if s.fires != nil {
			if err := s.fires.RecordFire(ctx, today); err != nil {
				s.log.Warn("record fire date failed", logx.String("date", today.String()), logx.Err(err))
			}
		}
		// Scheduled fires wait for the slot so the day's broadcast is never lost.
		s.inFlight <- struct{}{}
		defer func() { <-s.inFlight }()
		s.broadcast(ctx, TriggerScheduled)
	}()
	return true
}

// RunBroadcast sends the current message to every recipient now, bypassing
// the time and date guard. It never touches the fire state. While another
// broadcast is running it emits an error event and returns ErrBusy.
//
// Cancelling ctx does not stop a started broadcast.
func (s *Service) RunBroadcast(ctx context.Context) (Summary, error) {
	select {
	case s.inFlight <- struct{}{}:
	default:
		s.emit(Event{
			Trigger: TriggerManual,
			Level:   LevelError,
			Stage:   StageBusy,
			Message: "A broadcast is already in progress; manual send rejected",
			Err:     ErrBusy.Error(),
		})
		s.log.Warn("manual broadcast rejected", logx.Err(ErrBusy))
		return Summary{Trigger: TriggerManual}, ErrBusy
	}
	defer func() { <-s.inFlight }()
	return s.broadcast(context.WithoutCancel(ctx), TriggerManual), nil
}

func (s *Service) broadcast(ctx context.Context, trigger Trigger) Summary {
	start := time.Now()
	s.mu.Lock()
	sch := s.schedule.Clone()
	timeout := s.sendTimeout
	s.mu.Unlock()

	id := fmt.Sprintf("bc:%d-%d", s.clock.Now().Unix(), s.seq.Add(1))
	sum := Summary{ID: id, Trigger: trigger, Total: len(sch.Recipients)}
	log := s.log.With(logx.String("broadcast", id), logx.String("trigger", string(trigger)))

	if len(sch.Recipients) == 0 {
		s.emit(Event{BroadcastID: id, Trigger: trigger, Level: LevelInfo, Stage: StageEmpty, Message: "No recipients configured; nothing to send"})
		log.Info("broadcast skipped: no recipients")
		return sum
	}

	s.emit(Event{BroadcastID: id, Trigger: trigger, Level: LevelInfo, Stage: StageStart,
		Message: fmt.Sprintf("Starting broadcast to %d recipient(s)", len(sch.Recipients))})
	log.Info("broadcast started", logx.Int("total", len(sch.Recipients)))

	for _, r := range sch.Recipients {
		if err := s.sendOne(ctx, r, sch.MessageBody, timeout); err != nil {
			sum.Failed++
			s.emit(Event{BroadcastID: id, Trigger: trigger, Level: LevelError, Stage: StageDelivery, Recipient: r,
				Message: fmt.Sprintf("Failed to send to %s: %s", r, failureReason(err)), Err: err.Error()})
			log.Warn("broadcast send failed", logx.String("recipient", r), logx.Err(err))
			continue
		}
		s.emit(Event{BroadcastID: id, Trigger: trigger, Level: LevelSuccess, Stage: StageDelivery, Recipient: r,
			Message: fmt.Sprintf("Message sent to %s", r)})
		log.Debug("broadcast send ok", logx.String("recipient", r))
	}

	sum.Took = time.Since(start)
	s.emit(Event{BroadcastID: id, Trigger: trigger, Level: LevelInfo, Stage: StageComplete,
		Message: fmt.Sprintf("Broadcast complete: %d sent, %d failed", sum.Total-sum.Failed, sum.Failed)})
	fields := []logx.Field{logx.Int("total", sum.Total), logx.Int("failed", sum.Failed), logx.Duration("dur", sum.Took)}
	if sum.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	return sum
}

// sendOne bounds a single send by timeout. A send that outlives its timeout
// is reported as Timeout, but sendOne still waits for the sender to return so
// at most one send is ever in flight on the messenger.
func (s *Service) sendOne(ctx context.Context, recipient, body string, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sender panic: %v", r)
			}
		}()
		done <- s.sender.Send(sctx, recipient, body)
	}()

	select {
	case err := <-done:
		return classify(recipient, err, timeout)
	case <-sctx.Done():
	}
	start := time.Now()
	s.log.Warn("send ignored its deadline; waiting for it to return", logx.String("recipient", recipient), logx.Duration("timeout", timeout))
	<-done
	s.log.Warn("overdue send returned", logx.String("recipient", recipient), logx.Duration("overdue", time.Since(start)))
	return &SendFailure{Kind: Timeout, Recipient: recipient, Reason: fmt.Sprintf("no response within %s", timeout), Err: sctx.Err()}
}

func classify(recipient string, err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	var sf *SendFailure
	if errors.As(err, &sf) {
		cp := *sf
		if cp.Recipient == "" {
			cp.Recipient = recipient
		}
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &SendFailure{Kind: Timeout, Recipient: recipient, Reason: fmt.Sprintf("no response within %s", timeout), Err: err}
	}
	return &SendFailure{Kind: Rejected, Recipient: recipient, Reason: err.Error(), Err: err}
}

func failureReason(err error) string {
	var sf *SendFailure
	if errors.As(err, &sf) {
		if sf.Reason == "" {
			return sf.Kind.String()
		}
		return sf.Kind.String() + ": " + sf.Reason
	}
	return err.Error()
}

// UpdateConfig validates next, re-derives its reference time and replaces the
// schedule wholesale. The fire state is left alone.
//
// A *ValidationError means nothing changed. A *PersistenceFailure means the
// new schedule is active but was not written; an error event is emitted too.
func (s *Service) UpdateConfig(ctx context.Context, next Schedule) (Schedule, error) {
	sch, err := normalize(next)
	if err != nil {
		s.log.Warn("schedule update rejected", logx.Err(err))
		return Schedule{}, err
	}

	s.mu.Lock()
	sch.ReferenceHour, sch.ReferenceMinute = Convert(sch.LocalHour, sch.LocalMinute, s.offset)
	s.schedule = sch
	out := sch.Clone()
	s.mu.Unlock()

	s.log.Info("schedule updated",
		logx.Int("recipients", len(out.Recipients)),
		logx.String("local", fmt.Sprintf("%02d:%02d", out.LocalHour, out.LocalMinute)),
		logx.String("reference", fmt.Sprintf("%02d:%02d", out.ReferenceHour, out.ReferenceMinute)),
	)
	if s.onChange != nil {
		s.onChange(out)
	}

	if err := s.persist(ctx); err != nil {
		return out, err
	}
	return out, nil
}

// persist writes the latest schedule. Concurrent updates therefore always
// leave the newest schedule on disk.
func (s *Service) persist(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	cur := s.Schedule()
	if err := s.persister.SaveSchedule(ctx, cur); err != nil {
		pf := &PersistenceFailure{Err: err}
		s.log.Error("schedule persist failed", logx.Err(err))
		s.emit(Event{Level: LevelError, Stage: StagePersist, Message: "Failed to save configuration: " + err.Error(), Err: err.Error()})
		return pf
	}
	return nil
}

// Wait blocks until scheduled broadcasts started by Tick have finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = s.clock.Now()
	}
	s.sink.Emit(e)
}

// normalize validates the local time and trims recipients, dropping blanks.
func normalize(in Schedule) (Schedule, error) {
	if in.LocalHour < 0 || in.LocalHour > 23 {
		return Schedule{}, &ValidationError{Field: "localHour", Value: in.LocalHour, Reason: "must be between 0 and 23"}
	}
	if in.LocalMinute < 0 || in.LocalMinute > 59 {
		return Schedule{}, &ValidationError{Field: "localMinute", Value: in.LocalMinute, Reason: "must be between 0 and 59"}
	}
	out := Schedule{
		Recipients:  make([]string, 0, len(in.Recipients)),
		MessageBody: in.MessageBody,
		LocalHour:   in.LocalHour,
		LocalMinute: in.LocalMinute,
	}
	for _, r := range in.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			out.Recipients = append(out.Recipients, r)
		}
	}
	return out, nil
}
