package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "dailycast/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "UTC" or "Asia/Kolkata"
}

// Job is a trigger callback. ctx is canceled when the service stops.
type Job func(ctx context.Context)

type entry struct {
	name    string
	spec    ParsedSpec
	job     Job
	entryID cron.EntryID
	runs    uint64
	lastRun time.Time
}

// EntryInfo is a read-only view of a registered trigger.
type EntryInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Runs    uint64    `json:"runs"`
	LastRun time.Time `json:"last_run,omitempty"`
	Next    time.Time `json:"next,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	order   []string
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		parser:  DefaultParser(),
		entries: map[string]*entry{},
	}
}

// DefaultParser accepts both 5-field and 6-field (with seconds) cron specs plus descriptors.
func DefaultParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Parser returns the cron parser used for registered specs.
func (s *Service) Parser() cron.Parser { return s.parser }

// Register adds (or replaces) a named trigger. It can be called before or after Start.
func (s *Service) Register(name, rawSpec string, job Job) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("schedule name required")
	}
	if job == nil {
		return fmt.Errorf("schedule %q: nil job", name)
	}
	spec, err := ParseSchedule(rawSpec)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	if _, err := spec.Schedule(s.parser); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.entries[name]; old != nil {
		if s.c != nil {
			s.c.Remove(old.entryID)
		}
	} else {
		s.order = append(s.order, name)
	}
	e := &entry{name: name, spec: spec, job: job}
	s.entries[name] = e
	if s.c != nil {
		if err := s.addLocked(e); err != nil {
			return err
		}
	}
	s.log.Info("schedule registered", logx.String("name", name), logx.String("spec", spec.String()), logx.String("kind", spec.Kind.String()))
	return nil
}

func (s *Service) addLocked(e *entry) error {
	sch, err := e.spec.Schedule(s.parser)
	if err != nil {
		return err
	}
	e.entryID = s.c.Schedule(sch, cron.FuncJob(func() { s.run(e) }))
	return nil
}

func (s *Service) run(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	e.runs++
	e.lastRun = time.Now()
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	e.job(ctx)
}

// Start starts cron triggering in the configured timezone.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked(ctx)
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

func (s *Service) startLocked(parent context.Context) {
	s.loc = s.loadLocationLocked()
	s.ctx, s.cancel = context.WithCancel(parent)
	logger := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)
	for _, name := range s.order {
		if err := s.addLocked(s.entries[name]); err != nil {
			s.log.Error("schedule add failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops cron triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply updates the config. A timezone change restarts cron with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	parent := context.Background()
	if s.ctx != nil {
		parent = context.WithoutCancel(s.ctx)
	}
	old, cancel := s.c, s.cancel
	if cancel != nil {
		cancel()
	}
	old.Stop()
	s.startLocked(parent)
	s.log.Info("timezone changed; cron restarted", logx.String("tz", s.loc.String()))
}

// Location returns the effective timezone.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		info := EntryInfo{Name: name, Spec: e.spec.String(), Runs: e.runs, LastRun: e.lastRun}
		if s.c != nil {
			info.Next = s.c.Entry(e.entryID).Next
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
