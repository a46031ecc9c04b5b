package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dailycast/internal/broadcast"
	"dailycast/internal/storage"
	"dailycast/internal/task/scheduler"
	logx "dailycast/pkg/logx"
)

const (
	DefaultAddr         = ":3000"
	DefaultScheduleFile = "./data/schedule.json"
	DefaultOffset       = "-05:30"
	DefaultTick         = "30s"
	DefaultMessageBody  = "Good morning! This is your daily scheduled message."
	DefaultLocalHour    = 8
	DefaultLocalMinute  = 15
	DefaultDriver       = "console"
)

// Resolved is a Config with defaults applied and every string field parsed.
type Resolved struct {
	Addr            string
	StaticDir       string
	ShutdownTimeout time.Duration
	Pprof           bool

	ScheduleFile     string
	OffsetMinutes    int
	Location         *time.Location
	Tick             string
	SendTimeout      time.Duration
	PersistFireState bool
	Defaults         broadcast.Schedule

	Driver              string
	RatePerSec          float64
	ReconnectBackoffMax time.Duration
	ReadyTimeout        time.Duration
	TelegramToken       string
	TelegramPollTimeout time.Duration
	SlackToken          string
	SlackProbeInterval  time.Duration

	Logging logx.Config
	Storage storage.Config
}

// Resolve applies defaults and validates every field. All problems are
// reported together.
func (c *Config) Resolve() (Resolved, error) {
	var (
		r    Resolved
		errs []error
	)
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		add(err)
		return d
	}

	r.Addr = orDefault(c.Server.Addr, DefaultAddr)
	r.StaticDir = strings.TrimSpace(c.Server.StaticDir)
	r.Pprof = c.Server.Pprof
	r.ShutdownTimeout = dur("server.shutdown_timeout", c.Server.ShutdownTimeout, 10*time.Second)

	s := c.Schedule
	r.ScheduleFile = orDefault(s.File, DefaultScheduleFile)
	off, err := broadcast.ParseOffset(orDefault(s.Offset, DefaultOffset))
	if err != nil {
		add(fmt.Errorf("schedule.offset: %w", err))
	}
	r.OffsetMinutes = off

	tz := orDefault(s.ReferenceTimezone, "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		add(fmt.Errorf("schedule.reference_timezone: %w", err))
		loc = time.UTC
	}
	r.Location = loc

	r.Tick = orDefault(s.Tick, DefaultTick)
	add(validateTick(r.Tick, loc))
	r.SendTimeout = dur("schedule.send_timeout", s.SendTimeout, broadcast.DefaultSendTimeout)
	r.PersistFireState = s.PersistFireState

	r.Defaults = broadcast.Schedule{
		Recipients:  append([]string{}, s.Defaults.Recipients...),
		MessageBody: s.Defaults.MessageBody,
		LocalHour:   DefaultLocalHour,
		LocalMinute: DefaultLocalMinute,
	}
	if strings.TrimSpace(r.Defaults.MessageBody) == "" {
		r.Defaults.MessageBody = DefaultMessageBody
	}
	if h := s.Defaults.LocalHour; h != nil {
		r.Defaults.LocalHour = *h
	}
	if m := s.Defaults.LocalMinute; m != nil {
		r.Defaults.LocalMinute = *m
	}
	if r.Defaults.LocalHour < 0 || r.Defaults.LocalHour > 23 {
		add(fmt.Errorf("schedule.defaults.local_hour: %d out of range 0..23", r.Defaults.LocalHour))
	}
	if r.Defaults.LocalMinute < 0 || r.Defaults.LocalMinute > 59 {
		add(fmt.Errorf("schedule.defaults.local_minute: %d out of range 0..59", r.Defaults.LocalMinute))
	}

	m := c.Messenger
	r.Driver = strings.ToLower(orDefault(m.Driver, DefaultDriver))
	r.RatePerSec = m.RatePerSec
	if r.RatePerSec < 0 {
		add(fmt.Errorf("messenger.rate_per_sec: must be >= 0"))
	}
	if r.RatePerSec == 0 {
		r.RatePerSec = 1
	}
	r.ReconnectBackoffMax = dur("messenger.reconnect_backoff_max", m.ReconnectBackoffMax, time.Minute)
	r.ReadyTimeout = dur("messenger.ready_timeout", m.ReadyTimeout, 30*time.Second)
	r.TelegramToken = strings.TrimSpace(m.Telegram.Token)
	r.TelegramPollTimeout = dur("messenger.telegram.poll_timeout", m.Telegram.PollTimeout, 10*time.Second)
	r.SlackToken = strings.TrimSpace(m.Slack.Token)
	r.SlackProbeInterval = dur("messenger.slack.probe_interval", m.Slack.ProbeInterval, time.Minute)
	if r.RatePerSec > 0 && r.SendTimeout > 0 {
		if gap := time.Duration(float64(time.Second) / r.RatePerSec); gap >= r.SendTimeout {
			add(fmt.Errorf("messenger.rate_per_sec: %g/s spaces sends %s apart, not shorter than schedule.send_timeout %s", r.RatePerSec, gap, r.SendTimeout))
		}
	}
	switch r.Driver {
	case "telegram":
		if r.TelegramToken == "" {
			add(errors.New("messenger.telegram.token is required (or set " + EnvTelegramToken + ")"))
		}
		// The Bot API client shares one request timeout, bounded by send_timeout, with long polling.
		if r.SendTimeout > 0 && r.TelegramPollTimeout >= r.SendTimeout {
			add(fmt.Errorf("messenger.telegram.poll_timeout: %s must be shorter than schedule.send_timeout %s", r.TelegramPollTimeout, r.SendTimeout))
		}
	case "slack":
		if r.SlackToken == "" {
			add(errors.New("messenger.slack.token is required (or set " + EnvSlackToken + ")"))
		}
	case "console":
	default:
		add(fmt.Errorf("messenger.driver: unknown driver %q (use telegram, slack or console)", r.Driver))
	}

	r.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}

	if c.Storage != nil {
		r.Storage = storage.Config{
			Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
			Path:        strings.TrimSpace(c.Storage.Path),
			BusyTimeout: dur("storage.busy_timeout", c.Storage.BusyTimeout, 0),
		}
		switch r.Storage.Driver {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if r.Storage.Path == "" {
				add(errors.New("storage.path is required for driver " + r.Storage.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", r.Storage.Driver))
		}
	}
	if r.PersistFireState && !r.Storage.Enabled() {
		add(errors.New("schedule.persist_fire_state requires storage"))
	}

	return r, errors.Join(errs...)
}

// StorageEnabled reports whether a storage driver is configured.
func (r Resolved) StorageEnabled() bool { return r.Storage.Enabled() }

func validateTick(raw string, loc *time.Location) error {
	spec, err := scheduler.ParseSchedule(raw)
	if err != nil {
		return fmt.Errorf("schedule.tick: %w", err)
	}
	sch, err := spec.Schedule(scheduler.DefaultParser())
	if err != nil {
		return fmt.Errorf("schedule.tick: %w", err)
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	if !scheduler.CoversEveryMinute(sch, from) {
		return fmt.Errorf("schedule.tick: %q must trigger inside every minute (interval < 60s or a per-minute cron)", raw)
	}
	return nil
}

func orDefault(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
