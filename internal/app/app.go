package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dailycast/internal/broadcast"
	"dailycast/internal/config"
	"dailycast/internal/eventbus"
	"dailycast/internal/messenger"
	"dailycast/internal/runtime/supervisor"
	"dailycast/internal/storage"
	"dailycast/internal/task/scheduler"
	"dailycast/internal/web"
	logx "dailycast/pkg/logx"
)

const tickEntry = "broadcast.tick"

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	session *messenger.Session
	bc      *broadcast.Service
	sched   *scheduler.Service
	hub     *web.Hub
	web     *web.Server

	// loc is the execution environment timezone read by the broadcast clock.
	loc atomic.Pointer[time.Location]

	mu       sync.Mutex
	resolved config.Resolved

	started time.Time
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(r.Logging)
	bus := eventbus.New()

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		resolved: r,
	}
	a.loc.Store(r.Location)

	if r.StorageEnabled() {
		st, err := storage.Open(r.Storage, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", r.Storage.Driver), logx.String("path", r.Storage.Path))
	}

	if err := a.build(r, log); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(r config.Resolved, log logx.Logger) error {
	schedFile := storage.NewScheduleFile(r.ScheduleFile, log.With(logx.String("comp", "schedule")))
	initial, found, err := schedFile.Load(r.Defaults)
	if err != nil {
		return err
	}
	if !found {
		a.log.Info("no schedule file; using defaults", logx.String("path", r.ScheduleFile))
	}

	driver, err := newDriver(r, log)
	if err != nil {
		return err
	}
	a.session = messenger.NewSession(messenger.Config{
		RatePerSec:          r.RatePerSec,
		ReconnectBackoffMax: r.ReconnectBackoffMax,
	}, driver, a.bus, log)

	var sink broadcast.EventSink = broadcast.BusSink{Bus: a.bus}
	if a.store != nil {
		sink = storage.HistorySink{Next: sink, Store: a.store, Log: log.With(logx.String("comp", "history"))}
	}
	deps := broadcast.Deps{
		Clock:            broadcast.ClockFunc(func() time.Time { return time.Now().In(a.loc.Load()) }),
		Sender:           a.session,
		Sink:             sink,
		Persister:        schedFile,
		OnScheduleChange: broadcast.ScheduleNotifier(a.bus),
	}
	if r.PersistFireState {
		deps.Fires = storage.FireMarker{Store: a.store}
	}
	a.bc, err = broadcast.New(broadcast.Config{
		OffsetMinutes: r.OffsetMinutes,
		SendTimeout:   r.SendTimeout,
	}, initial, deps, log.With(logx.String("comp", "broadcast")))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", r.ScheduleFile, err)
	}

	a.sched = scheduler.New(scheduler.Config{Timezone: r.Location.String()}, log.With(logx.String("comp", "scheduler")))
	if err := a.sched.Register(tickEntry, r.Tick, a.tick); err != nil {
		return err
	}

	a.hub = web.NewHub(a.bc, a.session, a.bus, log)
	wdeps := web.Deps{
		Broadcaster: a.bc,
		Status:      a.session,
		Hub:         a.hub,
		Health:      func() any { return a.Health() },
	}
	if a.store != nil {
		wdeps.History = a.store
	}
	a.web = web.New(web.Config{
		Addr:            r.Addr,
		StaticDir:       r.StaticDir,
		Pprof:           r.Pprof,
		ShutdownTimeout: r.ShutdownTimeout,
	}, wdeps, log)
	return nil
}

func (a *App) tick(context.Context) { a.bc.Tick() }

// Broadcast exposes the broadcast service, mainly for tests and tooling.
func (a *App) Broadcast() *broadcast.Service { return a.bc }

// Addr reports the dashboard listen address once serving.
func (a *App) Addr() string { return a.web.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnErr(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		_, err := cfg.Resolve()
		return err
	})

	if a.resolved.PersistFireState {
		a.restoreFireState(a.sup.Context())
	}

	a.session.Start(a.sup)
	a.sched.Start(a.sup.Context())

	a.sup.Go("web.hub", a.hub.Run)
	a.sup.Go("web.serve", a.web.Serve)

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	sch := a.bc.Schedule()
	a.log.Info(fmt.Sprintf("Scheduler active. Targeting %02d:%02d daily", sch.LocalHour, sch.LocalMinute),
		logx.String("offset", broadcast.FormatOffset(a.bc.Offset())),
		logx.String("reference", fmt.Sprintf("%02d:%02d", sch.ReferenceHour, sch.ReferenceMinute)),
		logx.String("tz", a.loc.Load().String()),
		logx.Int("recipients", len(sch.Recipients)),
		logx.String("driver", a.session.Name()),
	)
	sdNotify(a.log, daemon.SdNotifyReady)
	return nil
}

func (a *App) restoreFireState(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	d, ok, err := storage.FireMarker{Store: a.store}.LastFired(rctx)
	switch {
	case err != nil:
		a.log.Warn("fire state unreadable; starting fresh", logx.Err(err))
	case ok:
		a.bc.RestoreFireState(d)
	}
}

// health is the body of /healthz.
type health struct {
	Status     string                `json:"status"`
	Uptime     string                `json:"uptime"`
	Messenger  messenger.Status      `json:"messenger"`
	Schedule   broadcast.Schedule    `json:"schedule"`
	Offset     string                `json:"offset"`
	LastFired  string                `json:"last_fired,omitempty"`
	Busy       bool                  `json:"busy"`
	Clients    int                   `json:"clients"`
	Triggers   []scheduler.EntryInfo `json:"triggers"`
	BusDropped uint64                `json:"bus_dropped"`
	Supervisor supervisor.Snapshot   `json:"supervisor"`
	Storage    string                `json:"storage"`
}

func (a *App) Health() any {
	h := health{
		Status:     "ok",
		Messenger:  a.session.Status(),
		Schedule:   a.bc.Schedule(),
		Offset:     broadcast.FormatOffset(a.bc.Offset()),
		Busy:       a.bc.Busy(),
		Clients:    a.hub.Clients(),
		Triggers:   a.sched.Entries(),
		BusDropped: a.bus.Dropped(),
		Storage:    "disabled",
	}
	if d, ok := a.bc.LastFired(); ok {
		h.LastFired = d.String()
	}
	if a.store != nil {
		a.mu.Lock()
		h.Storage = a.resolved.Storage.Driver
		a.mu.Unlock()
	}
	if a.sup != nil {
		h.Uptime = time.Since(a.started).Truncate(time.Second).String()
		h.Supervisor = a.sup.Snapshot()
		if a.sup.Err() != nil {
			h.Status = "degraded"
		}
	}
	return h
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// No new ticks, then let started broadcasts finish their sends.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("broadcasts", 5*time.Second, a.bc.Wait)
	step("web.jobs", 5*time.Second, a.hub.Wait)

	// Supervised goroutines: web server shutdown, messenger, config watch/reload.
	a.mu.Lock()
	grace := a.resolved.ShutdownTimeout + 2*time.Second
	a.mu.Unlock()
	step("supervisor", grace, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped",
		logx.Time("started", a.started),
		logx.Uint64("bus_dropped", a.bus.Dropped()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
