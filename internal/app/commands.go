package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"dailycast/internal/broadcast"
	"dailycast/internal/config"
	"dailycast/internal/eventbus"
	"dailycast/internal/messenger"
	"dailycast/internal/messenger/console"
	"dailycast/internal/storage"
	logx "dailycast/pkg/logx"
)

const sendNowReconnects = 3

// Check validates the config at cfgPath and the schedule file it points to,
// then prints the effective local and reference send times to w.
func Check(cfgPath string, w io.Writer) error {
	cfg, err := NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}
	sch, found, err := loadSchedule(r, logx.Nop())
	if err != nil {
		return err
	}

	src := "defaults (file not found)"
	if found {
		src = "file"
	}
	store := "disabled"
	if r.StorageEnabled() {
		store = r.Storage.Driver + " " + r.Storage.Path
	}
	fmt.Fprintf(w, "config:      %s ok\n", cfgPath)
	fmt.Fprintf(w, "driver:      %s\n", r.Driver)
	fmt.Fprintf(w, "schedule:    %s (%s)\n", r.ScheduleFile, src)
	fmt.Fprintf(w, "recipients:  %d\n", len(sch.Recipients))
	fmt.Fprintf(w, "local time:  %02d:%02d (offset %s)\n", sch.LocalHour, sch.LocalMinute, broadcast.FormatOffset(r.OffsetMinutes))
	fmt.Fprintf(w, "reference:   %02d:%02d %s\n", sch.ReferenceHour, sch.ReferenceMinute, r.Location)
	fmt.Fprintf(w, "tick:        %s\n", r.Tick)
	fmt.Fprintf(w, "storage:     %s\n", store)
	return nil
}

// loadSchedule reads and validates the schedule file, deriving the reference time.
func loadSchedule(r config.Resolved, log logx.Logger) (broadcast.Schedule, bool, error) {
	initial, found, err := storage.NewScheduleFile(r.ScheduleFile, log).Load(r.Defaults)
	if err != nil {
		return broadcast.Schedule{}, found, err
	}
	bc, err := broadcast.New(broadcast.Config{OffsetMinutes: r.OffsetMinutes}, initial,
		broadcast.Deps{Sender: console.New(log)}, log)
	if err != nil {
		return broadcast.Schedule{}, found, fmt.Errorf("schedule %s: %w", r.ScheduleFile, err)
	}
	return bc.Schedule(), found, nil
}

// SendNow connects the configured messenger, waits until it is ready and
// runs one manual broadcast. Progress is written to w. The returned error is
// non-nil when the broadcast could not run or any recipient failed.
func SendNow(ctx context.Context, cfgPath string, w io.Writer) (broadcast.Summary, error) {
	cfg, err := NewConfigManager(cfgPath).Parse()
	if err != nil {
		return broadcast.Summary{}, err
	}
	r, err := cfg.Resolve()
	if err != nil {
		return broadcast.Summary{}, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(r.Logging)
	defer func() { _ = logSvc.Close() }()

	sch, _, err := loadSchedule(r, log.With(logx.String("comp", "schedule")))
	if err != nil {
		return broadcast.Summary{}, err
	}
	driver, err := newDriver(r, log)
	if err != nil {
		return broadcast.Summary{}, err
	}

	sup := NewSupervisor(ctx, WithLogger(log))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(sctx)
	}()

	// One-shot: a few reconnects, then report the driver error instead of retrying.
	session := messenger.NewSession(messenger.Config{
		RatePerSec:          r.RatePerSec,
		ReconnectBackoffMax: r.ReconnectBackoffMax,
		MaxReconnects:       sendNowReconnects,
	}, driver, eventbus.New(), log)
	session.Start(sup)

	wctx, cancel := context.WithTimeout(ctx, r.ReadyTimeout)
	err = session.WaitReady(wctx)
	cancel()
	if err != nil {
		st := session.Status()
		if supErr := sup.Err(); supErr != nil {
			err = supErr
		}
		return broadcast.Summary{}, fmt.Errorf("messenger %s not ready after %s (%s): %w", st.Driver, r.ReadyTimeout, st.Reason, err)
	}

	bc, err := broadcast.New(broadcast.Config{
		OffsetMinutes: r.OffsetMinutes,
		SendTimeout:   r.SendTimeout,
	}, sch, broadcast.Deps{
		Clock:  broadcast.SystemClock{Location: r.Location},
		Sender: session,
		Sink: broadcast.SinkFunc(func(e broadcast.Event) {
			fmt.Fprintf(w, "[%s] %s\n", e.Level, e.Message)
		}),
	}, log.With(logx.String("comp", "broadcast")))
	if err != nil {
		return broadcast.Summary{}, err
	}

	sum, err := bc.RunBroadcast(ctx)
	if err != nil {
		return sum, err
	}
	if sum.Failed > 0 {
		return sum, fmt.Errorf("%d of %d recipients failed", sum.Failed, sum.Total)
	}
	return sum, nil
}
