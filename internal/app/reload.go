package app

import (
	"context"
	"sort"
	"strings"

	"dailycast/internal/config"
	"dailycast/internal/task/scheduler"
	logx "dailycast/pkg/logx"
)

// startConfigReload applies hot-reloaded configs to the running components.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				if newCfg == nil {
					continue
				}
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				if err := a.applyConfig(newCfg); err != nil {
					a.log.Warn("config rejected; keeping previous", logx.Err(err))
					continue
				}
				lastApplied = newCfg
				fields := append([]logx.Field{
					logx.String("path", a.cfgm.Path()),
					logx.String("changed", strings.Join(sections, ",")),
				}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

// applyConfig pushes the live-tunable settings of cfg into the running
// components. Settings that need a new process are reported, not applied.
func (a *App) applyConfig(cfg *Config) error {
	next, err := cfg.Resolve()
	if err != nil {
		return err
	}
	a.mu.Lock()
	prev := a.resolved
	a.mu.Unlock()

	a.logs.Apply(next.Logging)
	a.bc.SetOffset(next.OffsetMinutes)
	a.bc.SetSendTimeout(next.SendTimeout)
	a.session.SetRate(next.RatePerSec)

	if next.Location.String() != prev.Location.String() {
		a.loc.Store(next.Location)
		a.sched.Apply(scheduler.Config{Timezone: next.Location.String()})
	}
	if next.Tick != prev.Tick {
		if err := a.sched.Register(tickEntry, next.Tick, a.tick); err != nil {
			// Resolve validated the tick, so this only fires on a parser mismatch.
			a.log.Warn("tick not applied", logx.String("tick", next.Tick), logx.Err(err))
			next.Tick = prev.Tick
		}
	}

	if pending := restartRequired(prev, next); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("path", a.cfgm.Path()), logx.Strings("fields", pending))
	}

	a.mu.Lock()
	a.resolved = next
	a.mu.Unlock()
	return nil
}

// restartRequired lists settings that are only read at startup.
func restartRequired(prev, next config.Resolved) []string {
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("server.addr", prev.Addr != next.Addr)
	check("server.static_dir", prev.StaticDir != next.StaticDir)
	check("server.pprof", prev.Pprof != next.Pprof)
	check("schedule.file", prev.ScheduleFile != next.ScheduleFile)
	check("schedule.persist_fire_state", prev.PersistFireState != next.PersistFireState)
	check("messenger.driver", prev.Driver != next.Driver)
	check("messenger.reconnect_backoff_max", prev.ReconnectBackoffMax != next.ReconnectBackoffMax)
	// The Bot API client timeout is fixed from send_timeout when the driver starts.
	check("messenger.telegram", prev.TelegramToken != next.TelegramToken ||
		prev.TelegramPollTimeout != next.TelegramPollTimeout ||
		(next.Driver == "telegram" && prev.SendTimeout != next.SendTimeout))
	check("messenger.slack", prev.SlackToken != next.SlackToken || prev.SlackProbeInterval != next.SlackProbeInterval)
	check("storage", prev.Storage != next.Storage)
	sort.Strings(out)
	return out
}
