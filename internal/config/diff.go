package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dailycast/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.static_dir_set", strings.TrimSpace(newCfg.Server.StaticDir) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.offset", strings.TrimSpace(newCfg.Schedule.Offset)),
			logx.String("schedule.tick", strings.TrimSpace(newCfg.Schedule.Tick)),
			logx.String("schedule.reference_timezone", strings.TrimSpace(newCfg.Schedule.ReferenceTimezone)),
			logx.String("schedule.send_timeout", strings.TrimSpace(newCfg.Schedule.SendTimeout)),
		)
	}

	om, nm := oldCfg.Messenger, newCfg.Messenger
	if om.Driver != nm.Driver ||
		om.RatePerSec != nm.RatePerSec ||
		om.ReconnectBackoffMax != nm.ReconnectBackoffMax ||
		om.ReadyTimeout != nm.ReadyTimeout ||
		om.Telegram.PollTimeout != nm.Telegram.PollTimeout ||
		om.Slack.ProbeInterval != nm.Slack.ProbeInterval ||
		om.Telegram.Token != nm.Telegram.Token ||
		om.Slack.Token != nm.Slack.Token {
		changed = append(changed, "messenger")
		attrs = append(attrs,
			logx.String("messenger.driver", strings.TrimSpace(nm.Driver)),
			logx.Any("messenger.rate_per_sec", nm.RatePerSec),
			logx.Bool("messenger.telegram.token_set", strings.TrimSpace(nm.Telegram.Token) != ""),
			logx.Bool("messenger.slack.token_set", strings.TrimSpace(nm.Slack.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
