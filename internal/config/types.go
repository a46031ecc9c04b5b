package config

// Config is the daemon configuration file (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
// Empty values take the defaults documented per field; see Resolve.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Messenger MessengerConfig `json:"messenger"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

// ServerConfig controls the dashboard HTTP server.
type ServerConfig struct {
	Addr string `json:"addr"` // default ":3000"
	// StaticDir serves the dashboard from disk instead of the embedded page.
	StaticDir       string `json:"static_dir,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // default "10s"
	// Pprof mounts net/http/pprof under /debug/pprof/ on the dashboard listener.
	Pprof bool `json:"pprof,omitempty"`
}

// ScheduleConfig controls the daily broadcast.
type ScheduleConfig struct {
	// File is the JSON schedule written on every accepted update. Default "./data/schedule.json".
	File string `json:"file"`
	// Offset is added to local send time to get reference time, as ±HH:MM.
	// Default "-05:30" (local time is UTC+05:30, the clock runs in UTC).
	Offset string `json:"offset"`
	// ReferenceTimezone is the IANA zone the process clock is read in. Default "UTC".
	ReferenceTimezone string `json:"reference_timezone"`
	// Tick is the trigger driving the fire check: a cron spec or an interval.
	// It must land inside every minute. Default "30s".
	Tick        string `json:"tick"`
	SendTimeout string `json:"send_timeout"` // default "30s"
	// PersistFireState keeps the last fired date across restarts (requires storage).
	PersistFireState bool             `json:"persist_fire_state,omitempty"`
	Defaults         ScheduleDefaults `json:"defaults"`
}

// ScheduleDefaults seed the schedule when the schedule file is missing or partial.
type ScheduleDefaults struct {
	Recipients  []string `json:"recipients"`
	MessageBody string   `json:"message_body"`
	LocalHour   *int     `json:"local_hour,omitempty"`   // default 8
	LocalMinute *int     `json:"local_minute,omitempty"` // default 15
}

// MessengerConfig selects and tunes the messenger driver.
//
// Driver values:
//   - "telegram": Telegram Bot API (recipients are chat IDs, optionally "chatID:threadID")
//   - "slack": Slack Web API (recipients are channel or user IDs)
//   - "console": writes messages to the log (dry run)
type MessengerConfig struct {
	Driver              string         `json:"driver"`                          // default "console"
	RatePerSec          float64        `json:"rate_per_sec,omitempty"`          // default 1
	ReconnectBackoffMax string         `json:"reconnect_backoff_max,omitempty"` // default "1m"
	ReadyTimeout        string         `json:"ready_timeout,omitempty"`         // default "30s"; used by send-now
	Telegram            TelegramConfig `json:"telegram"`
	Slack               SlackConfig    `json:"slack"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout. Default "10s".
	PollTimeout string `json:"poll_timeout"`
}

type SlackConfig struct {
	Token string `json:"token"`
	// ProbeInterval is how often auth.test re-checks the session. Default "1m".
	ProbeInterval string `json:"probe_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls delivery history and markers.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/dailycast.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
