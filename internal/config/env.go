package config

import (
	"os"
	"strings"
)

// Environment variables that override the config file. Secrets are usually
// supplied this way (optionally through a .env file).
const (
	EnvAddr          = "DAILYCAST_ADDR"
	EnvTelegramToken = "DAILYCAST_TELEGRAM_TOKEN"
	EnvSlackToken    = "DAILYCAST_SLACK_TOKEN"
	EnvLogLevel      = "DAILYCAST_LOG_LEVEL"
)

// applyEnvOverrides copies non-empty environment values over cfg.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvAddr, &cfg.Server.Addr)
	set(EnvTelegramToken, &cfg.Messenger.Telegram.Token)
	set(EnvSlackToken, &cfg.Messenger.Slack.Token)
	set(EnvLogLevel, &cfg.Logging.Level)
}
