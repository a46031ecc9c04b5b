package app

import (
	"fmt"

	"dailycast/internal/config"
	"dailycast/internal/messenger"
	"dailycast/internal/messenger/console"
	"dailycast/internal/messenger/slack"
	"dailycast/internal/messenger/telegram"
	logx "dailycast/pkg/logx"
)

// newDriver builds the messenger driver named by r.Driver.
func newDriver(r config.Resolved, log logx.Logger) (messenger.Driver, error) {
	switch r.Driver {
	case "telegram":
		return telegram.New(telegram.Config{
			Token:          r.TelegramToken,
			PollTimeout:    r.TelegramPollTimeout,
			RequestTimeout: r.SendTimeout,
		}, log)
	case "slack":
		return slack.New(slack.Config{
			Token:         r.SlackToken,
			ProbeInterval: r.SlackProbeInterval,
		}, log)
	case "console", "":
		return console.New(log), nil
	default:
		return nil, fmt.Errorf("unknown messenger driver %q", r.Driver)
	}
}
