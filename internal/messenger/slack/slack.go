// Package slack is the Slack Web API messenger driver. Recipients are
// channel IDs (C…), user IDs (U…, delivered as a DM) or channel names.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"dailycast/internal/broadcast"
	"dailycast/internal/messenger"
	logx "dailycast/pkg/logx"
)

type Config struct {
	Token         string
	ProbeInterval time.Duration // default 1m
	// APIURL overrides the Web API base, e.g. "http://127.0.0.1:1234/api/" (tests).
	APIURL string
}

type Driver struct {
	cfg Config
	log logx.Logger

	mu  sync.RWMutex
	api *slack.Client
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{cfg: cfg, log: log.With(logx.String("comp", "messenger.slack"))}, nil
}

func (d *Driver) Name() string { return "slack" }

func (d *Driver) client() *slack.Client {
	opts := []slack.Option{}
	if d.cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(d.cfg.APIURL))
	}
	return slack.New(strings.TrimSpace(d.cfg.Token), opts...)
}

// Run checks the token with auth.test and re-checks it every ProbeInterval.
func (d *Driver) Run(ctx context.Context, lc messenger.Lifecycle) error {
	api := d.client()
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	d.log.Info("slack connected", logx.String("team", resp.Team), logx.String("user", resp.User))

	d.mu.Lock()
	d.api = api
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.api = nil
		d.mu.Unlock()
	}()
	lc.Ready()

	tk := time.NewTicker(d.cfg.ProbeInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			if _, err := api.AuthTestContext(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("slack probe: %w", err)
			}
		}
	}
}

func (d *Driver) Send(ctx context.Context, recipient, body string) error {
	channel := strings.TrimSpace(recipient)
	if channel == "" {
		return &broadcast.SendFailure{Kind: broadcast.Rejected, Recipient: recipient, Reason: "empty channel"}
	}
	d.mu.RLock()
	api := d.api
	d.mu.RUnlock()
	if api == nil {
		return &broadcast.SendFailure{Kind: broadcast.NotConnected, Recipient: recipient, Reason: "slack session not running", Err: broadcast.ErrNotConnected}
	}
	_, _, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(body, false))
	if err != nil {
		var rl *slack.RateLimitedError
		if errors.As(err, &rl) {
			return fmt.Errorf("rate limited, retry after %s: %w", rl.RetryAfter, err)
		}
		return err
	}
	return nil
}
