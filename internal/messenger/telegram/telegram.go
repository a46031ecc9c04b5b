// Package telegram is the Telegram Bot API messenger driver.
//
// Recipients are chat IDs, optionally with a forum topic: "-1001234567890:42".
// Sending /start (or /id) to the bot replies with the recipient string for that chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"dailycast/internal/broadcast"
	"dailycast/internal/messenger"
	logx "dailycast/pkg/logx"
)

// maxMessageRunes is the Bot API text limit.
const maxMessageRunes = 4096

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RequestTimeout bounds every Bot API call, including the long poll.
	// Set it no longer than the broadcast send timeout. Default 30s.
	RequestTimeout time.Duration
	// ProbeInterval re-checks the token with getMe. Default 1m.
	ProbeInterval time.Duration
	// URL overrides the Bot API endpoint (tests).
	URL string
}

type Driver struct {
	cfg Config
	log logx.Logger

	mu  sync.RWMutex
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "messenger.telegram"))
	// getUpdates must answer inside the client timeout.
	if cfg.PollTimeout >= cfg.RequestTimeout {
		poll := cfg.RequestTimeout / 2
		log.Warn("poll timeout clamped below request timeout",
			logx.Duration("poll_timeout", cfg.PollTimeout),
			logx.Duration("request_timeout", cfg.RequestTimeout),
			logx.Duration("using", poll))
		cfg.PollTimeout = poll
	}
	return &Driver{cfg: cfg, log: log}, nil
}

func (d *Driver) Name() string { return "telegram" }

// Run validates the token (getMe), starts long polling and probes the API
// until ctx is done or a probe fails.
func (d *Driver) Run(ctx context.Context, lc messenger.Lifecycle) error {
	b, err := tele.NewBot(tele.Settings{
		Token:  d.cfg.Token,
		URL:    d.cfg.URL,
		Client: &http.Client{Timeout: d.cfg.RequestTimeout},
		Poller: &tele.LongPoller{Timeout: d.cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			d.log.Warn("bot error", logx.Err(err))
		},
	})
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}
	b.Handle("/start", d.handleWhoami)
	b.Handle("/id", d.handleWhoami)

	d.mu.Lock()
	d.bot = b
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.bot = nil
		d.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start() // blocks until Stop
	}()
	d.log.Info("polling started", logx.String("bot", b.Me.Username))
	lc.Ready()

	runErr := d.probe(ctx, b)

	// telebot's Stop waits for the poller; keep shutdown snappy if getUpdates is mid long-poll.
	go b.Stop()
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case <-done:
		d.log.Info("polling stopped")
	case <-t.C:
		d.log.Warn("telegram stop grace elapsed; continuing")
	}
	return runErr
}

func (d *Driver) probe(ctx context.Context, b *tele.Bot) error {
	tk := time.NewTicker(d.cfg.ProbeInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			if _, err := b.Raw("getMe", nil); err != nil {
				return fmt.Errorf("telegram probe: %w", err)
			}
		}
	}
}

func (d *Driver) handleWhoami(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil {
		return nil
	}
	id := FormatRecipient(m.Chat.ID, m.ThreadID)
	d.log.Info("recipient discovered", logx.String("recipient", id), logx.String("chat_type", string(m.Chat.Type)))
	return c.Reply(fmt.Sprintf("Recipient id for this chat: %s", id))
}

// Send delivers body to recipient, split into Bot API sized chunks. telebot
// calls take no context; each chunk is bounded by RequestTimeout instead.
func (d *Driver) Send(ctx context.Context, recipient, body string) error {
	chatID, threadID, err := ParseRecipient(recipient)
	if err != nil {
		return &broadcast.SendFailure{Kind: broadcast.Rejected, Recipient: recipient, Reason: err.Error(), Err: err}
	}
	d.mu.RLock()
	b := d.bot
	d.mu.RUnlock()
	if b == nil {
		return &broadcast.SendFailure{Kind: broadcast.NotConnected, Recipient: recipient, Reason: "telegram bot not running", Err: broadcast.ErrNotConnected}
	}
	chat := &tele.Chat{ID: chatID}
	opt := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	for _, part := range SplitText(body, maxMessageRunes) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.Send(chat, part, opt); err != nil {
			return err
		}
	}
	return nil
}

// ParseRecipient parses "chatID" or "chatID:threadID".
func ParseRecipient(s string) (chatID int64, threadID int, err error) {
	raw := strings.TrimSpace(s)
	idPart, threadPart, hasThread := strings.Cut(raw, ":")
	chatID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram chat id %q", s)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID <= 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread id in %q", s)
		}
	}
	return chatID, threadID, nil
}

func FormatRecipient(chatID int64, threadID int) string {
	if threadID > 0 {
		return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

// SplitText cuts s into parts of at most limit runes, preferring newline
// boundaries. An empty body yields one empty part.
func SplitText(s string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var out []string
	for utf8.RuneCountInString(s) > limit {
		cut := byteIndexOfRune(s, limit)
		if nl := strings.LastIndexByte(s[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func byteIndexOfRune(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}
