package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"dailycast/internal/broadcast"
	logx "dailycast/pkg/logx"
)

type lifecycleRecorder struct {
	ready chan struct{}
	once  sync.Once
}

func newRecorder() *lifecycleRecorder { return &lifecycleRecorder{ready: make(chan struct{})} }

func (r *lifecycleRecorder) QR(string)           {}
func (r *lifecycleRecorder) Ready()              { r.once.Do(func() { close(r.ready) }) }
func (r *lifecycleRecorder) Disconnected(string) {}

// fakeBotAPI serves the handful of Bot API methods the driver uses.
type fakeBotAPI struct {
	mu       sync.Mutex
	sent     []map[string]any
	badToken bool
	// stall, when set, holds sendMessage until the client gives up or it is closed.
	stall chan struct{}
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		if f.badToken {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Daily","username":"daily_bot"}}`))
	case "getUpdates":
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	case "sendMessage":
		if f.stall != nil {
			select {
			case <-r.Context().Done():
			case <-f.stall:
			}
			return
		}
		var params map[string]any
		_ = json.NewDecoder(r.Body).Decode(&params)
		f.mu.Lock()
		f.sent = append(f.sent, params)
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
	default:
		_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
	}
}

func (f *fakeBotAPI) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func TestDriverSendsAfterReady(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	d, err := New(Config{Token: "123:abc", PollTimeout: time.Second, URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Send(context.Background(), "42", "early"); !errors.Is(err, broadcast.ErrNotConnected) {
		t.Fatalf("send before run = %v, want not connected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx, rec) }()

	select {
	case <-rec.ready:
	case err := <-runErr:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("driver never became ready")
	}

	if err := d.Send(context.Background(), "42:7", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := api.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if fmt.Sprint(msgs[0]["chat_id"]) != "42" || fmt.Sprint(msgs[0]["message_thread_id"]) != "7" || msgs[0]["text"] != "hello" {
		t.Fatalf("unexpected payload %v", msgs[0])
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestSendBoundedByRequestTimeout(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{stall: make(chan struct{})}
	srv := httptest.NewServer(api)
	defer srv.Close()
	defer close(api.stall)

	d, err := New(Config{Token: "123:abc", PollTimeout: 100 * time.Millisecond, RequestTimeout: 300 * time.Millisecond, URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx, rec) }()
	defer func() {
		cancel()
		<-runErr
	}()
	select {
	case <-rec.ready:
	case err := <-runErr:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("driver never became ready")
	}

	// No caller deadline: only the HTTP client timeout can end this send.
	start := time.Now()
	err = d.Send(context.Background(), "42", "hello")
	if err == nil {
		t.Fatalf("Send to a stalled API succeeded")
	}
	if took := time.Since(start); took > 3*time.Second {
		t.Fatalf("Send took %s, want about the 300ms request timeout", took)
	}
}

func TestNewClampsPollTimeout(t *testing.T) {
	t.Parallel()
	d, err := New(Config{Token: "t", PollTimeout: 10 * time.Second, RequestTimeout: 4 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.cfg.PollTimeout != 2*time.Second {
		t.Fatalf("poll timeout = %s, want 2s", d.cfg.PollTimeout)
	}
}

func TestDriverRejectsBadToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeBotAPI{badToken: true})
	defer srv.Close()

	d, err := New(Config{Token: "bad", URL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Run(context.Background(), newRecorder()); err == nil {
		t.Fatalf("expected connect error")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestParseRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		chat   int64
		thread int
		ok     bool
	}{
		{"42", 42, 0, true},
		{" -1001234567890 ", -1001234567890, 0, true},
		{"-100123:42", -100123, 42, true},
		{"0", 0, 0, false},
		{"abc", 0, 0, false},
		{"42:", 0, 0, false},
		{"42:-1", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		chat, thread, err := ParseRecipient(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseRecipient(%q) err=%v want ok=%v", tt.in, err, tt.ok)
		}
		if tt.ok && (chat != tt.chat || thread != tt.thread) {
			t.Fatalf("ParseRecipient(%q) = %d,%d", tt.in, chat, thread)
		}
		if tt.ok && FormatRecipient(chat, thread) != strings.TrimSpace(tt.in) {
			t.Fatalf("FormatRecipient round trip for %q = %q", tt.in, FormatRecipient(chat, thread))
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := SplitText("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty = %q", got)
	}
	if got := SplitText("short", 10); len(got) != 1 {
		t.Fatalf("short = %q", got)
	}

	got := SplitText("aaaa\nbbbb\ncccc", 10)
	if strings.Join(got, "") != "aaaa\nbbbb\ncccc" {
		t.Fatalf("parts do not reassemble: %q", got)
	}
	if got[0] != "aaaa\nbbbb\n" {
		t.Fatalf("expected newline boundary, got %q", got[0])
	}

	long := strings.Repeat("é", 25)
	parts := SplitText(long, 10)
	if len(parts) != 3 || strings.Join(parts, "") != long {
		t.Fatalf("rune split = %q", parts)
	}
	for _, p := range parts {
		if utf8.RuneCountInString(p) > 10 || !utf8.ValidString(p) {
			t.Fatalf("bad part %q", p)
		}
	}
}
