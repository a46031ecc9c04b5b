package slack

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dailycast/internal/broadcast"
	logx "dailycast/pkg/logx"
)

type lifecycleRecorder struct {
	ready chan struct{}
	once  sync.Once
}

func (r *lifecycleRecorder) QR(string)           {}
func (r *lifecycleRecorder) Ready()              { r.once.Do(func() { close(r.ready) }) }
func (r *lifecycleRecorder) Disconnected(string) {}

type fakeSlack struct {
	mu       sync.Mutex
	posts    []string // channel|text
	authFail bool
}

func (f *fakeSlack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/auth.test"):
		f.mu.Lock()
		fail := f.authFail
		f.mu.Unlock()
		if fail {
			_, _ = w.Write([]byte(`{"ok":false,"error":"invalid_auth"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"url":"https://t.slack.com/","team":"T","user":"dailycast","team_id":"T1","user_id":"U1"}`))
	case strings.HasSuffix(r.URL.Path, "/chat.postMessage"):
		ch := r.FormValue("channel")
		if ch == "C404" {
			_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
			return
		}
		f.mu.Lock()
		f.posts = append(f.posts, ch+"|"+r.FormValue("text"))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"channel":"` + ch + `","ts":"1.000"}`))
	default:
		http.NotFound(w, r)
	}
}

func startDriver(t *testing.T, f *fakeSlack, probe time.Duration) (*Driver, context.CancelFunc, <-chan error) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	d, err := New(Config{Token: "xoxb-test", ProbeInterval: probe, APIURL: srv.URL + "/api/"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec := &lifecycleRecorder{ready: make(chan struct{})}
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx, rec) }()
	select {
	case <-rec.ready:
	case err := <-runErr:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("never ready")
	}
	return d, cancel, runErr
}

func TestDriverPostsMessages(t *testing.T) {
	t.Parallel()
	f := &fakeSlack{}
	d, cancel, runErr := startDriver(t, f, time.Hour)

	if err := d.Send(context.Background(), "C123", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := d.Send(context.Background(), "C404", "hello"); err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("Send to missing channel = %v", err)
	}
	f.mu.Lock()
	posts := append([]string(nil), f.posts...)
	f.mu.Unlock()
	if len(posts) != 1 || posts[0] != "C123|hello" {
		t.Fatalf("posts = %v", posts)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if err := d.Send(context.Background(), "C123", "late"); !errors.Is(err, broadcast.ErrNotConnected) {
		t.Fatalf("send after stop = %v", err)
	}
}

func TestDriverProbeFailureEndsRun(t *testing.T) {
	t.Parallel()
	f := &fakeSlack{}
	_, _, runErr := startDriver(t, f, 20*time.Millisecond)
	f.mu.Lock()
	f.authFail = true
	f.mu.Unlock()
	select {
	case err := <-runErr:
		if err == nil || !strings.Contains(err.Error(), "probe") {
			t.Fatalf("Run = %v, want probe error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("probe failure not detected")
	}
}

func TestDriverAuthFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeSlack{authFail: true})
	defer srv.Close()
	d, _ := New(Config{Token: "xoxb-bad", APIURL: srv.URL + "/api/"}, logx.Nop())
	if err := d.Run(context.Background(), &lifecycleRecorder{ready: make(chan struct{})}); err == nil {
		t.Fatalf("expected auth error")
	}
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected empty token error")
	}
}
