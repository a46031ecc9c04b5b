package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"dailycast/internal/config"
	"dailycast/internal/storage"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeConfig writes a console-driver config rooted in dir and returns its path.
func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	writeFile(t, p, `server:
  addr: "127.0.0.1:0"
  shutdown_timeout: 2s
schedule:
  file: "`+filepath.Join(dir, "schedule.json")+`"
  offset: "-05:30"
  tick: 30s
messenger:
  driver: console
  rate_per_sec: 100
logging:
  level: ERROR
  console: false
`+extra)
	return p
}

func TestCheckPrintsReferenceTime(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	writeFile(t, filepath.Join(dir, "schedule.json"),
		`{"recipients":["a","b"],"messageBody":"hi","localHour":8,"localMinute":15}`)

	var out bytes.Buffer
	if err := Check(cfg, &out); err != nil {
		t.Fatalf("Check: %v", err)
	}
	for _, want := range []string{
		"recipients:  2",
		"local time:  08:15 (offset -05:30)",
		"reference:   02:45 UTC",
		"storage:     disabled",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckLegacyScheduleFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	writeFile(t, filepath.Join(dir, "schedule.json"),
		`{"contacts":["x"],"message":"m","scheduledTime":{"hour":0,"minute":10}}`)

	var out bytes.Buffer
	if err := Check(cfg, &out); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !strings.Contains(out.String(), "reference:   18:40 UTC") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestCheckRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		extra    string
		edit     func(string) string
		schedule string
	}{
		{name: "hour out of range", schedule: `{"localHour":24,"localMinute":0}`},
		{name: "corrupt schedule", schedule: `{"localHour":`},
		{name: "unknown storage driver", extra: "storage:\n  driver: bogus\n  path: x\n"},
		{name: "fire state without storage", edit: func(s string) string {
			return strings.Replace(s, "  tick: 30s\n", "  tick: 30s\n  persist_fire_state: true\n", 1)
		}},
		{name: "tick slower than a minute", edit: func(s string) string {
			return strings.Replace(s, "  tick: 30s\n", "  tick: 2m\n", 1)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfg := writeConfig(t, dir, tc.extra)
			if tc.edit != nil {
				b, err := os.ReadFile(cfg)
				if err != nil {
					t.Fatalf("read: %v", err)
				}
				writeFile(t, cfg, tc.edit(string(b)))
			}
			if tc.schedule != "" {
				writeFile(t, filepath.Join(dir, "schedule.json"), tc.schedule)
			}
			if err := Check(cfg, &bytes.Buffer{}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSendNowConsole(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	writeFile(t, filepath.Join(dir, "schedule.json"),
		`{"recipients":["a"," ","b"],"messageBody":"hello","localHour":8,"localMinute":15}`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	sum, err := SendNow(ctx, cfg, &out)
	if err != nil {
		t.Fatalf("SendNow: %v", err)
	}
	if sum.Total != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := strings.Count(out.String(), "[success]"); got != 2 {
		t.Fatalf("success lines = %d:\n%s", got, out.String())
	}
}

func startApp(t *testing.T, extra string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := writeConfig(t, dir, extra)
	writeFile(t, filepath.Join(dir, "schedule.json"),
		`{"recipients":["a","b"],"messageBody":"hello","localHour":8,"localMinute":15}`)

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopAppStop)
		cancel()
	})

	deadline := time.Now().Add(5 * time.Second)
	for a.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("dashboard never started listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if err := a.session.WaitReady(rctx); err != nil {
		t.Fatalf("messenger not ready: %v", err)
	}
	return a, "http://" + a.Addr()
}

func TestAppServesAndRecordsHistory(t *testing.T) {
	t.Parallel()
	a, base := startApp(t, "storage:\n  driver: file\n  path: \""+filepath.Join(t.TempDir(), "dailycast.db")+"\"\n")

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var h struct {
		Status    string `json:"status"`
		Storage   string `json:"storage"`
		Messenger struct {
			State string `json:"state"`
		} `json:"messenger"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&h)
	resp.Body.Close()
	if h.Status != "ok" || h.Storage != "file" || h.Messenger.State != "ready" {
		t.Fatalf("health = %+v", h)
	}

	if _, err := a.Broadcast().RunBroadcast(context.Background()); err != nil {
		t.Fatalf("RunBroadcast: %v", err)
	}
	// Outcomes are written before RunBroadcast returns.
	resp, err = http.Get(base + "/api/history?limit=10")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var recs []storage.DeliveryRecord
	_ = json.NewDecoder(resp.Body).Decode(&recs)
	resp.Body.Close()
	if len(recs) != 2 {
		t.Fatalf("history = %+v, want 2 records", recs)
	}
	if !recs[0].OK || recs[0].Trigger != "manual" || recs[0].Recipient != "b" {
		t.Fatalf("record = %+v", recs[0])
	}
}

func TestApplyConfigUpdatesLiveSettings(t *testing.T) {
	t.Parallel()
	a, _ := startApp(t, "")

	next, err := a.cfgm.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	next.Schedule.Offset = "+00:00"
	next.Schedule.Tick = "15s"
	next.Messenger.Driver = "console"
	if err := a.applyConfig(next); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	sch := a.Broadcast().Schedule()
	if sch.ReferenceHour != 8 || sch.ReferenceMinute != 15 {
		t.Fatalf("reference = %02d:%02d, want 08:15", sch.ReferenceHour, sch.ReferenceMinute)
	}
	entries := a.sched.Entries()
	if len(entries) != 1 || entries[0].Spec != "@every 15s" {
		t.Fatalf("entries = %+v", entries)
	}

	bad := *next
	bad.Schedule.Offset = "nope"
	if err := a.applyConfig(&bad); err == nil {
		t.Fatalf("expected invalid offset to be rejected")
	}
	if got := a.Broadcast().Offset(); got != 0 {
		t.Fatalf("offset changed to %d after rejected config", got)
	}
}

func TestRestartRequired(t *testing.T) {
	t.Parallel()
	base := config.Resolved{Addr: ":3000", Driver: "console"}
	next := base
	next.Driver = "telegram"
	next.TelegramToken = "t"
	next.Storage = storage.Config{Driver: "sqlite", Path: "x.db"}
	next.OffsetMinutes = 60

	got := restartRequired(base, next)
	want := []string{"messenger.driver", "messenger.telegram", "storage"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("restartRequired = %v, want %v", got, want)
	}
	tg := config.Resolved{Driver: "telegram", TelegramToken: "t", SendTimeout: 30 * time.Second}
	tgNext := tg
	tgNext.SendTimeout = 10 * time.Second
	if got := restartRequired(tg, tgNext); !reflect.DeepEqual(got, []string{"messenger.telegram"}) {
		t.Fatalf("telegram send_timeout change = %v", got)
	}
	if got := restartRequired(base, base); len(got) != 0 {
		t.Fatalf("unchanged config reported %v", got)
	}
}
