package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"dailycast/internal/broadcast"
	logx "dailycast/pkg/logx"
)

var testDefaults = broadcast.Schedule{
	Recipients:  []string{"default@c.us"},
	MessageBody: "Good morning!",
	LocalHour:   8,
	LocalMinute: 15,
}

func TestScheduleFileMissingReturnsDefaults(t *testing.T) {
	t.Parallel()

	f := NewScheduleFile(filepath.Join(t.TempDir(), "config.json"), logx.Nop())
	sch, found, err := f.Load(testDefaults)
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if sch.MessageBody != "Good morning!" || sch.LocalHour != 8 || len(sch.Recipients) != 1 {
		t.Fatalf("sch=%+v", sch)
	}
}

func TestScheduleFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	f := NewScheduleFile(path, logx.Nop())
	in := broadcast.Schedule{Recipients: []string{"a", "b"}, MessageBody: "hello", LocalHour: 21, LocalMinute: 5, ReferenceHour: 15, ReferenceMinute: 35}
	if err := f.SaveSchedule(context.Background(), in); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	var raw map[string]any
	b, _ := os.ReadFile(path)
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("saved file is not JSON: %v", err)
	}
	for _, k := range []string{"recipients", "messageBody", "localHour", "localMinute", "referenceHour", "referenceMinute"} {
		if _, ok := raw[k]; !ok {
			t.Fatalf("missing key %q in %s", k, b)
		}
	}

	out, found, err := f.Load(testDefaults)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if out.MessageBody != "hello" || out.LocalHour != 21 || out.LocalMinute != 5 || len(out.Recipients) != 2 {
		t.Fatalf("out=%+v", out)
	}
	if out.ReferenceHour != 0 || out.ReferenceMinute != 0 {
		t.Fatalf("cached reference time must not be trusted: %+v", out)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestScheduleFilePartialMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"messageBody":"only body"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, _, err := NewScheduleFile(path, logx.Nop()).Load(testDefaults)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.MessageBody != "only body" || out.LocalHour != 8 || out.Recipients[0] != "default@c.us" {
		t.Fatalf("out=%+v", out)
	}
}

func TestScheduleFileLegacyLayout(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	legacy := `{"contacts":["918220050175@c.us","x@c.us"],"message":"legacy","scheduledTime":{"hour":7,"minute":45}}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	out, found, err := NewScheduleFile(path, logx.Nop()).Load(testDefaults)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if len(out.Recipients) != 2 || out.MessageBody != "legacy" || out.LocalHour != 7 || out.LocalMinute != 45 {
		t.Fatalf("out=%+v", out)
	}
}

func TestScheduleFileCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, found, err := NewScheduleFile(path, logx.Nop()).Load(testDefaults)
	if err == nil || !found {
		t.Fatalf("expected decode error, found=%v err=%v", found, err)
	}
	if out.MessageBody != testDefaults.MessageBody {
		t.Fatalf("defaults must be returned with the error: %+v", out)
	}
}
