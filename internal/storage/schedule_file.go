package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"dailycast/internal/broadcast"
	logx "dailycast/pkg/logx"
)

// ScheduleFile is the JSON file holding the accepted schedule.
// It implements broadcast.Persister.
type ScheduleFile struct {
	Path string

	mu  sync.Mutex
	log logx.Logger
}

func NewScheduleFile(path string, log logx.Logger) *ScheduleFile {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ScheduleFile{Path: strings.TrimSpace(path), log: log}
}

// scheduleDoc accepts both the canonical layout and the older
// {contacts, message, scheduledTime:{hour,minute}} layout.
type scheduleDoc struct {
	Recipients  *[]string `json:"recipients"`
	MessageBody *string   `json:"messageBody"`
	LocalHour   *int      `json:"localHour"`
	LocalMinute *int      `json:"localMinute"`
	// Cached only; recomputed by the broadcast service.
	ReferenceHour   *int `json:"referenceHour"`
	ReferenceMinute *int `json:"referenceMinute"`

	Contacts      *[]string `json:"contacts"`
	Message       *string   `json:"message"`
	ScheduledTime *struct {
		Hour   *int `json:"hour"`
		Minute *int `json:"minute"`
	} `json:"scheduledTime"`
}

func (d scheduleDoc) legacy() bool {
	return d.Contacts != nil || d.Message != nil || d.ScheduledTime != nil
}

// Load reads the file and merges its fields over defaults. A missing file
// returns defaults with found=false. Reference fields are zeroed; callers
// derive them from the active offset.
func (f *ScheduleFile) Load(defaults broadcast.Schedule) (sch broadcast.Schedule, found bool, err error) {
	sch = defaults.Clone()
	sch.ReferenceHour, sch.ReferenceMinute = 0, 0

	f.mu.Lock()
	b, err := os.ReadFile(f.Path)
	f.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return sch, false, nil
	}
	if err != nil {
		return sch, false, fmt.Errorf("read schedule %s: %w", f.Path, err)
	}

	var doc scheduleDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return sch, true, fmt.Errorf("decode schedule %s: %w", f.Path, err)
	}

	if doc.legacy() {
		f.log.Info("legacy schedule layout detected; it is rewritten on next save", logx.String("path", f.Path))
		if doc.Contacts != nil {
			sch.Recipients = append([]string{}, (*doc.Contacts)...)
		}
		if doc.Message != nil {
			sch.MessageBody = *doc.Message
		}
		if st := doc.ScheduledTime; st != nil {
			if st.Hour != nil {
				sch.LocalHour = *st.Hour
			}
			if st.Minute != nil {
				sch.LocalMinute = *st.Minute
			}
		}
	}
	if doc.Recipients != nil {
		sch.Recipients = append([]string{}, (*doc.Recipients)...)
	}
	if doc.MessageBody != nil {
		sch.MessageBody = *doc.MessageBody
	}
	if doc.LocalHour != nil {
		sch.LocalHour = *doc.LocalHour
	}
	if doc.LocalMinute != nil {
		sch.LocalMinute = *doc.LocalMinute
	}
	return sch, true, nil
}

// SaveSchedule atomically overwrites the file with the canonical layout.
func (f *ScheduleFile) SaveSchedule(ctx context.Context, s broadcast.Schedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeJSONAtomic(f.Path, s.Clone(), 0o644); err != nil {
		return fmt.Errorf("write schedule %s: %w", f.Path, err)
	}
	f.log.Debug("schedule saved", logx.String("path", f.Path), logx.Int("recipients", len(s.Recipients)))
	return nil
}
