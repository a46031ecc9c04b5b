package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

func (k SpecKind) String() string {
	if k == SpecInterval {
		return "interval"
	}
	return "cron"
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 * * * * *" (with seconds), "@hourly", "@every 30s"
//   - Interval duration: "30s", "1m"
//   - Interval MM:SS: "00:30" (30 seconds)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "mmss"
}

// String renders the spec in a form robfig/cron accepts.
func (p ParsedSpec) String() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

// Schedule resolves the spec into a cron.Schedule using parser for cron expressions.
func (p ParsedSpec) Schedule(parser cron.Parser) (cron.Schedule, error) {
	if p.Kind == SpecInterval {
		return cron.Every(p.Every), nil
	}
	sch, err := parser.Parse(p.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", p.Cron, err)
	}
	return sch, nil
}

var reMMSS = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into either a cron expression or an interval duration.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(s[len("every:"):])
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	if spec, err := parseIntervalSpec(s); err == nil {
		return spec, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 * * * * *', MM:SS like '00:30', or duration like '30s')",
		raw,
	)
}

func parseIntervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if m := reMMSS.FindStringSubmatch(v); m != nil {
		mm, _ := strconv.Atoi(m[1])
		ss, _ := strconv.Atoi(m[2])
		if ss > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid seconds in %q", v)
		}
		d := time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "mmss"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use MM:SS or Go duration like '30s')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

// CoversEveryMinute reports whether sch triggers at least once inside every
// wall-clock minute of the day starting at from. Interval specs qualify when
// their period is shorter than a minute.
func CoversEveryMinute(sch cron.Schedule, from time.Time) bool {
	if every, ok := sch.(cron.ConstantDelaySchedule); ok {
		return every.Delay < time.Minute
	}
	start := from.Truncate(time.Minute)
	end := start.Add(24 * time.Hour)
	seen := make(map[int64]struct{}, 24*60)
	for t := sch.Next(start.Add(-time.Nanosecond)); !t.IsZero() && t.Before(end); t = sch.Next(t) {
		seen[t.Unix()/60] = struct{}{}
	}
	return len(seen) == 24*60
}
