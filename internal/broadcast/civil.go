package broadcast

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// Convert translates a local wall-clock time into reference time by adding
// offsetMinutes and reducing modulo one day. Both underflow and overflow wrap.
//
// Convert(8, 15, -330) == (2, 45).
func Convert(hour, minute, offsetMinutes int) (refHour, refMinute int) {
	total := (hour*60 + minute + offsetMinutes) % minutesPerDay
	if total < 0 {
		total += minutesPerDay
	}
	return total / 60, total % 60
}

// ParseOffset parses a signed civil offset ("-05:30", "+0530", "5:30", "0")
// into minutes. Hours must be in [0,23] and minutes in [0,59].
func ParseOffset(s string) (int, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty offset")
	}
	sign := 1
	switch raw[0] {
	case '-':
		sign = -1
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}

	var hh, mm string
	switch {
	case strings.Contains(raw, ":"):
		parts := strings.SplitN(raw, ":", 2)
		hh, mm = parts[0], parts[1]
	case len(raw) == 4:
		hh, mm = raw[:2], raw[2:]
	case len(raw) <= 2:
		hh, mm = raw, "0"
	default:
		return 0, fmt.Errorf("invalid offset %q: want ±HH:MM", s)
	}

	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid offset %q: hours must be 0..23", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid offset %q: minutes must be 0..59", s)
	}
	return sign * (h*60 + m), nil
}

// FormatOffset renders minutes as ±HH:MM.
func FormatOffset(minutes int) string {
	sign := '+'
	if minutes < 0 {
		sign = '-'
		minutes = -minutes
	}
	return fmt.Sprintf("%c%02d:%02d", sign, minutes/60, minutes%60)
}

// CivilDate is a calendar date without a time of day. The zero value means "never".
type CivilDate struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the civil date of t in t's own location.
func DateOf(t time.Time) CivilDate {
	y, m, d := t.Date()
	return CivilDate{Year: y, Month: m, Day: d}
}

func (d CivilDate) IsZero() bool { return d == CivilDate{} }

func (d CivilDate) String() string {
	if d.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// ParseCivilDate parses YYYY-MM-DD.
func ParseCivilDate(s string) (CivilDate, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return CivilDate{}, fmt.Errorf("parse civil date: %w", err)
	}
	return DateOf(t), nil
}
