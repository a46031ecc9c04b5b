package broadcast

import (
	"testing"
	"time"
)

func TestConvertAllMinutesOfDay(t *testing.T) {
	t.Parallel()

	offsets := []int{0, -330, 330, 345, -720, 840, -59, 59, 1439, -1439, 2880 + 15}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, off := range offsets {
		for mod := 0; mod < minutesPerDay; mod++ {
			h, m := mod/60, mod%60
			rh, rm := Convert(h, m, off)
			want := base.Add(time.Duration(mod+off) * time.Minute)
			if rh != want.Hour() || rm != want.Minute() {
				t.Fatalf("Convert(%d,%d,%d)=%02d:%02d want %02d:%02d", h, m, off, rh, rm, want.Hour(), want.Minute())
			}
			if rh < 0 || rh > 23 || rm < 0 || rm > 59 {
				t.Fatalf("Convert(%d,%d,%d) out of range: %d:%d", h, m, off, rh, rm)
			}
			// Converting back with the negated offset is the identity.
			bh, bm := Convert(rh, rm, -off)
			if bh != h || bm != m {
				t.Fatalf("round trip %02d:%02d off=%d gave %02d:%02d", h, m, off, bh, bm)
			}
		}
	}
}

func TestConvertExamples(t *testing.T) {
	t.Parallel()

	cases := []struct {
		h, m, off int
		rh, rm    int
	}{
		{8, 15, -330, 2, 45},
		{0, 10, -330, 18, 40},
		{23, 50, 330, 5, 20},
		{5, 0, -300, 0, 0},
		{23, 59, 1, 0, 0},
		{0, 0, -1, 23, 59},
	}
	for _, tc := range cases {
		rh, rm := Convert(tc.h, tc.m, tc.off)
		if rh != tc.rh || rm != tc.rm {
			t.Fatalf("Convert(%d,%d,%d)=%d:%d want %d:%d", tc.h, tc.m, tc.off, rh, rm, tc.rh, tc.rm)
		}
	}
}

func TestParseOffset(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"-05:30", -330, false},
		{"+05:30", 330, false},
		{"05:30", 330, false},
		{"-0530", -330, false},
		{"+5", 300, false},
		{"0", 0, false},
		{" -00:45 ", -45, false},
		{"", 0, true},
		{"24:00", 0, true},
		{"05:60", 0, true},
		{"abc", 0, true},
		{"-5:3x", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseOffset(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseOffset(%q) expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseOffset(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseOffset(%q)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatOffset(t *testing.T) {
	t.Parallel()

	for _, off := range []int{-330, 330, 0, -45, 840} {
		s := FormatOffset(off)
		back, err := ParseOffset(s)
		if err != nil || back != off {
			t.Fatalf("FormatOffset(%d)=%q parsed back to %d (%v)", off, s, back, err)
		}
	}
	if got := FormatOffset(-330); got != "-05:30" {
		t.Fatalf("FormatOffset(-330)=%q", got)
	}
}

func TestCivilDate(t *testing.T) {
	t.Parallel()

	var zero CivilDate
	if !zero.IsZero() || zero.String() != "never" {
		t.Fatalf("zero date: %v %q", zero.IsZero(), zero.String())
	}
	d := DateOf(time.Date(2024, 1, 2, 23, 59, 0, 0, time.UTC))
	if d.String() != "2024-01-02" {
		t.Fatalf("String()=%q", d.String())
	}
	back, err := ParseCivilDate("2024-01-02")
	if err != nil || back != d {
		t.Fatalf("ParseCivilDate: %v %v", back, err)
	}
	if _, err := ParseCivilDate("yesterday"); err == nil {
		t.Fatalf("expected parse error")
	}
}
