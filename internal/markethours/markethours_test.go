package markethours

import (
	"strings"
	"testing"
	"time"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := NewCalendar("UTC", "09:30", "16:00", []string{"2026-07-03"})
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return c
}

func TestCalendar_IsOpen(t *testing.T) {
	c := newTestCalendar(t)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2026, 7, 1, 9, 29, 0, 0, time.UTC), false},
		{"at open", time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC), true},
		{"midday", time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC), true},
		{"at close", time.Date(2026, 7, 1, 16, 0, 0, 0, time.UTC), false},
		{"holiday", time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		if got := c.IsOpen(tt.at); got != tt.want {
			t.Errorf("%s: IsOpen(%v) = %v, want %v", tt.name, tt.at, got, tt.want)
		}
	}
}

func TestCalendar_NextOpen(t *testing.T) {
	c := newTestCalendar(t)

	// Thursday after close → Friday is a holiday → Monday open
	got := c.NextOpen(time.Date(2026, 7, 2, 17, 0, 0, 0, time.UTC))
	want := time.Date(2026, 7, 6, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", got, want)
	}

	got = c.NextOpen(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	want = time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("NextOpen before open = %v, want %v", got, want)
	}
}

func TestCalendar_Status(t *testing.T) {
	c := newTestCalendar(t)
	if s := c.Status(time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)); !strings.Contains(s, "closes in 1h0m") {
		t.Errorf("unexpected open status %q", s)
	}
	if s := c.Status(time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)); !strings.Contains(s, "opens Wed 09:30 (30m)") {
		t.Errorf("unexpected closed status %q", s)
	}
	if d := c.TimeUntilClose(time.Date(2026, 7, 1, 17, 0, 0, 0, time.UTC)); d != 0 {
		t.Errorf("expected 0 after close, got %v", d)
	}
}

func TestNewCalendar_Invalid(t *testing.T) {
	cases := [][3]string{
		{"Nowhere/City", "09:30", "16:00"},
		{"UTC", "9", "16:00"},
		{"UTC", "16:00", "09:30"},
		{"UTC", "09:75", "16:00"},
	}
	for _, tc := range cases {
		if _, err := NewCalendar(tc[0], tc[1], tc[2], nil); err == nil {
			t.Errorf("NewCalendar(%v) expected error", tc)
		}
	}
	if _, err := NewCalendar("UTC", "09:30", "16:00", []string{"07/04/2026"}); err == nil {
		t.Error("expected holiday format error")
	}
}
