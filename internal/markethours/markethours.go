// Package markethours answers "is the exchange open?" for a configurable
// trading calendar: a time zone, a daily session and a holiday list.
package markethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Calendar describes one exchange session.
type Calendar struct {
	loc      *time.Location
	open     int // minutes after midnight
	close    int
	holidays map[string]bool
}

// NYSE is the default US equities session, 09:30-16:00 America/New_York.
func NYSE() *Calendar {
	c, err := NewCalendar("America/New_York", "09:30", "16:00", nil)
	if err != nil {
		// tzdata missing; keep a fixed EST calendar rather than failing
		c = &Calendar{loc: time.FixedZone("EST", -5*3600), open: 9*60 + 30, close: 16 * 60, holidays: map[string]bool{}}
	}
	return c
}

// NewCalendar builds a calendar. open and close are "HH:MM" in tz; holidays
// are "YYYY-MM-DD" dates in tz.
func NewCalendar(tz, open, close string, holidays []string) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("markethours: load location %q: %w", tz, err)
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("markethours: open: %w", err)
	}
	cl, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("markethours: close: %w", err)
	}
	if cl <= o {
		return nil, fmt.Errorf("markethours: close %s is not after open %s", close, open)
	}

	c := &Calendar{loc: loc, open: o, close: cl, holidays: make(map[string]bool, len(holidays))}
	for _, h := range holidays {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("markethours: holiday %q: %w", h, err)
		}
		c.holidays[d.Format("2006-01-02")] = true
	}
	return c, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Location returns the calendar's time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsHoliday returns true if t's local date is a listed holiday.
func (c *Calendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(c.loc).Format("2006-01-02")]
}

// IsWeekday returns true if t is Mon-Fri in the calendar's zone.
func (c *Calendar) IsWeekday(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	return c.IsWeekday(t) && !c.IsHoliday(t)
}

// IsOpen returns true if t falls within the session on a trading day.
func (c *Calendar) IsOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := t.In(c.loc)
	hm := local.Hour()*60 + local.Minute()
	return hm >= c.open && hm < c.close
}

func (c *Calendar) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, c.loc)
}

// NextOpen returns the next session open at or after t. If t is before
// today's open on a trading day, returns today's open.
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)

	todayOpen := c.at(local, c.open)
	if local.Before(todayOpen) && c.IsTradingDay(local) {
		return todayOpen
	}

	d := local.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ {
		if c.IsTradingDay(d) {
			return c.at(d, c.open)
		}
		d = d.AddDate(0, 0, 1)
	}
	return c.at(local.AddDate(0, 0, 1), c.open)
}

// TodayClose returns the session close on t's local date.
func (c *Calendar) TodayClose(t time.Time) time.Time {
	return c.at(t.In(c.loc), c.close)
}

// TimeUntilClose returns the duration until today's close, or 0 if the
// session is over.
func (c *Calendar) TimeUntilClose(t time.Time) time.Duration {
	d := c.TodayClose(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// Status returns a human-readable market status.
func (c *Calendar) Status(t time.Time) string {
	if c.IsOpen(t) {
		return fmt.Sprintf("Market open, closes in %s", fmtDur(c.TimeUntilClose(t)))
	}
	next := c.NextOpen(t)
	return fmt.Sprintf("Market closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
