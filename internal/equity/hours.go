package equity

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // business hours must resolve IANA zones in minimal containers
)

// DefaultTimezone is where business hours are evaluated unless configured.
const DefaultTimezone = "America/Sao_Paulo"

// BusinessHours is a weekly opening window in a fixed timezone. The window is
// [Start, End) measured from local midnight.
type BusinessHours struct {
	Location *time.Location
	Start    time.Duration
	End      time.Duration
	Days     [7]bool // indexed by time.Weekday
}

// DefaultBusinessHours returns Monday–Friday, 08:00–18:00 in America/Sao_Paulo.
func DefaultBusinessHours() *BusinessHours {
	bh, err := NewBusinessHours(DefaultTimezone, "08:00", "18:00", "mon-fri")
	if err != nil {
		panic(err)
	}
	return bh
}

// NewBusinessHours parses a window such as ("America/Sao_Paulo", "08:00",
// "18:00", "mon-fri"). days accepts ranges and comma lists: "mon-fri",
// "mon,wed,fri", "sat-sun".
func NewBusinessHours(tz, start, end, days string) (*BusinessHours, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("business hours timezone %q: %w", tz, err)
	}
	s, err := parseClock(start)
	if err != nil {
		return nil, err
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, err
	}
	if e <= s {
		return nil, fmt.Errorf("business hours end %s must be after start %s", end, start)
	}
	d, err := parseDays(days)
	if err != nil {
		return nil, err
	}
	return &BusinessHours{Location: loc, Start: s, End: e, Days: d}, nil
}

// IsOpen reports whether t falls inside the window.
func (b *BusinessHours) IsOpen(t time.Time) bool {
	local := t.In(b.Location)
	if !b.Days[local.Weekday()] {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.Location)
	offset := local.Sub(midnight)
	return offset >= b.Start && offset < b.End
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("business hours time %q: want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseDays(s string) ([7]bool, error) {
	var days [7]bool
	for _, part := range strings.Split(strings.ToLower(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		from, to, isRange := strings.Cut(part, "-")
		a, ok := weekdays[strings.TrimSpace(from)]
		if !ok {
			return days, fmt.Errorf("business hours day %q", from)
		}
		b := a
		if isRange {
			if b, ok = weekdays[strings.TrimSpace(to)]; !ok {
				return days, fmt.Errorf("business hours day %q", to)
			}
		}
		for d := a; ; d = (d + 1) % 7 {
			days[d] = true
			if d == b {
				break
			}
		}
	}
	return days, nil
}
