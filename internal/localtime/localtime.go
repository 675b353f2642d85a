package localtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownTimezone is returned when a zone name cannot be resolved.
var ErrUnknownTimezone = errors.New("localtime: unknown timezone")

// Clock is a local wall-clock time of day (minute precision).
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) Valid() bool { return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59 }

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return Clock{}, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	c := Clock{Hour: h, Minute: m}
	if err1 != nil || err2 != nil || len(mm) != 2 || !c.Valid() {
		return Clock{}, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return c, nil
}

// Date is a local calendar date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day) }

// AddDays normalizes overflow (Jan 32 -> Feb 1).
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC)
	return DateOf(t)
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns t's calendar date in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// LoadZone resolves an IANA zone name. An empty name is UTC.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimezone, name)
	}
	return loc, nil
}

// ZoneOrUTC always returns a usable location. The error reports a failed resolution so callers
// can log the fallback.
func ZoneOrUTC(name string) (*time.Location, error) {
	loc, err := LoadZone(name)
	if err != nil {
		return time.UTC, err
	}
	return loc, nil
}

// InstantToLocal returns the local date and clock of t in loc.
func InstantToLocal(t time.Time, loc *time.Location) (Date, Clock) {
	lt := t.In(loc)
	return DateOf(lt), Clock{Hour: lt.Hour(), Minute: lt.Minute()}
}

// LocalClockToInstant resolves a local wall-clock moment in loc.
func LocalClockToInstant(d Date, c Clock, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	wall := time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, time.UTC)

	var (
		first   time.Time
		found   bool
		pastGap time.Time
	)
	for _, off := range candidateOffsets(wall, loc) {
		inst := wall.Add(-time.Duration(off) * time.Second)
		local := inst.In(loc)
		lw := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, time.UTC)
		switch {
		case lw.Equal(wall):
			if !found || inst.Before(first) {
				first, found = inst, true
			}
		case lw.After(wall):
			if pastGap.IsZero() || inst.Before(pastGap) {
				pastGap = inst
			}
		}
	}
	if found {
		return first
	}
	if !pastGap.IsZero() {
		// The wall time falls in a gap; the zone period containing pastGap starts at the transition.
		start, _ := pastGap.In(loc).ZoneBounds()
		if !start.IsZero() {
			return start
		}
		return pastGap
	}
	return time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, loc)
}

// candidateOffsets collects the UTC offsets in effect around wall (interpreted loosely as UTC).
// Transitions are hours apart from each other in every real zone, so a day on either side covers
// both sides of any transition affecting that wall time.
func candidateOffsets(wall time.Time, loc *time.Location) []int {
	var offs []int
	seen := map[int]bool{}
	for _, probe := range []time.Time{wall.Add(-26 * time.Hour), wall, wall.Add(26 * time.Hour)} {
		_, off := probe.In(loc).Zone()
		if !seen[off] {
			seen[off] = true
			offs = append(offs, off)
		}
	}
	return offs
}

// NextLocalOccurrence returns the smallest instant strictly after `after` whose local time in loc
// is c, applying the gap and repeat rules of LocalClockToInstant.
func NextLocalOccurrence(c Clock, loc *time.Location, after time.Time) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	day := DateOf(after.In(loc))
	for i := 0; i < 4; i++ {
		cand := LocalClockToInstant(day.AddDays(i), c, loc)
		if cand.After(after) {
			return cand
		}
	}
	// Unreachable for real zones.
	return LocalClockToInstant(day.AddDays(4), c, loc)
}
