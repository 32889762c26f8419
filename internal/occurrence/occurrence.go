// Package occurrence computes the UTC instants at which schedules and reminders fire.
//
// Every function here is pure and bounded. Local wall-clock times are converted to UTC
// with a fixed daylight-saving policy:
//   - a time inside a spring-forward gap moves forward by the size of the gap;
//   - a time that occurs twice during fall-back resolves to the later instant.
package occurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"
	// Embedded zone database so resolution does not depend on the host's tzdata.
	_ "time/tzdata"

	"github.com/pathakanu/carecall/internal/apperr"
	"github.com/pathakanu/carecall/internal/model"
)

// scanDays is how many local dates NextWeekly inspects: a full week plus margin.
const scanDays = 8

// TimeOfDay is a local wall-clock time with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses a strict "HH:mm" value.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	if len(value) != 5 || value[2] != ':' {
		return TimeOfDay{}, apperr.New(apperr.CodeInvalidTimeOfDay, "time of day %q must be HH:mm", value)
	}
	hour, okH := twoDigits(value[0:2])
	minute, okM := twoDigits(value[3:5])
	if !okH || !okM || hour > 23 || minute > 59 {
		return TimeOfDay{}, apperr.New(apperr.CodeInvalidTimeOfDay, "time of day %q is out of range", value)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func twoDigits(s string) (int, bool) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

// LoadZone resolves an IANA zone name. "Local" and the empty name are rejected.
func LoadZone(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed == "Local" {
		return nil, apperr.New(apperr.CodeInvalidTimezone, "time zone %q is not an IANA zone", name)
	}
	loc, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidTimezone, err, fmt.Sprintf("time zone %q", name))
	}
	return loc, nil
}

// ValidateWeekdays checks that days is non-empty and every entry is 0 (Sunday) to 6.
func ValidateWeekdays(days []int) error {
	if len(days) == 0 {
		return apperr.New(apperr.CodeInvalidInput, "at least one weekday is required")
	}
	for _, d := range days {
		if d < 0 || d > 6 {
			return apperr.New(apperr.CodeInvalidInput, "weekday %d is out of range 0-6", d)
		}
	}
	return nil
}

// NormalizeWeekdays returns a sorted copy of days with duplicates removed.
func NormalizeWeekdays(days []int) []int {
	seen := make(map[int]bool, len(days))
	out := make([]int, 0, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// LocalDateTime is a calendar date and wall-clock time without an offset.
type LocalDateTime struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

var localLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// ParseLocalDateTime parses a local date-time such as "2024-03-10T02:30".
// Values carrying a UTC offset are rejected.
func ParseLocalDateTime(value string) (LocalDateTime, error) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range localLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return LocalDateTime{
				Year:   t.Year(),
				Month:  t.Month(),
				Day:    t.Day(),
				Hour:   t.Hour(),
				Minute: t.Minute(),
			}, nil
		}
	}
	return LocalDateTime{}, apperr.New(apperr.CodeInvalidInput, "local date-time %q must look like 2006-01-02T15:04", value)
}

// In converts the local date-time to a UTC instant in loc.
func (l LocalDateTime) In(loc *time.Location) time.Time {
	return LocalToUTC(l.Year, l.Month, l.Day, l.Hour, l.Minute, loc)
}

// LocalToUTC converts a wall-clock time in loc to UTC.
// Gap times move forward by the gap; ambiguous times take the later instant.
func LocalToUTC(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	wall := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	before := offsetAt(wall.Add(-24*time.Hour), loc)
	after := offsetAt(wall.Add(24*time.Hour), loc)

	var (
		best  time.Time
		found bool
	)
	for _, off := range []int{before, after} {
		candidate := wall.Add(-time.Duration(off) * time.Second)
		if offsetAt(candidate, loc) != off {
			continue
		}
		if !found || candidate.After(best) {
			best = candidate
			found = true
		}
	}
	if found {
		return best
	}
	// Nonexistent wall time: apply the pre-transition offset, which lands
	// the same distance past the jump.
	return wall.Add(-time.Duration(before) * time.Second)
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}

// NextWeekly returns the first instant strictly after `after` at which tod falls on
// one of days (0 = Sunday) in loc. ok is false when days is empty.
func NextWeekly(tod TimeOfDay, loc *time.Location, days []int, after time.Time) (time.Time, bool) {
	if len(days) == 0 || loc == nil {
		return time.Time{}, false
	}
	set := weekdaySet(days)
	y, m, d := after.In(loc).Date()
	for i := 0; i < scanDays; i++ {
		date := civilDate(y, m, d+i)
		if !set[date.Weekday()] {
			continue
		}
		candidate := LocalToUTC(date.Year(), date.Month(), date.Day(), tod.Hour, tod.Minute, loc)
		if candidate.After(after) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// NextReminder advances a recurring reminder from the nominal instant of its
// current occurrence. Pass the series slot, not a snoozed due time.
// ok is false for non-recurring reminders and when the series has ended.
func NextReminder(rec model.Recurrence, loc *time.Location, current time.Time) (time.Time, bool) {
	if !rec.IsRecurring || loc == nil {
		return time.Time{}, false
	}
	interval := rec.Interval
	if interval < 1 {
		interval = 1
	}

	local := current.In(loc)
	tod := TimeOfDay{Hour: local.Hour(), Minute: local.Minute()}
	if parsed, err := ParseTimeOfDay(rec.TimeOfDay); err == nil {
		tod = parsed
	}
	base := civilDate(local.Date())

	var next time.Time
	switch rec.Frequency {
	case model.FrequencyDaily:
		next = base.AddDate(0, 0, interval)
	case model.FrequencyWeekly:
		next = nextWeekDate(base, rec.DaysOfWeek, interval)
	case model.FrequencyMonthly:
		day := rec.DayOfMonth
		if day <= 0 {
			day = base.Day()
		}
		first := civilDate(base.Year(), base.Month()+time.Month(interval), 1)
		if last := DaysInMonth(first.Year(), first.Month()); day > last {
			day = last
		}
		next = civilDate(first.Year(), first.Month(), day)
	case model.FrequencyCustom:
		next = nextCustomDate(base, rec.DaysOfWeek, interval)
	default:
		return time.Time{}, false
	}

	due := LocalToUTC(next.Year(), next.Month(), next.Day(), tod.Hour, tod.Minute, loc)
	if rec.EndsAt != nil && due.After(*rec.EndsAt) {
		return time.Time{}, false
	}
	return due, true
}

// NextReminderAfter advances the series until it passes `after`. The walk is bounded;
// ok is false when the series ends first.
func NextReminderAfter(rec model.Recurrence, loc *time.Location, current, after time.Time) (time.Time, bool) {
	const maxSteps = 1000
	next := current
	for i := 0; i < maxSteps; i++ {
		candidate, ok := NextReminder(rec, loc, next)
		if !ok {
			return time.Time{}, false
		}
		if candidate.After(after) {
			return candidate, true
		}
		next = candidate
	}
	return time.Time{}, false
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	return civilDate(year, month+1, 0).Day()
}

func nextWeekDate(base time.Time, days []int, interval int) time.Time {
	if len(days) == 0 {
		return base.AddDate(0, 0, 7*interval)
	}
	set := weekdaySet(days)
	weekStart := base.AddDate(0, 0, -int(base.Weekday()))
	for i := 1; i <= 7*interval+7; i++ {
		candidate := base.AddDate(0, 0, i)
		if !set[candidate.Weekday()] {
			continue
		}
		weeks := int(candidate.Sub(weekStart).Hours()/24) / 7
		if weeks%interval == 0 {
			return candidate
		}
	}
	return base.AddDate(0, 0, 7*interval)
}

func nextCustomDate(base time.Time, days []int, interval int) time.Time {
	if len(days) == 0 {
		return base.AddDate(0, 0, interval)
	}
	set := weekdaySet(days)
	for i := 1; i <= 7; i++ {
		candidate := base.AddDate(0, 0, i)
		if set[candidate.Weekday()] {
			return candidate
		}
	}
	return base.AddDate(0, 0, 7)
}

func weekdaySet(days []int) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[time.Weekday(d)] = true
	}
	return set
}

// civilDate is a calendar date carried as UTC midnight so date arithmetic never
// crosses a DST boundary.
func civilDate(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
