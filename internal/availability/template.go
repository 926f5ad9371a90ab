package availability

import (
	"fmt"
	"strings"
	"time"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/model"
)

var dayNames = map[string]time.Weekday{
	"SUNDAY":    time.Sunday,
	"MONDAY":    time.Monday,
	"TUESDAY":   time.Tuesday,
	"WEDNESDAY": time.Wednesday,
	"THURSDAY":  time.Thursday,
	"FRIDAY":    time.Friday,
	"SATURDAY":  time.Saturday,
}

// DayName returns the template key for a weekday, e.g. "MONDAY".
func DayName(d time.Weekday) string {
	return strings.ToUpper(d.String())
}

// parseClock parses "HH:MM" or "HH:MM:SS" into minutes after midnight.
// Seconds are accepted for values read back from TIME columns and ignored.
func parseClock(s string) (int, error) {
	layout := "15:04"
	if len(s) == len("15:04:05") {
		layout = "15:04:05"
	}
	tt, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time string: %q", s)
	}
	return tt.Hour()*60 + tt.Minute(), nil
}

// at returns the instant minutes after midnight on date's calendar day in loc.
func at(date time.Time, loc *time.Location, minutes int) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, minutes/60, minutes%60, 0, 0, loc)
}

// Location resolves a template timezone, defaulting to UTC.
func Location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperr.Validationf("unknown timezone %q", tz)
	}
	return loc, nil
}

// ValidateTemplate normalizes day names to upper case and enforces the
// template invariants.
func ValidateTemplate(t *model.WeeklyTemplate) error {
	if t.ProviderID == "" {
		return apperr.Validationf("provider_id is required")
	}
	if _, err := Location(t.Timezone); err != nil {
		return err
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}

	seen := make(map[string]bool, len(t.Days))
	for i := range t.Days {
		d := &t.Days[i]
		d.Day = strings.ToUpper(strings.TrimSpace(d.Day))
		if _, ok := dayNames[d.Day]; !ok {
			return apperr.Validationf("unknown day %q", d.Day)
		}
		if seen[d.Day] {
			return apperr.Validationf("duplicate entry for %s", d.Day)
		}
		seen[d.Day] = true

		start, err := parseClock(d.StartTime)
		if err != nil {
			return apperr.Validationf("%s start_time: %v", d.Day, err)
		}
		end, err := parseClock(d.EndTime)
		if err != nil {
			return apperr.Validationf("%s end_time: %v", d.Day, err)
		}
		if start >= end {
			return apperr.Validationf("%s: start_time must be before end_time", d.Day)
		}

		if (d.BreakStart == nil) != (d.BreakEnd == nil) {
			return apperr.Validationf("%s: break_start and break_end must be set together", d.Day)
		}
		if d.HasBreak() {
			bs, err := parseClock(*d.BreakStart)
			if err != nil {
				return apperr.Validationf("%s break_start: %v", d.Day, err)
			}
			be, err := parseClock(*d.BreakEnd)
			if err != nil {
				return apperr.Validationf("%s break_end: %v", d.Day, err)
			}
			if bs < start || bs >= be || be > end {
				return apperr.Validationf("%s: break must satisfy start <= break_start < break_end <= end", d.Day)
			}
		}
	}
	return nil
}
