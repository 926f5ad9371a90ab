package availability

import (
	"time"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/model"
)

// SlotGranularity is both the step and the length of a slot candidate.
const SlotGranularity = 30 * time.Minute

type SlotCandidate struct {
	Time      string    `json:"time"`
	Available bool      `json:"available"`
	Start     time.Time `json:"-"`
}

// workday is a DaySchedule pinned to a concrete date.
type workday struct {
	open     model.Interval
	lunch    model.Interval
	hasLunch bool
}

func resolveDay(day model.DaySchedule, date time.Time, loc *time.Location) (workday, error) {
	start, err := parseClock(day.StartTime)
	if err != nil {
		return workday{}, apperr.Validationf("start_time: %v", err)
	}
	end, err := parseClock(day.EndTime)
	if err != nil {
		return workday{}, apperr.Validationf("end_time: %v", err)
	}
	w := workday{open: model.Interval{Start: at(date, loc, start), End: at(date, loc, end)}}
	if day.HasBreak() {
		bs, err := parseClock(*day.BreakStart)
		if err != nil {
			return workday{}, apperr.Validationf("break_start: %v", err)
		}
		be, err := parseClock(*day.BreakEnd)
		if err != nil {
			return workday{}, apperr.Validationf("break_end: %v", err)
		}
		w.lunch = model.Interval{Start: at(date, loc, bs), End: at(date, loc, be)}
		w.hasLunch = true
	}
	return w, nil
}

func (w workday) onBreak(iv model.Interval) bool {
	return w.hasLunch && w.lunch.Overlaps(iv)
}

func anyOverlap(iv model.Interval, booked []model.Interval) bool {
	for _, b := range booked {
		if b.Overlaps(iv) {
			return true
		}
	}
	return false
}

// Generate lays 30-minute candidates over an active day and flags each one.
// date only contributes its calendar day; now is the evaluation instant.
// Inactive days yield an empty, non-nil slice.
func Generate(day model.DaySchedule, date time.Time, loc *time.Location, booked []model.Interval, now time.Time) ([]SlotCandidate, error) {
	out := []SlotCandidate{}
	if !day.IsActive {
		return out, nil
	}
	w, err := resolveDay(day, date, loc)
	if err != nil {
		return nil, err
	}

	for s := w.open.Start; !s.Add(SlotGranularity).After(w.open.End); s = s.Add(SlotGranularity) {
		iv := model.Interval{Start: s, End: s.Add(SlotGranularity)}
		available := s.After(now) && !w.onBreak(iv) && !anyOverlap(iv, booked)
		out = append(out, SlotCandidate{
			Time:      s.In(loc).Format("15:04"),
			Available: available,
			Start:     s,
		})
	}
	return out, nil
}

// CheckReservation applies the Generate rules to an arbitrary interval.
// Template violations are validation errors; a past start or an overlap with
// a booked interval means the slot is no longer available.
func CheckReservation(tpl *model.WeeklyTemplate, iv model.Interval, booked []model.Interval, now time.Time) error {
	loc, err := Location(tpl.Timezone)
	if err != nil {
		return err
	}
	local := iv.Start.In(loc)
	day, ok := tpl.Day(DayName(local.Weekday()))
	if !ok || !day.IsActive {
		return apperr.Validationf("provider does not accept appointments on %s", DayName(local.Weekday()))
	}
	w, err := resolveDay(day, local, loc)
	if err != nil {
		return err
	}
	if iv.Start.Before(w.open.Start) || iv.End.After(w.open.End) {
		return apperr.Validationf("requested time is outside the provider's hours (%s-%s)", day.StartTime, day.EndTime)
	}
	if w.onBreak(iv) {
		return apperr.Validationf("requested time overlaps the provider's break")
	}
	if !iv.Start.After(now) {
		return apperr.SlotUnavailable("slot is no longer available")
	}
	if anyOverlap(iv, booked) {
		return apperr.SlotUnavailable("slot is no longer available")
	}
	return nil
}
