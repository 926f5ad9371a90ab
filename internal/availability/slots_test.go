package availability

import (
	"errors"
	"testing"
	"time"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/model"
)

func strPtr(s string) *string { return &s }

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func mondaySchedule() model.DaySchedule {
	return model.DaySchedule{
		Day:        "MONDAY",
		StartTime:  "09:00",
		EndTime:    "17:00",
		IsActive:   true,
		BreakStart: strPtr("12:00"),
		BreakEnd:   strPtr("13:00"),
	}
}

func slotMap(slots []SlotCandidate) map[string]bool {
	m := make(map[string]bool, len(slots))
	for _, s := range slots {
		m[s.Time] = s.Available
	}
	return m
}

func TestGenerate_BreakExample(t *testing.T) {
	now := monday.Add(8 * time.Hour)
	slots, err := Generate(mondaySchedule(), monday, time.UTC, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 16 {
		t.Fatalf("expected 16 candidates between 09:00 and 17:00, got %d", len(slots))
	}

	got := slotMap(slots)
	cases := map[string]bool{
		"09:00": true,
		"11:30": true,
		"12:00": false,
		"12:30": false,
		"13:00": true,
		"16:30": true,
	}
	for at, want := range cases {
		if got[at] != want {
			t.Errorf("slot %s: expected available=%v, got %v", at, want, got[at])
		}
	}
	if _, ok := got["17:00"]; ok {
		t.Error("17:00 should not be generated: it would end after end_time")
	}
}

func TestGenerate_LongBookingShadowsTwoSlots(t *testing.T) {
	now := monday.Add(8 * time.Hour)
	booked := []model.Interval{{
		Start: monday.Add(10 * time.Hour),
		End:   monday.Add(10*time.Hour + 45*time.Minute),
	}}

	slots, err := Generate(mondaySchedule(), monday, time.UTC, booked, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := slotMap(slots)
	if got["10:00"] || got["10:30"] {
		t.Errorf("expected 10:00 and 10:30 unavailable, got 10:00=%v 10:30=%v", got["10:00"], got["10:30"])
	}
	if !got["09:30"] {
		t.Error("09:30 ends when the booking starts and should stay available")
	}
	if !got["11:00"] {
		t.Error("11:00 starts after the booking ends and should be available")
	}
}

func TestGenerate_PastSlotsSuppressed(t *testing.T) {
	now := monday.Add(10*time.Hour + 15*time.Minute)
	slots, err := Generate(mondaySchedule(), monday, time.UTC, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := slotMap(slots)
	for _, at := range []string{"09:00", "09:30", "10:00"} {
		if got[at] {
			t.Errorf("slot %s starts before now and must be unavailable", at)
		}
	}
	if !got["10:30"] {
		t.Error("10:30 is after now and should be available")
	}

	// A slot starting exactly at now is not bookable.
	slots, _ = Generate(mondaySchedule(), monday, time.UTC, nil, monday.Add(11*time.Hour))
	if slotMap(slots)["11:00"] {
		t.Error("slot starting at the evaluation instant must be unavailable")
	}
}

func TestGenerate_InactiveDayIsEmpty(t *testing.T) {
	day := mondaySchedule()
	day.IsActive = false
	slots, err := Generate(day, monday, time.UTC, nil, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slots == nil || len(slots) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", slots)
	}
}

func TestGenerate_AvailableImpliesNoOverlap(t *testing.T) {
	now := monday.Add(9*time.Hour + 40*time.Minute)
	booked := []model.Interval{
		{Start: monday.Add(14 * time.Hour), End: monday.Add(15*time.Hour + 10*time.Minute)},
		{Start: monday.Add(16*time.Hour + 15*time.Minute), End: monday.Add(16*time.Hour + 20*time.Minute)},
	}
	day := mondaySchedule()
	slots, err := Generate(day, monday, time.UTC, booked, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lunch := model.Interval{Start: monday.Add(12 * time.Hour), End: monday.Add(13 * time.Hour)}
	for _, s := range slots {
		if !s.Available {
			continue
		}
		iv := model.Interval{Start: s.Start, End: s.Start.Add(SlotGranularity)}
		if !s.Start.After(now) {
			t.Errorf("slot %s available but not after now", s.Time)
		}
		if iv.Overlaps(lunch) {
			t.Errorf("slot %s available but overlaps the break", s.Time)
		}
		for _, b := range booked {
			if iv.Overlaps(b) {
				t.Errorf("slot %s available but overlaps booking %v", s.Time, b)
			}
		}
	}
}

func TestGenerate_ProviderTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, loc)
	slots, err := Generate(mondaySchedule(), day, loc, nil, day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slots[0].Time != "09:00" {
		t.Fatalf("expected first slot at local 09:00, got %s", slots[0].Time)
	}
	if slots[0].Start.UTC().Hour() != 14 {
		t.Errorf("expected 09:00 EST to be 14:00 UTC, got %v", slots[0].Start.UTC())
	}
}

func TestCheckReservation(t *testing.T) {
	tpl := &model.WeeklyTemplate{ProviderID: "doc-1", Timezone: "UTC", Days: []model.DaySchedule{mondaySchedule()}}
	now := monday.Add(8 * time.Hour)
	booked := []model.Interval{{Start: monday.Add(14 * time.Hour), End: monday.Add(14*time.Hour + 30*time.Minute)}}

	iv := func(h, m, mins int) model.Interval {
		s := monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
		return model.Interval{Start: s, End: s.Add(time.Duration(mins) * time.Minute)}
	}

	tests := []struct {
		name string
		iv   model.Interval
		now  time.Time
		want *apperr.Error
	}{
		{"free slot", iv(9, 0, 30), now, nil},
		{"ends at booking start", iv(13, 30, 30), now, nil},
		{"overlaps booking", iv(13, 45, 30), now, apperr.SlotTaken},
		{"identical to booking", iv(14, 0, 30), now, apperr.SlotTaken},
		{"in the past", iv(9, 0, 30), monday.Add(9 * time.Hour), apperr.SlotTaken},
		{"overlaps break", iv(11, 45, 30), now, apperr.Validation},
		{"before opening", iv(8, 30, 30), now, apperr.Validation},
		{"past closing", iv(16, 45, 30), now, apperr.Validation},
		{"inactive day", model.Interval{Start: monday.AddDate(0, 0, 1).Add(10 * time.Hour), End: monday.AddDate(0, 0, 1).Add(10*time.Hour + 30*time.Minute)}, now, apperr.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckReservation(tpl, tt.iv, booked, tt.now)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v kind, got %v", tt.want.Kind, err)
			}
		})
	}
}
