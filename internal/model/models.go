package model

import "time"

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Identity is the resolved caller. The core never sees credentials.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

type DaySchedule struct {
	Day        string  `json:"day"`
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
	IsActive   bool    `json:"is_active"`
	BreakStart *string `json:"break_start,omitempty"`
	BreakEnd   *string `json:"break_end,omitempty"`
}

func (d DaySchedule) HasBreak() bool {
	return d.BreakStart != nil && d.BreakEnd != nil
}

type WeeklyTemplate struct {
	ProviderID string        `json:"provider_id"`
	Timezone   string        `json:"timezone"`
	Days       []DaySchedule `json:"days"`
	UpdatedAt  time.Time     `json:"updated_at,omitempty"`
}

// Day returns the entry for a day name such as "MONDAY".
func (t *WeeklyTemplate) Day(name string) (DaySchedule, bool) {
	for _, d := range t.Days {
		if d.Day == name {
			return d, true
		}
	}
	return DaySchedule{}, false
}

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "SCHEDULED"
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusCancelled AppointmentStatus = "CANCELLED"
	StatusCompleted AppointmentStatus = "COMPLETED"
	StatusNoShow    AppointmentStatus = "NO_SHOW"
)

// Blocking reports whether an appointment in this status occupies its interval.
func (s AppointmentStatus) Blocking() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

type Appointment struct {
	ID           string            `json:"id"`
	ProviderID   string            `json:"provider_id"`
	PatientID    string            `json:"patient_id"`
	Start        time.Time         `json:"start"`
	DurationMins int               `json:"duration_mins"`
	Status       AppointmentStatus `json:"status"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (a *Appointment) End() time.Time {
	return a.Start.Add(time.Duration(a.DurationMins) * time.Minute)
}

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.Start, End: a.End()}
}

// Interval is half-open: [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps treats touching intervals as disjoint.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

type RecordType string

const (
	RecordAppointment  RecordType = "appointment"
	RecordVital        RecordType = "vital"
	RecordPrescription RecordType = "prescription"
)

func (t RecordType) Valid() bool {
	switch t {
	case RecordAppointment, RecordVital, RecordPrescription:
		return true
	}
	return false
}

// VersionedRecord is the conflict engine's view of any shared record.
// Version is a per-record sequence counter starting at 1.
type VersionedRecord struct {
	Type      RecordType     `json:"type"`
	ID        string         `json:"id"`
	PatientID string         `json:"patient_id"`
	DoctorID  string         `json:"doctor_id,omitempty"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type AuditEntry struct {
	ActorID     string     `json:"actor_id"`
	ActorRole   Role       `json:"actor_role"`
	Action      string     `json:"action"`
	RecordType  RecordType `json:"record_type"`
	RecordID    string     `json:"record_id"`
	FromVersion int64      `json:"from_version"`
	ToVersion   int64      `json:"to_version"`
	At          time.Time  `json:"at"`
}
