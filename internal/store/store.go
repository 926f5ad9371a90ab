// Package store declares the persistence collaborators of the scheduling core.
// Drivers live in sub-packages (postgres, memory).
package store

import (
	"context"
	"errors"
	"time"

	"clinic-scheduler/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionMismatch = errors.New("store: version mismatch")
	ErrOverlap         = errors.New("store: interval overlaps an existing appointment")
)

type TemplateStore interface {
	// GetTemplate returns ErrNotFound when the provider is unknown.
	GetTemplate(ctx context.Context, providerID string) (*model.WeeklyTemplate, error)
	ReplaceTemplate(ctx context.Context, t *model.WeeklyTemplate) error
}

// ReservationCheck runs inside the store's atomic unit with the live booked
// intervals for the provider on the requested day. Returning an error aborts
// the reservation with no partial state.
type ReservationCheck func(tpl *model.WeeklyTemplate, booked []model.Interval) error

type AppointmentStore interface {
	// BookedIntervals returns intervals of blocking appointments that overlap [from, to).
	BookedIntervals(ctx context.Context, providerID string, from, to time.Time) ([]model.Interval, error)

	// ReserveAtomically re-checks and inserts as one unit serialized per
	// (provider, day). It returns ErrOverlap if appt overlaps a blocking
	// appointment, or whatever check returns.
	ReserveAtomically(ctx context.Context, appt *model.Appointment, day time.Time, check ReservationCheck) error

	GetAppointment(ctx context.Context, id string) (*model.Appointment, error)
	ListAppointments(ctx context.Context, userID string, from, to *time.Time) ([]model.Appointment, error)
}

type RecordStore interface {
	GetRecord(ctx context.Context, typ model.RecordType, id string) (*model.VersionedRecord, error)

	// CreateRecord inserts rec at version 1. ErrVersionMismatch if it already exists.
	CreateRecord(ctx context.Context, rec *model.VersionedRecord) error

	// CompareAndSwap writes data as expected+1 iff the stored version equals
	// expected. Returns the updated record or ErrVersionMismatch.
	CompareAndSwap(ctx context.Context, typ model.RecordType, id string, expected int64, data map[string]any) (*model.VersionedRecord, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
}

// TokenStore keeps external-calendar OAuth tokens per provider as opaque JSON.
type TokenStore interface {
	SaveCalendarToken(ctx context.Context, providerID string, token []byte) error
	CalendarToken(ctx context.Context, providerID string) ([]byte, error)
}

type Store interface {
	TemplateStore
	AppointmentStore
	RecordStore
	AuditStore
	TokenStore
	Ping(ctx context.Context) error
	Close()
}

// DayBounds returns [00:00, 24:00) of day in its own location.
func DayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}
