// Package booking turns a slot request into a committed appointment, at most
// once per overlapping interval, and handles the appointment lifecycle after it.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/metrics"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/settings"
	"clinic-scheduler/internal/store"
)

type ReserveRequest struct {
	ProviderID   string         `json:"-"`
	PatientID    string         `json:"patientId"`
	Start        time.Time      `json:"start"`
	DurationMins int            `json:"durationMins"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Store is what the arbiter needs from persistence.
type Store interface {
	store.TemplateStore
	store.AppointmentStore
	store.RecordStore
	store.AuditStore
}

type Arbiter struct {
	store    Store
	settings settings.Store
	pub      model.Publisher
	busy     availability.BusySource
	metrics  *metrics.Collector
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Arbiter)

func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

func WithBusySource(b availability.BusySource) Option {
	return func(a *Arbiter) { a.busy = b }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(a *Arbiter) { a.metrics = m }
}

func WithPublisher(p model.Publisher) Option {
	return func(a *Arbiter) { a.pub = p }
}

func NewArbiter(st Store, cfg settings.Store, log *zap.Logger, opts ...Option) *Arbiter {
	a := &Arbiter{store: st, settings: cfg, now: time.Now, log: log}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Reserve validates req, then re-checks availability and inserts the
// appointment as one atomic unit. Concurrent requests for overlapping
// intervals yield exactly one success; the rest get SLOT_TAKEN.
func (a *Arbiter) Reserve(ctx context.Context, who model.Identity, req ReserveRequest) (*model.Appointment, error) {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" && who.Role == model.RolePatient {
		req.PatientID = who.UserID
	}

	if err := a.validate(ctx, req); err != nil {
		a.metrics.Reservation("invalid")
		return nil, err
	}
	if err := authorizeReserve(who, req); err != nil {
		a.metrics.Reservation("forbidden")
		return nil, err
	}

	tpl, err := a.store.GetTemplate(ctx, req.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("provider %s not found", req.ProviderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	loc, err := availability.Location(tpl.Timezone)
	if err != nil {
		return nil, err
	}

	appt := &model.Appointment{
		ID:           uuid.NewString(),
		ProviderID:   req.ProviderID,
		PatientID:    req.PatientID,
		Start:        req.Start.UTC(),
		DurationMins: req.DurationMins,
		Status:       model.StatusScheduled,
		Metadata:     req.Metadata,
	}
	day := appt.Start.In(loc)
	external := a.externalBusy(ctx, appt)
	now := a.now()

	err = a.store.ReserveAtomically(ctx, appt, day, func(tpl *model.WeeklyTemplate, booked []model.Interval) error {
		return availability.CheckReservation(tpl, appt.Interval(), append(booked, external...), now)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrOverlap):
		a.metrics.Reservation("slot_taken")
		return nil, apperr.SlotUnavailable("requested interval overlaps an existing appointment")
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFoundf("provider %s not found", req.ProviderID)
	default:
		a.metrics.Reservation(outcome(err))
		return nil, err
	}

	a.metrics.Reservation("ok")
	a.log.Info("appointment reserved",
		zap.String("appointment_id", appt.ID),
		zap.String("provider_id", appt.ProviderID),
		zap.String("patient_id", appt.PatientID),
		zap.Time("start", appt.Start),
		zap.Int("duration_mins", appt.DurationMins))
	a.publish(ctx, "created", appt)
	return appt, nil
}

func (a *Arbiter) validate(ctx context.Context, req ReserveRequest) error {
	if req.ProviderID == "" {
		return apperr.Validationf("provider id is required")
	}
	if req.PatientID == "" {
		return apperr.Validationf("patientId is required")
	}
	if req.Start.IsZero() {
		return apperr.Validationf("start is required")
	}
	cfg, err := a.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if req.DurationMins < cfg.MinAppointmentMins || req.DurationMins > cfg.MaxAppointmentMins {
		return apperr.Validationf("durationMins must be between %d and %d", cfg.MinAppointmentMins, cfg.MaxAppointmentMins)
	}
	if cfg.BookingHorizonDays > 0 {
		limit := a.now().AddDate(0, 0, cfg.BookingHorizonDays)
		if req.Start.After(limit) {
			return apperr.Validationf("start is more than %d days ahead", cfg.BookingHorizonDays)
		}
	}
	return nil
}

// Patients book for themselves, doctors on their own calendar, admins anywhere.
func authorizeReserve(who model.Identity, req ReserveRequest) error {
	switch who.Role {
	case model.RoleAdmin:
		return nil
	case model.RolePatient:
		if who.UserID == req.PatientID {
			return nil
		}
	case model.RoleDoctor:
		if who.UserID == req.ProviderID {
			return nil
		}
	}
	return apperr.Forbidden("not allowed to book this appointment")
}

func (a *Arbiter) externalBusy(ctx context.Context, appt *model.Appointment) []model.Interval {
	if a.busy == nil {
		return nil
	}
	blocks, err := a.busy.Busy(ctx, appt.ProviderID, appt.Start, appt.End())
	if err != nil {
		a.log.Warn("external busy lookup failed",
			zap.String("provider_id", appt.ProviderID), zap.Error(err))
		return nil
	}
	return blocks
}

// Cancel moves a blocking appointment to CANCELLED, freeing its interval.
func (a *Arbiter) Cancel(ctx context.Context, who model.Identity, id string) (*model.Appointment, error) {
	for attempt := 0; attempt < 3; attempt++ {
		appt, err := a.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !canAccess(who, appt) {
			return nil, apperr.Forbidden("not allowed to cancel this appointment")
		}
		if !appt.Status.Blocking() {
			return nil, apperr.Validationf("appointment is already %s", appt.Status)
		}

		rec, err := a.store.CompareAndSwap(ctx, model.RecordAppointment, id, appt.Version,
			map[string]any{"status": string(model.StatusCancelled)})
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel appointment: %w", err)
		}

		appt.Status = model.StatusCancelled
		appt.Version = rec.Version
		appt.UpdatedAt = rec.UpdatedAt
		if err := a.store.AppendAudit(ctx, model.AuditEntry{
			ActorID:     who.UserID,
			ActorRole:   who.Role,
			Action:      "appointment.cancel",
			RecordType:  model.RecordAppointment,
			RecordID:    id,
			FromVersion: rec.Version - 1,
			ToVersion:   rec.Version,
			At:          a.now().UTC(),
		}); err != nil {
			a.log.Error("audit append failed", zap.String("appointment_id", id), zap.Error(err))
		}
		a.metrics.Cancellation()
		a.log.Info("appointment cancelled", zap.String("appointment_id", id), zap.String("actor_id", who.UserID))
		a.publish(ctx, "cancelled", appt)
		return appt, nil
	}
	return nil, &apperr.Error{Kind: apperr.KindVersionConflict, Code: apperr.CodeVersionConflict,
		Message: "appointment changed concurrently, retry"}
}

// List returns appointments where userID is the patient or the provider.
func (a *Arbiter) List(ctx context.Context, who model.Identity, userID string, from, to *time.Time) ([]model.Appointment, error) {
	if !who.IsAdmin() && who.UserID != userID {
		return nil, apperr.Forbidden("not allowed to list another user's appointments")
	}
	if from != nil && to != nil && !from.Before(*to) {
		return nil, apperr.Validationf("from must be before to")
	}
	out, err := a.store.ListAppointments(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	if out == nil {
		out = []model.Appointment{}
	}
	return out, nil
}

func (a *Arbiter) Get(ctx context.Context, who model.Identity, id string) (*model.Appointment, error) {
	appt, err := a.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(who, appt) {
		return nil, apperr.Forbidden("not allowed to view this appointment")
	}
	return appt, nil
}

func (a *Arbiter) get(ctx context.Context, id string) (*model.Appointment, error) {
	appt, err := a.store.GetAppointment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("appointment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func canAccess(who model.Identity, appt *model.Appointment) bool {
	return who.IsAdmin() || who.UserID == appt.PatientID || who.UserID == appt.ProviderID
}

func (a *Arbiter) publish(ctx context.Context, action string, appt *model.Appointment) {
	if a.pub == nil {
		return
	}
	ev := model.ChangeEvent{
		Type:       model.EventAppointments,
		Payload:    map[string]any{"action": action, "appointment": appt},
		Scope:      model.Scope{UserIDs: []string{appt.PatientID, appt.ProviderID}},
		OccurredAt: a.now().UTC(),
	}
	if err := a.pub.Publish(ctx, ev); err != nil {
		a.log.Warn("publish appointment event failed", zap.String("appointment_id", appt.ID), zap.Error(err))
	}
}

func outcome(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "invalid"
	case apperr.KindSlotConflict:
		return "slot_taken"
	case apperr.KindTransient:
		return "unavailable"
	}
	return "error"
}
