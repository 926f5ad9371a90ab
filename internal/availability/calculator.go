// Package availability turns a provider's weekly template and booked
// intervals into the slot candidates offered to clients.
package availability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

// BusySource supplies extra busy blocks, e.g. a linked external calendar.
// Failures are logged and ignored by the calculator.
type BusySource interface {
	Busy(ctx context.Context, providerID string, from, to time.Time) ([]model.Interval, error)
}

type Calculator struct {
	templates store.TemplateStore
	appts     store.AppointmentStore
	busy      BusySource
	now       func() time.Time
	log       *zap.Logger
}

type Option func(*Calculator)

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

func WithBusySource(b BusySource) Option {
	return func(c *Calculator) { c.busy = b }
}

func NewCalculator(templates store.TemplateStore, appts store.AppointmentStore, log *zap.Logger, opts ...Option) *Calculator {
	c := &Calculator{templates: templates, appts: appts, now: time.Now, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compute returns the ordered slot candidates for providerID on date
// ("YYYY-MM-DD" in the provider's timezone).
func (c *Calculator) Compute(ctx context.Context, providerID, date string) ([]SlotCandidate, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, apperr.Validationf("invalid date %q, expected YYYY-MM-DD", date)
	}

	tpl, err := c.Template(ctx, providerID)
	if err != nil {
		return nil, err
	}
	loc, err := Location(tpl.Timezone)
	if err != nil {
		return nil, err
	}
	day, _ := time.ParseInLocation("2006-01-02", date, loc)

	entry, ok := tpl.Day(DayName(day.Weekday()))
	if !ok || !entry.IsActive {
		return []SlotCandidate{}, nil
	}

	booked, err := c.Booked(ctx, providerID, day)
	if err != nil {
		return nil, err
	}
	return Generate(entry, day, loc, booked, c.now())
}

// Template loads a provider's template, mapping a missing row to NotFound.
func (c *Calculator) Template(ctx context.Context, providerID string) (*model.WeeklyTemplate, error) {
	tpl, err := c.templates.GetTemplate(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("provider %s not found", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return tpl, nil
}

// Booked returns the blocking intervals for the calendar day containing day,
// including external busy blocks when a BusySource is configured.
func (c *Calculator) Booked(ctx context.Context, providerID string, day time.Time) ([]model.Interval, error) {
	from, to := store.DayBounds(day)
	booked, err := c.appts.BookedIntervals(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load booked intervals: %w", err)
	}
	if c.busy != nil {
		extra, err := c.busy.Busy(ctx, providerID, from, to)
		if err != nil {
			c.log.Warn("external busy lookup failed",
				zap.String("provider_id", providerID), zap.Error(err))
		} else {
			booked = append(booked, extra...)
		}
	}
	return booked, nil
}
