// Package memory is an in-process store. A single RWMutex gives it the same
// guarantees the Postgres driver gets from transactions: every write,
// including the reservation check-and-insert, is one atomic unit.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

type Store struct {
	mu           sync.RWMutex
	now          func() time.Time
	templates    map[string]*model.WeeklyTemplate
	appointments map[string]*model.Appointment
	records      map[string]*model.VersionedRecord // key: type/id
	audit        []model.AuditEntry
	tokens       map[string][]byte
}

func New() *Store {
	return &Store{
		now:          time.Now,
		templates:    make(map[string]*model.WeeklyTemplate),
		appointments: make(map[string]*model.Appointment),
		records:      make(map[string]*model.VersionedRecord),
		tokens:       make(map[string][]byte),
	}
}

var _ store.Store = (*Store)(nil)

func recordKey(typ model.RecordType, id string) string {
	return string(typ) + "/" + id
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

func (s *Store) GetTemplate(_ context.Context, providerID string) (*model.WeeklyTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[providerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTemplate(t), nil
}

func (s *Store) ReplaceTemplate(_ context.Context, t *model.WeeklyTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneTemplate(t)
	c.UpdatedAt = s.now().UTC()
	s.templates[t.ProviderID] = c
	t.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *Store) BookedIntervals(_ context.Context, providerID string, from, to time.Time) ([]model.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bookedLocked(providerID, model.Interval{Start: from, End: to}), nil
}

func (s *Store) bookedLocked(providerID string, window model.Interval) []model.Interval {
	var out []model.Interval
	for _, a := range s.appointments {
		if a.ProviderID != providerID || !a.Status.Blocking() {
			continue
		}
		iv := a.Interval()
		if iv.Overlaps(window) {
			out = append(out, iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (s *Store) ReserveAtomically(_ context.Context, appt *model.Appointment, day time.Time, check store.ReservationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tpl, ok := s.templates[appt.ProviderID]
	if !ok {
		return store.ErrNotFound
	}
	from, to := store.DayBounds(day)
	window := model.Interval{Start: from, End: to}
	if end := appt.End(); end.After(to) {
		window.End = end
	}
	booked := s.bookedLocked(appt.ProviderID, window)

	if check != nil {
		if err := check(cloneTemplate(tpl), booked); err != nil {
			return err
		}
	}
	want := appt.Interval()
	for _, b := range booked {
		if b.Overlaps(want) {
			return store.ErrOverlap
		}
	}

	now := s.now().UTC()
	appt.Version = 1
	appt.CreatedAt = now
	appt.UpdatedAt = now
	c := *appt
	c.Metadata = cloneMap(appt.Metadata)
	s.appointments[appt.ID] = &c
	return nil
}

func (s *Store) GetAppointment(_ context.Context, id string) (*model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *a
	c.Metadata = cloneMap(a.Metadata)
	return &c, nil
}

func (s *Store) ListAppointments(_ context.Context, userID string, from, to *time.Time) ([]model.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Appointment
	for _, a := range s.appointments {
		if a.PatientID != userID && a.ProviderID != userID {
			continue
		}
		if from != nil && a.Start.Before(*from) {
			continue
		}
		if to != nil && !a.Start.Before(*to) {
			continue
		}
		c := *a
		c.Metadata = cloneMap(a.Metadata)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) GetRecord(_ context.Context, typ model.RecordType, id string) (*model.VersionedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if typ == model.RecordAppointment {
		a, ok := s.appointments[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		return model.AppointmentRecord(a), nil
	}
	r, ok := s.records[recordKey(typ, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) CreateRecord(_ context.Context, rec *model.VersionedRecord) error {
	if rec.Type == model.RecordAppointment {
		return fmt.Errorf("appointments are created through a reservation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(rec.Type, rec.ID)
	if _, exists := s.records[key]; exists {
		return store.ErrVersionMismatch
	}
	rec.Version = 1
	rec.UpdatedAt = s.now().UTC()
	s.records[key] = cloneRecord(rec)
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, typ model.RecordType, id string, expected int64, data map[string]any) (*model.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	if typ == model.RecordAppointment {
		a, ok := s.appointments[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		if a.Version != expected {
			return nil, store.ErrVersionMismatch
		}
		next := *a
		next.Metadata = cloneMap(a.Metadata)
		if err := model.ApplyAppointmentData(&next, data); err != nil {
			return nil, err
		}
		next.Version++
		next.UpdatedAt = now
		s.appointments[id] = &next
		return model.AppointmentRecord(&next), nil
	}

	key := recordKey(typ, id)
	r, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	if r.Version != expected {
		return nil, store.ErrVersionMismatch
	}
	next := cloneRecord(r)
	next.Data = cloneMap(data)
	next.Version++
	next.UpdatedAt = now
	s.records[key] = next
	return cloneRecord(next), nil
}

func (s *Store) AppendAudit(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a copy of the audit trail.
func (s *Store) Audit() []model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditEntry(nil), s.audit...)
}

func (s *Store) SaveCalendarToken(_ context.Context, providerID string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[providerID] = append([]byte(nil), token...)
	return nil
}

func (s *Store) CalendarToken(_ context.Context, providerID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[providerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), t...), nil
}

// SetClock overrides the timestamp source; tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func cloneTemplate(t *model.WeeklyTemplate) *model.WeeklyTemplate {
	c := *t
	c.Days = append([]model.DaySchedule(nil), t.Days...)
	return &c
}

func cloneRecord(r *model.VersionedRecord) *model.VersionedRecord {
	c := *r
	c.Data = cloneMap(r.Data)
	return &c
}

// cloneMap deep-copies through a JSON round trip so callers never share
// nested maps or slices with the store.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}
