package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const appointmentColumns = `id::text, provider_id, patient_id, start_at, duration_mins, status, metadata, version, created_at, updated_at`

func scanAppointment(row pgx.Row) (*model.Appointment, error) {
	var (
		a      model.Appointment
		status string
		meta   []byte
	)
	if err := row.Scan(&a.ID, &a.ProviderID, &a.PatientID, &a.Start, &a.DurationMins,
		&status, &meta, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = model.AppointmentStatus(status)
	a.Start = a.Start.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode appointment metadata: %w", err)
		}
	}
	return &a, nil
}

func bookedIntervals(ctx context.Context, q querier, providerID string, from, to time.Time) ([]model.Interval, error) {
	sql := `SELECT start_at, duration_mins FROM appointments
	        WHERE provider_id=$1
	          AND status IN ('SCHEDULED','CONFIRMED')
	          AND start_at < $3
	          AND start_at + make_interval(mins => duration_mins) > $2
	        ORDER BY start_at`
	rows, err := q.Query(ctx, sql, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Interval
	for rows.Next() {
		var (
			start time.Time
			mins  int
		)
		if err := rows.Scan(&start, &mins); err != nil {
			return nil, err
		}
		start = start.UTC()
		out = append(out, model.Interval{Start: start, End: start.Add(time.Duration(mins) * time.Minute)})
	}
	return out, rows.Err()
}

func (s *Store) BookedIntervals(ctx context.Context, providerID string, from, to time.Time) ([]model.Interval, error) {
	out, err := bookedIntervals(ctx, s.DB, providerID, from, to)
	if err != nil {
		return nil, classify("list booked intervals", err)
	}
	return out, nil
}

// lockKeys returns one advisory-lock key per calendar day the appointment
// touches, in ascending order so concurrent reservations never deadlock.
func lockKeys(providerID string, day time.Time, end time.Time) []string {
	first, _ := store.DayBounds(day)
	var keys []string
	for d := first; d.Before(end); d = d.AddDate(0, 0, 1) {
		keys = append(keys, providerID+"|"+d.Format("2006-01-02"))
	}
	if len(keys) == 0 {
		keys = append(keys, providerID+"|"+first.Format("2006-01-02"))
	}
	return keys
}

func (s *Store) ReserveAtomically(ctx context.Context, appt *model.Appointment, day time.Time, check store.ReservationCheck) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin reservation", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range lockKeys(appt.ProviderID, day, appt.End()) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return classify("lock provider day", err)
		}
	}

	tpl, err := getTemplate(ctx, tx, appt.ProviderID)
	if err != nil {
		return err
	}

	from, to := store.DayBounds(day)
	if end := appt.End(); end.After(to) {
		to = end
	}
	booked, err := bookedIntervals(ctx, tx, appt.ProviderID, from, to)
	if err != nil {
		return classify("recheck booked intervals", err)
	}
	if check != nil {
		if err := check(tpl, booked); err != nil {
			return err
		}
	}
	want := appt.Interval()
	for _, b := range booked {
		if b.Overlaps(want) {
			return store.ErrOverlap
		}
	}

	meta := appt.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode appointment metadata: %w", err)
	}

	now := time.Now().UTC()
	insertQ := `INSERT INTO appointments
		(id, provider_id, patient_id, start_at, duration_mins, status, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, 1, $8, $8)`
	if _, err := tx.Exec(ctx, insertQ,
		appt.ID, appt.ProviderID, appt.PatientID, appt.Start.UTC(), appt.DurationMins,
		string(appt.Status), string(metaJSON), now,
	); err != nil {
		return classify("insert appointment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit reservation", err)
	}

	appt.Version = 1
	appt.CreatedAt = now
	appt.UpdatedAt = now
	return nil
}

func getTemplate(ctx context.Context, q querier, providerID string) (*model.WeeklyTemplate, error) {
	var (
		t    model.WeeklyTemplate
		days []byte
	)
	err := q.QueryRow(ctx, `SELECT provider_id, timezone, days, updated_at FROM provider_templates WHERE provider_id=$1`, providerID).
		Scan(&t.ProviderID, &t.Timezone, &days, &t.UpdatedAt)
	if err != nil {
		return nil, classify("get template", err)
	}
	if err := json.Unmarshal(days, &t.Days); err != nil {
		return nil, fmt.Errorf("decode template days for %s: %w", providerID, err)
	}
	return &t, nil
}

func (s *Store) GetAppointment(ctx context.Context, id string) (*model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	a, err := scanAppointment(s.DB.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id=$1`, id))
	if err != nil {
		return nil, classify("get appointment", err)
	}
	return a, nil
}

func (s *Store) ListAppointments(ctx context.Context, userID string, from, to *time.Time) ([]model.Appointment, error) {
	conds := []string{`(patient_id=$1 OR provider_id=$1)`}
	args := []any{userID}
	if from != nil {
		args = append(args, from.UTC())
		conds = append(conds, fmt.Sprintf("start_at >= $%d", len(args)))
	}
	if to != nil {
		args = append(args, to.UTC())
		conds = append(conds, fmt.Sprintf("start_at < $%d", len(args)))
	}
	q := `SELECT ` + appointmentColumns + ` FROM appointments WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY start_at`

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, classify("list appointments", err)
	}
	defer rows.Close()

	var out []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, classify("scan appointment", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list appointments", err)
	}
	return out, nil
}

func (s *Store) casAppointment(ctx context.Context, id string, expected int64, data map[string]any) (*model.VersionedRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrNotFound
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, classify("begin appointment update", err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, classify("lock appointment", err)
	}
	if a.Version != expected {
		return nil, store.ErrVersionMismatch
	}
	if err := model.ApplyAppointmentData(a, data); err != nil {
		return nil, err
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode appointment metadata: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE appointments SET status=$2, metadata=$3::jsonb, version=version+1, updated_at=$4 WHERE id=$1`,
		id, string(a.Status), string(metaJSON), now,
	); err != nil {
		return nil, classify("update appointment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit appointment update", err)
	}
	a.Version++
	a.UpdatedAt = now
	return model.AppointmentRecord(a), nil
}
