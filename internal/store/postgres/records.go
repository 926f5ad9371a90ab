package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

const recordColumns = `record_type, id, patient_id, doctor_id, data, version, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (*model.VersionedRecord, error) {
	var (
		r    model.VersionedRecord
		typ  string
		data []byte
	)
	if err := row.Scan(&typ, &r.ID, &r.PatientID, &r.DoctorID, &data, &r.Version, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Type = model.RecordType(typ)
	if err := json.Unmarshal(data, &r.Data); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	return &r, nil
}

func (s *Store) GetRecord(ctx context.Context, typ model.RecordType, id string) (*model.VersionedRecord, error) {
	if typ == model.RecordAppointment {
		a, err := s.GetAppointment(ctx, id)
		if err != nil {
			return nil, err
		}
		return model.AppointmentRecord(a), nil
	}
	r, err := scanRecord(s.DB.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM clinical_records WHERE record_type=$1 AND id=$2`, string(typ), id))
	if err != nil {
		return nil, classify("get record", err)
	}
	return r, nil
}

func (s *Store) CreateRecord(ctx context.Context, rec *model.VersionedRecord) error {
	if rec.Type == model.RecordAppointment {
		return fmt.Errorf("appointments are created through a reservation")
	}
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record data: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.DB.Exec(ctx,
		`INSERT INTO clinical_records (record_type, id, patient_id, doctor_id, data, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, 1, $6)`,
		string(rec.Type), rec.ID, rec.PatientID, rec.DoctorID, string(data), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrVersionMismatch
		}
		return classify("create record", err)
	}
	rec.Version = 1
	rec.UpdatedAt = now
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, typ model.RecordType, id string, expected int64, data map[string]any) (*model.VersionedRecord, error) {
	if typ == model.RecordAppointment {
		return s.casAppointment(ctx, id, expected, data)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode record data: %w", err)
	}

	r, err := scanRecord(s.DB.QueryRow(ctx,
		`UPDATE clinical_records
		 SET data=$4::jsonb, version=version+1, updated_at=now()
		 WHERE record_type=$1 AND id=$2 AND version=$3
		 RETURNING `+recordColumns,
		string(typ), id, expected, string(payload)))
	if err == nil {
		return r, nil
	}
	err = classify("compare and swap record", err)
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// No row updated: either the record is gone or someone bumped the version.
	if _, getErr := s.GetRecord(ctx, typ, id); getErr != nil {
		return nil, getErr
	}
	return nil, store.ErrVersionMismatch
}

func (s *Store) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO audit_log (actor_id, actor_role, action, record_type, record_id, from_version, to_version, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ActorID, string(e.ActorRole), e.Action, string(e.RecordType), e.RecordID, e.FromVersion, e.ToVersion, e.At)
	return classify("append audit", err)
}

func (s *Store) SaveCalendarToken(ctx context.Context, providerID string, token []byte) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO calendar_tokens (provider_id, token, updated_at) VALUES ($1, $2::jsonb, now())
		 ON CONFLICT (provider_id) DO UPDATE SET token=EXCLUDED.token, updated_at=EXCLUDED.updated_at`,
		providerID, string(token))
	return classify("save calendar token", err)
}

func (s *Store) CalendarToken(ctx context.Context, providerID string) ([]byte, error) {
	var token []byte
	if err := s.DB.QueryRow(ctx, `SELECT token FROM calendar_tokens WHERE provider_id=$1`, providerID).Scan(&token); err != nil {
		return nil, classify("get calendar token", err)
	}
	return token, nil
}
