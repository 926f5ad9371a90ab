package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/metrics"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/store"
)

const DefaultTTL = 15 * time.Minute

type Engine struct {
	records store.RecordStore
	audit   store.AuditStore
	cache   Cache
	ttl     time.Duration
	pub     model.Publisher
	metrics *metrics.Collector
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Engine)

func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPublisher(p model.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(records store.RecordStore, audit store.AuditStore, cache Cache, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{records: records, audit: audit, cache: cache, ttl: DefaultTTL, now: time.Now, log: log}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Detect returns nil when the caller's version is current or the record does
// not exist yet. Otherwise it caches and returns a Report.
func (e *Engine) Detect(ctx context.Context, who model.Identity, typ model.RecordType, id string, clientVersion int64) (*Report, error) {
	if !typ.Valid() {
		return nil, apperr.Validationf("unknown record type %q", typ)
	}
	if id == "" {
		return nil, apperr.Validationf("record id is required")
	}
	rec, err := e.records.GetRecord(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", typ, id, err)
	}
	if err := authorize(who, rec); err != nil {
		return nil, err
	}
	if rec.Version == clientVersion {
		return nil, nil
	}
	return e.report(ctx, rec, clientVersion, nil)
}

func (e *Engine) report(ctx context.Context, rec *model.VersionedRecord, clientVersion int64, local map[string]any) (*Report, error) {
	r := &Report{
		ConflictID:    uuid.NewString(),
		RecordType:    rec.Type,
		RecordID:      rec.ID,
		LocalVersion:  clientVersion,
		RemoteVersion: rec.Version,
		Local:         local,
		Remote:        rec.Data,
		DetectedAt:    e.now().UTC(),
	}
	if err := e.cache.Put(ctx, r, e.ttl); err != nil {
		return nil, fmt.Errorf("cache conflict report: %w", err)
	}
	e.metrics.ConflictDetected(string(rec.Type))
	e.log.Info("version conflict detected",
		zap.String("conflict_id", r.ConflictID),
		zap.String("record_type", string(rec.Type)),
		zap.String("record_id", rec.ID),
		zap.Int64("local_version", clientVersion),
		zap.Int64("remote_version", rec.Version))
	return r, nil
}

// Resolve applies strategy to a previously reported conflict. A record that
// moved again since the report yields a fresh report instead of a write.
// Repeating a successful write resolution with the same strategy and
// proposedData returns the stored result without writing again.
func (e *Engine) Resolve(ctx context.Context, who model.Identity, conflictID, strategy string, proposed map[string]any) (*Result, error) {
	st, err := ParseStrategy(strategy)
	if err != nil {
		return nil, err
	}
	if st != StrategyRemote && proposed == nil {
		return nil, apperr.Validationf("proposedData is required for strategy %s", st)
	}

	rep, err := e.cache.Get(ctx, conflictID)
	if errors.Is(err, ErrReportNotFound) {
		return nil, apperr.NotFoundf("conflict %s not found or expired", conflictID)
	}
	if err != nil {
		return nil, fmt.Errorf("load conflict report: %w", err)
	}

	current, err := e.records.GetRecord(ctx, rep.RecordType, rep.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFoundf("%s %s no longer exists", rep.RecordType, rep.RecordID)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", rep.RecordType, rep.RecordID, err)
	}
	if err := authorize(who, current); err != nil {
		return nil, err
	}

	if st == StrategyRemote {
		e.metrics.ConflictResolved(string(st))
		return &Result{Success: true, Strategy: st, Result: current, ResolvedAt: e.now().UTC()}, nil
	}

	input := canonical(proposed)
	if prev := rep.Resolution; prev != nil {
		if prev.Strategy == st && prev.Input == input {
			return &prev.Result, nil
		}
	}

	data := proposed
	if st == StrategyMerge {
		data = Merge(rep.RecordType, proposed, rep.Remote)
	}
	if current.Version != rep.RemoteVersion {
		fresh, err := e.report(ctx, current, rep.RemoteVersion, proposed)
		if err != nil {
			return nil, err
		}
		return nil, &Error{Report: fresh}
	}
	if err := checkData(current, data); err != nil {
		return nil, err
	}

	updated, err := e.write(ctx, current.Type, current.ID, rep.RemoteVersion, data)
	if err != nil {
		return nil, err
	}
	res := Result{Success: true, Strategy: st, Result: updated, ResolvedAt: e.now().UTC()}

	rep.Resolution = &Resolution{Strategy: st, Input: input, Result: res}
	if err := e.cache.Put(ctx, rep, e.ttl); err != nil {
		e.log.Warn("failed to record conflict resolution",
			zap.String("conflict_id", conflictID), zap.Error(err))
		if err := e.cache.Delete(ctx, conflictID); err != nil {
			e.log.Warn("failed to drop resolved conflict",
				zap.String("conflict_id", conflictID), zap.Error(err))
		}
	}

	if st == StrategyLocal {
		e.log.Warn("local edit overwrote remote version",
			zap.String("conflict_id", conflictID),
			zap.String("actor_id", who.UserID),
			zap.String("record_type", string(updated.Type)),
			zap.String("record_id", updated.ID),
			zap.Int64("from_version", rep.RemoteVersion),
			zap.Int64("to_version", updated.Version))
		e.appendAudit(ctx, who, "conflict.resolve.local", updated, rep.RemoteVersion)
	} else {
		e.appendAudit(ctx, who, "conflict.resolve.merge", updated, rep.RemoteVersion)
	}

	e.metrics.ConflictResolved(string(st))
	e.publish(ctx, "resolved", updated)
	return &res, nil
}

type SaveRequest struct {
	Type          model.RecordType
	ID            string
	ClientVersion int64
	Data          map[string]any
	PatientID     string
	DoctorID      string
}

// Save is the ordinary update path. A missing record is created at version 1;
// a stale ClientVersion yields a Report via *Error.
func (e *Engine) Save(ctx context.Context, who model.Identity, req SaveRequest) (*model.VersionedRecord, error) {
	if !req.Type.Valid() {
		return nil, apperr.Validationf("unknown record type %q", req.Type)
	}
	if req.ID == "" {
		return nil, apperr.Validationf("record id is required")
	}
	if req.Data == nil {
		return nil, apperr.Validationf("data is required")
	}

	current, err := e.records.GetRecord(ctx, req.Type, req.ID)
	if errors.Is(err, store.ErrNotFound) {
		return e.create(ctx, who, req)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", req.Type, req.ID, err)
	}
	if err := authorize(who, current); err != nil {
		return nil, err
	}
	if current.Version != req.ClientVersion {
		rep, err := e.report(ctx, current, req.ClientVersion, req.Data)
		if err != nil {
			return nil, err
		}
		return nil, &Error{Report: rep}
	}
	if err := checkData(current, req.Data); err != nil {
		return nil, err
	}

	updated, err := e.write(ctx, req.Type, req.ID, req.ClientVersion, req.Data)
	if err != nil {
		return nil, err
	}
	e.appendAudit(ctx, who, "record.update", updated, req.ClientVersion)
	e.publish(ctx, "updated", updated)
	return updated, nil
}

func (e *Engine) create(ctx context.Context, who model.Identity, req SaveRequest) (*model.VersionedRecord, error) {
	if req.Type == model.RecordAppointment {
		return nil, apperr.NotFoundf("appointment %s not found", req.ID)
	}
	rec := &model.VersionedRecord{
		Type:      req.Type,
		ID:        req.ID,
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Data:      req.Data,
	}
	if rec.PatientID == "" {
		return nil, apperr.Validationf("patientId is required to create a %s", req.Type)
	}
	if err := authorize(who, rec); err != nil {
		return nil, err
	}
	err := e.records.CreateRecord(ctx, rec)
	if errors.Is(err, store.ErrVersionMismatch) {
		// Lost a create race; report against whatever won.
		current, gerr := e.records.GetRecord(ctx, req.Type, req.ID)
		if gerr != nil {
			return nil, fmt.Errorf("load %s %s: %w", req.Type, req.ID, gerr)
		}
		rep, rerr := e.report(ctx, current, req.ClientVersion, req.Data)
		if rerr != nil {
			return nil, rerr
		}
		return nil, &Error{Report: rep}
	}
	if err != nil {
		return nil, fmt.Errorf("create %s %s: %w", req.Type, req.ID, err)
	}
	e.appendAudit(ctx, who, "record.create", rec, 0)
	e.publish(ctx, "created", rec)
	return rec, nil
}

// write performs the compare-and-swap, turning a lost race into a fresh report.
func (e *Engine) write(ctx context.Context, typ model.RecordType, id string, expected int64, data map[string]any) (*model.VersionedRecord, error) {
	updated, err := e.records.CompareAndSwap(ctx, typ, id, expected, data)
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, store.ErrVersionMismatch):
		current, gerr := e.records.GetRecord(ctx, typ, id)
		if gerr != nil {
			return nil, fmt.Errorf("reload %s %s: %w", typ, id, gerr)
		}
		rep, rerr := e.report(ctx, current, expected, data)
		if rerr != nil {
			return nil, rerr
		}
		return nil, &Error{Report: rep}
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFoundf("%s %s not found", typ, id)
	}
	return nil, fmt.Errorf("write %s %s: %w", typ, id, err)
}

// Vitals belong to the patient; appointments and prescriptions also to the
// assigned doctor.
func authorize(who model.Identity, rec *model.VersionedRecord) error {
	switch rec.Type {
	case model.RecordVital:
		if who.UserID != "" && who.UserID == rec.PatientID {
			return nil
		}
	case model.RecordAppointment, model.RecordPrescription:
		if who.UserID != "" && (who.UserID == rec.PatientID || who.UserID == rec.DoctorID) {
			return nil
		}
	}
	return apperr.Forbidden(fmt.Sprintf("not allowed to modify %s %s", rec.Type, rec.ID))
}

// checkData rejects appointment edits the store would refuse, before any write.
func checkData(current *model.VersionedRecord, data map[string]any) error {
	if current.Type != model.RecordAppointment {
		return nil
	}
	status, _ := current.Data["status"].(string)
	scratch := &model.Appointment{Status: model.AppointmentStatus(status)}
	if err := model.ApplyAppointmentData(scratch, data); err != nil {
		return apperr.Validationf("%v", err)
	}
	return nil
}

func (e *Engine) appendAudit(ctx context.Context, who model.Identity, action string, rec *model.VersionedRecord, from int64) {
	if e.audit == nil {
		return
	}
	err := e.audit.AppendAudit(ctx, model.AuditEntry{
		ActorID:     who.UserID,
		ActorRole:   who.Role,
		Action:      action,
		RecordType:  rec.Type,
		RecordID:    rec.ID,
		FromVersion: from,
		ToVersion:   rec.Version,
		At:          e.now().UTC(),
	})
	if err != nil {
		e.log.Error("audit append failed", zap.String("action", action), zap.String("record_id", rec.ID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, action string, rec *model.VersionedRecord) {
	if e.pub == nil {
		return
	}
	typ := model.EventPatientUpdates
	if rec.Type == model.RecordAppointment {
		typ = model.EventAppointments
	}
	ev := model.ChangeEvent{
		Type:       typ,
		Payload:    map[string]any{"action": action, "record": rec},
		Scope:      model.Scope{UserIDs: []string{rec.PatientID, rec.DoctorID}},
		OccurredAt: e.now().UTC(),
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.log.Warn("publish record event failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}
