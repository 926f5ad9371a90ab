package model

import (
	"fmt"
	"time"
)

// AppointmentRecord exposes an appointment to the conflict engine.
func AppointmentRecord(a *Appointment) *VersionedRecord {
	meta := map[string]any{}
	for k, v := range a.Metadata {
		meta[k] = v
	}
	return &VersionedRecord{
		Type:      RecordAppointment,
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.ProviderID,
		Version:   a.Version,
		Data: map[string]any{
			"status":        string(a.Status),
			"start":         a.Start.UTC().Format(time.RFC3339),
			"duration_mins": a.DurationMins,
			"metadata":      meta,
		},
		UpdatedAt: a.UpdatedAt,
	}
}

// ApplyAppointmentData copies the writable fields of data onto a. Start and
// duration are owned by the reservation path and are ignored here.
func ApplyAppointmentData(a *Appointment, data map[string]any) error {
	if raw, ok := data["status"]; ok {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("status must be a string")
		}
		next := AppointmentStatus(s)
		switch next {
		case StatusScheduled, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		default:
			return fmt.Errorf("unknown appointment status %q", s)
		}
		if next.Blocking() && !a.Status.Blocking() {
			return fmt.Errorf("cannot move a %s appointment back to %s; book a new slot", a.Status, next)
		}
		a.Status = next
	}
	if raw, ok := data["metadata"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("metadata must be an object")
		}
		a.Metadata = m
	}
	return nil
}
