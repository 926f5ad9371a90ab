package model

import (
	"context"
	"time"
)

// Event types carried in stream envelopes.
const (
	EventConnected      = "connected"
	EventHeartbeat      = "heartbeat"
	EventNotifications  = "notifications"
	EventAppointments   = "appointments"
	EventPatientUpdates = "patient_updates"
)

// Scope selects the subscribers an event is delivered to. Admins always match.
type Scope struct {
	UserIDs []string `json:"user_ids,omitempty"`
	Roles   []Role   `json:"roles,omitempty"`
}

func (s Scope) Matches(id Identity) bool {
	if id.IsAdmin() {
		return true
	}
	for _, u := range s.UserIDs {
		if u != "" && u == id.UserID {
			return true
		}
	}
	for _, r := range s.Roles {
		if r == id.Role {
			return true
		}
	}
	return false
}

type ChangeEvent struct {
	Type       string    `json:"type"`
	Payload    any       `json:"payload"`
	Scope      Scope     `json:"scope"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is implemented by the notifier. Publish is best-effort; commit
// paths log a returned error and carry on.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}
