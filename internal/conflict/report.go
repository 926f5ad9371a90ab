// Package conflict detects stale writes to versioned records and applies the
// caller's chosen resolution.
package conflict

import (
	"fmt"
	"time"

	"clinic-scheduler/internal/apperr"
	"clinic-scheduler/internal/model"
)

type Strategy string

const (
	StrategyRemote Strategy = "remote"
	StrategyLocal  Strategy = "local"
	StrategyMerge  Strategy = "merge"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyRemote, StrategyLocal, StrategyMerge:
		return st, nil
	}
	return "", apperr.Validationf("unknown resolution strategy %q (want local, remote or merge)", s)
}

// Report is what a client needs to reconcile a concurrent edit. Reports are
// cached for a short TTL and never persisted.
type Report struct {
	ConflictID    string           `json:"conflictId"`
	RecordType    model.RecordType `json:"recordType"`
	RecordID      string           `json:"recordId"`
	LocalVersion  int64            `json:"localVersion"`
	RemoteVersion int64            `json:"remoteVersion"`
	Local         map[string]any   `json:"local,omitempty"`
	Remote        map[string]any   `json:"remote"`
	DetectedAt    time.Time        `json:"detectedAt"`

	// Set once a write strategy has been applied; kept so an identical
	// resolve can be answered again until the report expires.
	Resolution *Resolution `json:"resolution,omitempty"`
}

type Resolution struct {
	Strategy Strategy `json:"strategy"`
	Input    string   `json:"input"`
	Result   Result   `json:"result"`
}

// Error carries a Report through the error path. It matches apperr.VersionConflict.
type Error struct {
	Report *Report
}

func (e *Error) Error() string {
	return fmt.Sprintf("version conflict on %s %s: client has %d, store has %d",
		e.Report.RecordType, e.Report.RecordID, e.Report.LocalVersion, e.Report.RemoteVersion)
}

func (e *Error) Unwrap() error {
	return &apperr.Error{Kind: apperr.KindVersionConflict, Code: apperr.CodeVersionConflict, Message: "record changed"}
}

type Result struct {
	Success    bool                   `json:"success"`
	Strategy   Strategy               `json:"strategy"`
	Result     *model.VersionedRecord `json:"result"`
	ResolvedAt time.Time              `json:"resolvedAt"`
}
