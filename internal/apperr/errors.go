// Package apperr is the error taxonomy shared by the scheduling core and the
// HTTP layer. Every error a caller is expected to branch on carries a Kind.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPermission
	KindNotFound
	KindSlotConflict
	KindVersionConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindSlotConflict:
		return "slot_conflict"
	case KindVersionConflict:
		return "version_conflict"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// Wire codes returned to clients.
const (
	CodeValidation       = "VALIDATION"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeSlotTaken        = "SLOT_TAKEN"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.SlotTaken)
// works against errors built with different messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindSlotConflict || e.Kind == KindTransient
}

// Kind-only sentinels for errors.Is.
var (
	Validation      = &Error{Kind: KindValidation}
	Permission      = &Error{Kind: KindPermission}
	NotFound        = &Error{Kind: KindNotFound}
	SlotTaken       = &Error{Kind: KindSlotConflict}
	VersionConflict = &Error{Kind: KindVersionConflict}
	Transient       = &Error{Kind: KindTransient}
)

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindPermission, Code: CodeForbidden, Message: msg}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func SlotUnavailable(msg string) *Error {
	return &Error{Kind: KindSlotConflict, Code: CodeSlotTaken, Message: msg}
}

func StoreUnavailable(op string, err error) *Error {
	return &Error{Kind: KindTransient, Code: CodeStoreUnavailable, Message: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
