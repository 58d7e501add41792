package domain

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration errors
type Kind string

const (
	KindTransient             Kind = "transient_invocation"
	KindQuotaLimited          Kind = "quota_limited"
	KindMarkerParse           Kind = "marker_parse"
	KindFindingsInconsistency Kind = "findings_inconsistency"
	KindCorruptState          Kind = "corrupt_state"
	KindCycleLimitExceeded    Kind = "cycle_limit_exceeded"
	KindNotFound              Kind = "not_found"
	KindStateActive           Kind = "state_active"
	KindPreflight             Kind = "preflight"
	KindInterrupted           Kind = "interrupted"
)

// Error is an orchestration error of a known kind
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrCorruptState) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrTransient             = &Error{Kind: KindTransient}
	ErrQuotaLimited          = &Error{Kind: KindQuotaLimited}
	ErrMarkerParse           = &Error{Kind: KindMarkerParse}
	ErrFindingsInconsistency = &Error{Kind: KindFindingsInconsistency}
	ErrCorruptState          = &Error{Kind: KindCorruptState}
	ErrCycleLimitExceeded    = &Error{Kind: KindCycleLimitExceeded}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrStateActive           = &Error{Kind: KindStateActive}
	ErrPreflight             = &Error{Kind: KindPreflight}
	ErrInterrupted           = &Error{Kind: KindInterrupted}
)

// Errorf builds an *Error with a formatted cause
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or "" when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
