package pipeline

import (
	"context"
	"errors"
	"fmt"

	"pagewatch/internal/fetch"
	"pagewatch/internal/normalize"
)

// ErrPassInProgress is returned by RunPass when another pass holds the gate.
var ErrPassInProgress = errors.New("pipeline: pass already in progress")

// FatalError is a failure of a whole pass outside any single target, such
// as a panic in the pass driver itself.
type FatalError struct {
	PassID string
	Panic  any
	Stack  string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("pass %s: panic: %v", e.PassID, e.Panic)
	}
	return fmt.Sprintf("pass %s: %v", e.PassID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

type stageError struct {
	reason string
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func storeErr(err error) error { return &stageError{reason: ReasonStore, err: err} }

// skipReason maps a per-target error to its skip reason.
func skipReason(err error) string {
	var (
		se  *stageError
		st  *fetch.StatusError
		ext *normalize.ExtractionError
	)
	switch {
	case errors.As(err, &se):
		return se.reason
	case fetch.IsTransient(err):
		return ReasonTransient
	case errors.As(err, &st):
		return ReasonHTTPStatus
	case errors.Is(err, fetch.ErrBodyTooLarge):
		return ReasonTooLarge
	case errors.As(err, &ext):
		return ReasonExtraction
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonError
	}
}
