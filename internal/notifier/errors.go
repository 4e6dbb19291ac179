package notifier

import (
	"context"
	"errors"
	"fmt"

	"pagewatch/internal/transport"
)

// FailureKind is the coarse reason a delivery failed.
type FailureKind string

const (
	FailChatNotFound FailureKind = "chat_not_found"
	FailForbidden    FailureKind = "forbidden"
	FailBadRequest   FailureKind = "bad_request"
	FailTimeout      FailureKind = "timeout"
	FailOther        FailureKind = "other"
)

// DeliveryError is one failed delivery to one destination.
type DeliveryError struct {
	ChatID int64
	Kind   FailureKind
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d (%s): %v", e.ChatID, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func failureKind(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.Is(err, transport.ErrChatNotFound):
		return FailChatNotFound
	case errors.Is(err, transport.ErrForbidden):
		return FailForbidden
	case errors.Is(err, transport.ErrBadRequest):
		return FailBadRequest
	default:
		return FailOther
	}
}
