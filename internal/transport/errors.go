package transport

import "errors"

// Delivery failures an adapter maps its platform errors onto. Adapters wrap
// these so callers can use errors.Is without importing the platform SDK.
var (
	ErrChatNotFound = errors.New("transport: chat not found")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrBadRequest   = errors.New("transport: bad request")
)
