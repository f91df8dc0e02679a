package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error codes surfaced to clients.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRoomNotFound   = "ROOM_NOT_FOUND"
	CodeRoomExists     = "ROOM_EXISTS"
	CodeUserExists     = "USER_EXISTS" // reserved; reconnection policy never raises it
	CodeRateLimit      = "RATE_LIMIT"
	CodeDatabaseError  = "DATABASE_ERROR"
	CodeInternalError  = "INTERNAL_ERROR"
)

// ProtocolError is an error that maps onto a wire error frame.
type ProtocolError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	RetryAfter    int    `json:"retryAfter,omitempty"` // seconds
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a ProtocolError with a fresh correlation id.
func NewError(code, message string) *ProtocolError {
	return &ProtocolError{
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// NewRateLimitError builds a RATE_LIMIT error carrying retry-after seconds.
func NewRateLimitError(retryAfter int) *ProtocolError {
	e := NewError(CodeRateLimit, "rate limit exceeded")
	if retryAfter < 1 {
		retryAfter = 1
	}
	e.RetryAfter = retryAfter
	return e
}

// AsProtocolError converts any error into a ProtocolError. Known codes pass
// through; everything else becomes INTERNAL_ERROR with a fresh correlation id.
func AsProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		if pe.CorrelationID == "" {
			pe.CorrelationID = uuid.NewString()
		}
		return pe
	}
	return NewError(CodeInternalError, "internal error")
}
