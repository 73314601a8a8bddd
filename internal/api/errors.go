package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/rope"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps a decode error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, decode.ErrInvalidTokens),
		errors.Is(err, decode.ErrNonSequentialStep),
		errors.Is(err, decode.ErrNoLogits):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, rope.ErrPositionOutOfRange):
		return http.StatusUnprocessableEntity, "context_length_exceeded"
	case errors.Is(err, decode.ErrSessionClosed),
		errors.Is(err, decode.ErrSessionFailed):
		return http.StatusConflict, "session_unusable"
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
