package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrFailed        = errors.New("challenge: user failed challenge")
	ErrMissingField  = errors.New("challenge: missing field")
	ErrInvalidFormat = errors.New("challenge: field has invalid format")

	ErrNotFound            = errors.New("challenge: not found")
	ErrExpired             = errors.New("challenge: expired")
	ErrDuplicateSubmission = errors.New("challenge: already submitted")
	ErrRateLimited         = errors.New("challenge: too many outstanding challenges")
	ErrForbidden           = errors.New("challenge: not issued to this requester")
	ErrUnknownKind         = errors.New("challenge: unknown or disabled kind")
)

// NewError wraps privateReason with a message that is safe to show to the
// requester. The status code is picked from the sentinel privateReason wraps.
func NewError(verb, publicReason string, privateReason error) *Error {
	return &Error{
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		StatusCode:    StatusCode(privateReason),
	}
}

// Error is a challenge failure with separate public and private reasons.
type Error struct {
	PrivateReason error
	Verb          string
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: error when processing challenge: %s: %v", e.Verb, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}

// StatusCode maps a challenge error to the HTTP status the API answers with.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrDuplicateSubmission):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrMissingField), errors.Is(err, ErrInvalidFormat), errors.Is(err, ErrUnknownKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
