// Package apperr holds the sentinel errors shared by the store, broker and transport layers.
package apperr

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnauthenticated = errors.New("authentication failed")
	ErrAccessDenied    = errors.New("access denied")
	ErrWrongRoom       = errors.New("not in this room")
	ErrNotInRoom       = errors.New("not in a room")
	ErrPersistence     = errors.New("persistence failure")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Code maps err to the stable code sent to clients in error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrWrongRoom):
		return "wrong_room"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "internal"
	}
}
