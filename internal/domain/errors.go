package domain

import "errors"

var (
	// ErrNotFound is returned when a user, session or snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrNoInteractions is returned when ending a session that has no interactions.
	ErrNoInteractions = errors.New("no interactions found for this session")
	// ErrSessionClosed is returned when a message targets a completed or cancelled session.
	ErrSessionClosed = errors.New("session is no longer active")
	// ErrInvalidTransition is returned for status changes the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrEmailTaken is returned when registering an email that already exists.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)
