package queue

import "github.com/m-mizutani/goerr/v2"

// Sentinel errors of the queue family
var (
	// ErrNoRequest means a wait found no execution event for the request.
	ErrNoRequest = goerr.New("no execution event for request")
	// ErrServiceUnavailable means the broker stayed unreachable after
	// bounded retries. Wrapped errors carry a "retries" value.
	ErrServiceUnavailable = goerr.New("queue service unavailable")
	// ErrInvalidRequest means the target card of a request cannot be
	// resolved, or a stored event is malformed.
	ErrInvalidRequest = goerr.New("invalid action request")
	// ErrInvalidAction means the action card cannot be resolved.
	ErrInvalidAction = goerr.New("invalid action")
	// ErrInvalidSession means the caller's session cannot be resolved.
	ErrInvalidSession = goerr.New("invalid session")
)
