package repository

import "github.com/m-mizutani/goerr/v2"

// Sentinel errors shared by every CardStore backend. Backends wrap these so
// callers can errors.Is without knowing which backend they talk to.
var (
	ErrNotFound         = goerr.New("card not found")
	ErrAlreadyExists    = goerr.New("card already exists")
	ErrSessionNotFound  = goerr.New("session not found")
	ErrPermissionDenied = goerr.New("session is not allowed to write this card type")
	ErrPatchFailed      = goerr.New("patch could not be applied")
	ErrSlowConsumer     = goerr.New("stream consumer fell behind")
)
