package memory

import "github.com/deckflow-lab/deckflow/pkg/repository"

// Aliases to the shared backend sentinels.
var (
	ErrNotFound         = repository.ErrNotFound
	ErrAlreadyExists    = repository.ErrAlreadyExists
	ErrSessionNotFound  = repository.ErrSessionNotFound
	ErrPermissionDenied = repository.ErrPermissionDenied
	ErrPatchFailed      = repository.ErrPatchFailed
	ErrSlowConsumer     = repository.ErrSlowConsumer
)
