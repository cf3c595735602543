package config

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/repository/firestore"
	"github.com/deckflow-lab/deckflow/pkg/repository/memory"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

// Repository holds CLI flags for card store backend configuration
type Repository struct {
	backend    string
	projectID  string
	databaseID string
}

// Flags returns CLI flags for repository configuration
func (r *Repository) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository-backend",
			Usage:       "Card store backend (firestore or memory)",
			Value:       "firestore",
			Sources:     cli.EnvVars("DECKFLOW_REPOSITORY_BACKEND"),
			Destination: &r.backend,
		},
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore Project ID (required when using firestore backend)",
			Sources:     cli.EnvVars("DECKFLOW_FIRESTORE_PROJECT_ID"),
			Destination: &r.projectID,
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore Database ID",
			Sources:     cli.EnvVars("DECKFLOW_FIRESTORE_DATABASE_ID"),
			Destination: &r.databaseID,
		},
	}
}

// Backend returns the configured backend type
func (r *Repository) Backend() string {
	return r.backend
}

// Configure initializes the card store. The returned closer releases the
// backend client; for the memory backend it is a no-op.
func (r *Repository) Configure(ctx context.Context, system types.SessionID) (interfaces.CardStore, func() error, error) {
	switch r.backend {
	case "firestore":
		if r.projectID == "" {
			return nil, nil, goerr.New("firestore-project-id is required when using firestore backend")
		}
		store, err := firestore.New(ctx, r.projectID, r.databaseID,
			firestore.WithSystemSession(system))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to initialize firestore card store")
		}
		logging.Default().Info("Using Firestore card store",
			"project_id", r.projectID,
			"database_id", r.databaseID,
		)
		return store, store.Close, nil

	case "memory":
		logging.Default().Info("Using in-memory card store (development mode)")
		store := memory.New(memory.WithSystemSession(system))
		return store, func() error { return nil }, nil

	default:
		return nil, nil, goerr.New("invalid repository backend", goerr.V("backend", r.backend))
	}
}
