package interfaces

import (
	"context"

	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

// CardFilter selects cards by exact-match criteria. Data keys are dotted
// paths into the card's data document (e.g. "payload.id").
type CardFilter struct {
	Type   string
	Slug   types.Slug
	Data   map[string]any
	Limit  int
	// OrderByDataDesc sorts descending by the named data path before Limit
	// applies. Empty means unspecified order.
	OrderByDataDesc string
}

// Subscription is a live feed of cards matching a filter. Close is idempotent
// and releases the feed; Events is closed afterwards (or on stream error,
// which Err then reports).
type Subscription interface {
	Events() <-chan *model.Card
	Err() error
	Close()
}

// CardStore is the persistence collaborator of the execution core. Every
// operation is scoped by the caller's session card; a store rejects sessions
// it cannot resolve and refuses ledger writes (action requests, execution
// events, links) from non-privileged sessions.
type CardStore interface {
	InsertCard(ctx context.Context, session types.SessionID, card *model.Card) (*model.Card, error)
	GetCardByID(ctx context.Context, session types.SessionID, id types.CardID) (*model.Card, error)
	GetCardBySlug(ctx context.Context, session types.SessionID, slug types.VersionedSlug) (*model.Card, error)
	Query(ctx context.Context, session types.SessionID, filter *CardFilter) ([]*model.Card, error)
	// PatchCard applies an RFC 6902 patch document to the stored card.
	PatchCard(ctx context.Context, session types.SessionID, id types.CardID, patch []byte) (*model.Card, error)
	Stream(ctx context.Context, session types.SessionID, filter *CardFilter) (Subscription, error)
	// AttachLink records a directed, named edge between two cards.
	AttachLink(ctx context.Context, session types.SessionID, name string, from, to types.CardID) error
}
