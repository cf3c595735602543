package sync

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/repository"
)

// capabilityContext is the narrow store view handed to an integration.
// Reads go through the engine session; writes are restricted to the
// actor's own card, which covers token persistence and nothing else.
type capabilityContext struct {
	engine    *Engine
	requester interfaces.Requester
	actor     types.CardID
}

var _ interfaces.IntegrationContext = (*capabilityContext)(nil)

func (c *capabilityContext) Request(ctx context.Context, req *interfaces.HTTPRequest) (*interfaces.HTTPResponse, error) {
	return c.requester.Request(ctx, req)
}

func (c *capabilityContext) GetElementByID(ctx context.Context, id types.CardID) (*model.Card, error) {
	card, err := c.engine.store.GetCardByID(ctx, c.engine.session, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, goerr.Wrap(ErrNoElement, "no card with id", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get card", goerr.V("id", id))
	}
	return card, nil
}

func (c *capabilityContext) GetElementBySlug(ctx context.Context, slug types.VersionedSlug) (*model.Card, error) {
	card, err := c.engine.store.GetCardBySlug(ctx, c.engine.session, slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, goerr.Wrap(ErrNoElement, "no card with slug", goerr.V("slug", slug.String()))
		}
		return nil, goerr.Wrap(err, "failed to get card", goerr.V("slug", slug.String()))
	}
	return card, nil
}

func (c *capabilityContext) GetElementByMirrorID(ctx context.Context, provider, mirrorID string) (*model.Card, error) {
	cards, err := c.engine.store.Query(ctx, c.engine.session, &interfaces.CardFilter{
		Data: map[string]any{
			"mirror." + provider + ".id": mirrorID,
		},
		Limit: 1,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query mirrored card",
			goerr.V("provider", provider), goerr.V("mirror_id", mirrorID))
	}
	if len(cards) == 0 {
		return nil, goerr.Wrap(ErrNoElement, "no card mirrors the external resource",
			goerr.V("provider", provider), goerr.V("mirror_id", mirrorID))
	}
	return cards[0], nil
}

func (c *capabilityContext) UpsertElement(ctx context.Context, card *model.Card) (*model.Card, error) {
	if card.ID != c.actor {
		return nil, goerr.Wrap(ErrPermissions, "integrations may only update their actor's card",
			goerr.V("actor", c.actor), goerr.V("card", card.ID))
	}
	return c.engine.upsert(ctx, card)
}
