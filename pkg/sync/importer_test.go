package sync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/repository/memory"
	deckflowsync "github.com/deckflow-lab/deckflow/pkg/sync"
)

func newEngineStore(t *testing.T) (interfaces.CardStore, types.SessionID) {
	t.Helper()
	system := types.SessionID(types.NewCardID())
	return memory.New(memory.WithSystemSession(system)), system
}

func segment(actor types.CardID, card map[string]any) *model.Segment {
	return &model.Segment{Time: time.Now().UTC(), Actor: actor, Card: card}
}

func TestImportCardsInsert(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)
	ctx := context.Background()
	actor := types.NewCardID()

	cards, err := engine.ImportCards(ctx, model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "imported-repo",
			"type": "repository@1.0.0",
			"data": map[string]any{"name": "deckflow"},
		})),
	}, deckflowsync.ImportOptions{Origin: "external-event-1"})
	gt.NoError(t, err).Required()
	gt.Number(t, len(cards)).Equal(1)
	gt.Value(t, cards[0].Slug).Equal(types.Slug("imported-repo"))
	gt.Value(t, cards[0].Data["origin"]).Equal("external-event-1")

	stored, err := store.GetCardBySlug(ctx, system, types.VersionedSlug{
		Slug: "imported-repo", Version: types.DefaultVersion,
	})
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Data["name"]).Equal("deckflow")
}

func TestImportCardsForwardReference(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)
	ctx := context.Background()
	actor := types.NewCardID()

	cards, err := engine.ImportCards(ctx, model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "ref-repo",
			"type": "repository@1.0.0",
		})),
		model.Single(segment(actor, map[string]any{
			"slug": "ref-issue",
			"type": "issue@1.0.0",
			"data": map[string]any{
				"repository": map[string]any{"$eval": "cards[0].id"},
			},
		})),
	}, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()
	gt.Number(t, len(cards)).Equal(2)
	gt.Value(t, cards[1].Data["repository"]).Equal(cards[0].ID.String())
}

func TestImportCardsParallelStep(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system, deckflowsync.WithStepConcurrency(2))
	ctx := context.Background()
	actor := types.NewCardID()

	cards, err := engine.ImportCards(ctx, model.Sequence{
		{
			segment(actor, map[string]any{"slug": "par-a", "type": "note@1.0.0"}),
			segment(actor, map[string]any{"slug": "par-b", "type": "note@1.0.0"}),
			segment(actor, map[string]any{"slug": "par-c", "type": "note@1.0.0"}),
		},
		model.Single(segment(actor, map[string]any{
			"slug": "par-follow",
			"type": "note@1.0.0",
			"data": map[string]any{
				"first":  map[string]any{"$eval": "cards[0][0].slug"},
				"second": map[string]any{"$eval": "cards[0][1].slug"},
			},
		})),
	}, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()
	gt.Number(t, len(cards)).Equal(4)
	gt.Value(t, cards[3].Data["first"]).Equal("par-a")
	gt.Value(t, cards[3].Data["second"]).Equal("par-b")
}

func TestImportCardsParallelStepSharedReferences(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)
	ctx := context.Background()
	actor := types.NewCardID()

	// Every segment of the parallel step resolves the same earlier result.
	cards, err := engine.ImportCards(ctx, model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "shared-repo",
			"type": "repository@1.0.0",
		})),
		{
			segment(actor, map[string]any{
				"slug": "shared-issue-a",
				"type": "issue@1.0.0",
				"data": map[string]any{"repository": map[string]any{"$eval": "cards[0].id"}},
			}),
			segment(actor, map[string]any{
				"slug": "shared-issue-b",
				"type": "issue@1.0.0",
				"data": map[string]any{"repository": map[string]any{"$eval": "cards[0].id"}},
			}),
			segment(actor, map[string]any{
				"slug": "shared-issue-c",
				"type": "issue@1.0.0",
				"data": map[string]any{"repository": map[string]any{"$eval": "cards[0].id"}},
			}),
		},
	}, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()
	gt.Number(t, len(cards)).Equal(4)
	for _, card := range cards[1:] {
		gt.Value(t, card.Data["repository"]).Equal(cards[0].ID.String())
	}
}

func TestImportCardsNoActor(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)

	_, err := engine.ImportCards(context.Background(), model.Sequence{
		model.Single(segment("", map[string]any{"slug": "orphan", "type": "note@1.0.0"})),
	}, deckflowsync.ImportOptions{})
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrNoActor)).True()
}

func TestImportCardsInvalidType(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)

	_, err := engine.ImportCards(context.Background(), model.Sequence{
		model.Single(segment(types.NewCardID(), map[string]any{"slug": "typeless"})),
	}, deckflowsync.ImportOptions{})
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrInvalidType)).True()
}

func TestImportCardsIdempotentUpsert(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)
	ctx := context.Background()
	actor := types.NewCardID()

	seq := model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "stable-card",
			"type": "note@1.0.0",
			"data": map[string]any{"state": "open"},
		})),
	}

	first, err := engine.ImportCards(ctx, seq, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()

	// Identical content must not rewrite the card.
	second, err := engine.ImportCards(ctx, seq, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()
	gt.Value(t, second[0].ID).Equal(first[0].ID)
	gt.Value(t, second[0].UpdatedAt.UTC()).Equal(first[0].UpdatedAt.UTC())
}

func TestImportCardsPatchOnChange(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)
	ctx := context.Background()
	actor := types.NewCardID()

	first, err := engine.ImportCards(ctx, model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "mutable-card",
			"type": "note@1.0.0",
			"data": map[string]any{"state": "open", "keep": "value"},
		})),
	}, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()

	second, err := engine.ImportCards(ctx, model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "mutable-card",
			"type": "note@1.0.0",
			"data": map[string]any{"state": "closed", "keep": "value"},
		})),
	}, deckflowsync.ImportOptions{})
	gt.NoError(t, err).Required()
	gt.Value(t, second[0].ID).Equal(first[0].ID)
	gt.Value(t, second[0].Data["state"]).Equal("closed")
	gt.Value(t, second[0].Data["keep"]).Equal("value")

	stored, err := store.GetCardByID(ctx, system, first[0].ID)
	gt.NoError(t, err).Required()
	gt.Value(t, stored.Data["state"]).Equal("closed")
}

func TestImportCardsAbortKeepsEarlierSteps(t *testing.T) {
	store, system := newEngineStore(t)
	engine := deckflowsync.NewEngine(store, system)
	ctx := context.Background()
	actor := types.NewCardID()

	_, err := engine.ImportCards(ctx, model.Sequence{
		model.Single(segment(actor, map[string]any{
			"slug": "committed-card",
			"type": "note@1.0.0",
		})),
		model.Single(segment("", map[string]any{
			"slug": "failing-card",
			"type": "note@1.0.0",
		})),
	}, deckflowsync.ImportOptions{})
	gt.Error(t, err)

	// The first step committed before the failure.
	_, err = store.GetCardBySlug(ctx, system, types.VersionedSlug{
		Slug: "committed-card", Version: types.DefaultVersion,
	})
	gt.NoError(t, err)
}
