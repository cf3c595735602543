package sync_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	deckflowsync "github.com/deckflow-lab/deckflow/pkg/sync"
)

// probingIntegration exercises the capability surface it receives and keeps
// the outcomes for the test to inspect.
type probingIntegration struct {
	opts  interfaces.IntegrationOptions
	probe func(ctx context.Context, ic interfaces.IntegrationContext) error
}

func (p *probingIntegration) Initialize(ctx context.Context) error { return nil }
func (p *probingIntegration) Destroy(ctx context.Context) error    { return nil }

func (p *probingIntegration) Translate(ctx context.Context, event *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	if err := p.probe(ctx, p.opts.Context); err != nil {
		return nil, err
	}
	return model.Sequence{}, nil
}

func (p *probingIntegration) Mirror(ctx context.Context, card *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	return model.Sequence{}, nil
}

func runProbe(t *testing.T, store interfaces.CardStore, system types.SessionID, actor types.CardID, probe func(ctx context.Context, ic interfaces.IntegrationContext) error) error {
	t.Helper()

	impl := &probingIntegration{probe: probe}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(interfaces.IntegrationDefinition{
			Provider: "probe",
			New: func(opts interfaces.IntegrationOptions) interfaces.Integration {
				impl.opts = opts
				return impl
			},
		}))

	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("probe"), actor)
	return err
}

func TestCapabilityContextLookups(t *testing.T) {
	store, system := newEngineStore(t)
	ctx := context.Background()

	mirrored, err := store.InsertCard(ctx, system, &model.Card{
		Slug:    "mirrored-issue",
		Type:    "issue@1.0.0",
		Version: types.DefaultVersion,
		Active:  true,
		Data: map[string]any{
			"mirror": map[string]any{"probe": map[string]any{"id": "42"}},
		},
	})
	gt.NoError(t, err).Required()

	err = runProbe(t, store, system, types.NewCardID(), func(ctx context.Context, ic interfaces.IntegrationContext) error {
		byID, err := ic.GetElementByID(ctx, mirrored.ID)
		gt.NoError(t, err).Required()
		gt.Value(t, byID.Slug).Equal(types.Slug("mirrored-issue"))

		bySlug, err := ic.GetElementBySlug(ctx, types.VersionedSlug{
			Slug: "mirrored-issue", Version: types.DefaultVersion,
		})
		gt.NoError(t, err).Required()
		gt.Value(t, bySlug.ID).Equal(mirrored.ID)

		byMirror, err := ic.GetElementByMirrorID(ctx, "probe", "42")
		gt.NoError(t, err).Required()
		gt.Value(t, byMirror.ID).Equal(mirrored.ID)

		_, err = ic.GetElementByID(ctx, types.NewCardID())
		gt.Bool(t, errors.Is(err, deckflowsync.ErrNoElement)).True()

		_, err = ic.GetElementBySlug(ctx, types.VersionedSlug{
			Slug: "no-such-card", Version: types.DefaultVersion,
		})
		gt.Bool(t, errors.Is(err, deckflowsync.ErrNoElement)).True()

		_, err = ic.GetElementByMirrorID(ctx, "probe", "99")
		gt.Bool(t, errors.Is(err, deckflowsync.ErrNoElement)).True()
		return nil
	})
	gt.NoError(t, err)
}

func TestCapabilityContextUpsertScopedToActor(t *testing.T) {
	store, system := newEngineStore(t)
	ctx := context.Background()

	actorCard, err := store.InsertCard(ctx, system, &model.Card{
		Slug:    "acting-user",
		Type:    "user@1.0.0",
		Version: types.DefaultVersion,
		Active:  true,
		Data:    map[string]any{},
	})
	gt.NoError(t, err).Required()

	otherCard, err := store.InsertCard(ctx, system, &model.Card{
		Slug:    "other-user",
		Type:    "user@1.0.0",
		Version: types.DefaultVersion,
		Active:  true,
		Data:    map[string]any{},
	})
	gt.NoError(t, err).Required()

	err = runProbe(t, store, system, actorCard.ID, func(ctx context.Context, ic interfaces.IntegrationContext) error {
		mine := actorCard.Clone()
		mine.Data["note"] = "updated"
		updated, err := ic.UpsertElement(ctx, mine)
		gt.NoError(t, err).Required()
		gt.Value(t, updated.Data["note"]).Equal("updated")

		theirs := otherCard.Clone()
		theirs.Data["note"] = "forged"
		_, err = ic.UpsertElement(ctx, theirs)
		gt.Bool(t, errors.Is(err, deckflowsync.ErrPermissions)).True()
		return nil
	})
	gt.NoError(t, err)

	// The foreign card stayed untouched.
	other, err := store.GetCardByID(ctx, system, otherCard.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, other.Data["note"]).Nil()
}
