package sync

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
)

// TranslateExternalEvent feeds an external event card through its provider's
// integration and imports the resulting sequence. The event's provider picks
// the integration; the event slug becomes the origin of every imported card.
func (e *Engine) TranslateExternalEvent(ctx context.Context, event *model.Card, actor types.CardID) ([]*model.Card, error) {
	if event == nil || event.Type != model.TypeExternalEvent {
		return nil, goerr.Wrap(ErrInvalidEvent, "card is not an external event",
			goerr.V("type", cardType(event)))
	}
	provider, _ := event.Data["provider"].(string)
	def, ok := e.defs[provider]
	if !ok {
		return nil, goerr.Wrap(ErrNoCompatibleIntegration, "no integration handles the event",
			goerr.V("provider", provider), goerr.V("event", event.Slug))
	}

	return e.runIntegration(ctx, def, actor, event.Slug, func(ctx context.Context, integ interfaces.Integration) (model.Sequence, error) {
		return integ.Translate(ctx, event, interfaces.CallOptions{Actor: actor})
	})
}

// MirrorCard pushes a local card out to the named provider and imports
// whatever bookkeeping sequence the integration hands back (mirror IDs,
// sync markers).
func (e *Engine) MirrorCard(ctx context.Context, card *model.Card, provider string, actor types.CardID) ([]*model.Card, error) {
	if card == nil {
		return nil, goerr.Wrap(ErrNoElement, "no card to mirror")
	}
	def, ok := e.defs[provider]
	if !ok {
		return nil, goerr.Wrap(ErrNoCompatibleIntegration, "no integration for provider",
			goerr.V("provider", provider), goerr.V("card", card.Slug))
	}

	return e.runIntegration(ctx, def, actor, card.Slug, func(ctx context.Context, integ interfaces.Integration) (model.Sequence, error) {
		return integ.Mirror(ctx, card, interfaces.CallOptions{Actor: actor})
	})
}

// runIntegration instantiates the provider, runs one guarded
// initialize/invoke/destroy cycle, and imports the produced sequence.
// Destroy always runs once initialization succeeded; its failure is logged
// and the invocation error wins.
func (e *Engine) runIntegration(ctx context.Context, def interfaces.IntegrationDefinition, actor types.CardID, origin types.Slug, invoke func(context.Context, interfaces.Integration) (model.Sequence, error)) ([]*model.Card, error) {
	token := e.lookupAccessToken(ctx, def, actor)

	requester := e.newRequester(def, actor, token)
	integ := def.New(interfaces.IntegrationOptions{
		Context: &capabilityContext{
			engine:    e,
			requester: requester,
			actor:     actor,
		},
		Token:    token,
		Provider: def.Provider,
	})
	guard := &lifecycleGuard{impl: integ}

	if err := guard.Initialize(ctx); err != nil {
		return nil, goerr.Wrap(err, "integration initialization failed",
			goerr.V("provider", def.Provider))
	}
	defer func() {
		if derr := guard.Destroy(ctx); derr != nil {
			logging.From(ctx).Error("integration destroy failed",
				"provider", def.Provider, "error", derr)
		}
	}()

	sequence, err := invoke(ctx, guard)
	if err != nil {
		return nil, goerr.Wrap(err, "integration invocation failed",
			goerr.V("provider", def.Provider))
	}

	return e.ImportCards(ctx, sequence, ImportOptions{Origin: origin})
}

func (e *Engine) newRequester(def interfaces.IntegrationDefinition, actor types.CardID, token types.Secret) interfaces.Requester {
	if def.OAuthConfigured() {
		return &oauthRequester{engine: e, def: def, actor: actor, token: token}
	}
	return &plainRequester{client: e.httpClient, token: token}
}

// lookupAccessToken preloads the acting user's current access token.
// Missing tokens are not an error here: the OAuth requester refreshes on
// the first 401, and non-OAuth providers may not need one at all.
func (e *Engine) lookupAccessToken(ctx context.Context, def interfaces.IntegrationDefinition, actor types.CardID) types.Secret {
	user, err := e.resolveOAuthUser(ctx, actor)
	if err != nil {
		return ""
	}
	return types.Secret(oauthTokenField(user, def.Provider, "access_token"))
}

func cardType(card *model.Card) string {
	if card == nil {
		return ""
	}
	return card.Type
}

// lifecycleGuard enforces the initialize/invoke/destroy contract around an
// integration instance: methods only run between a successful Initialize
// and Destroy, and both transitions happen at most once.
type lifecycleGuard struct {
	impl        interfaces.Integration
	initialized bool
	destroyed   bool
}

func (g *lifecycleGuard) Initialize(ctx context.Context) error {
	if g.initialized {
		return goerr.New("integration initialized twice")
	}
	if err := g.impl.Initialize(ctx); err != nil {
		return err
	}
	g.initialized = true
	return nil
}

func (g *lifecycleGuard) Destroy(ctx context.Context) error {
	if !g.initialized || g.destroyed {
		return nil
	}
	g.destroyed = true
	return g.impl.Destroy(ctx)
}

func (g *lifecycleGuard) Translate(ctx context.Context, event *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	if err := g.usable(); err != nil {
		return nil, err
	}
	return g.impl.Translate(ctx, event, opts)
}

func (g *lifecycleGuard) Mirror(ctx context.Context, card *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	if err := g.usable(); err != nil {
		return nil, err
	}
	return g.impl.Mirror(ctx, card, opts)
}

func (g *lifecycleGuard) usable() error {
	if !g.initialized {
		return goerr.New("integration used before initialization")
	}
	if g.destroyed {
		return goerr.New("integration used after destroy")
	}
	return nil
}
