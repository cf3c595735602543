package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	controller "github.com/deckflow-lab/deckflow/pkg/controller/http"
	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/integration/github"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/repository/memory"
	deckflowsync "github.com/deckflow-lab/deckflow/pkg/sync"
)

type translatedCall struct {
	event *model.Card
	actor types.CardID
}

// recordingIntegration captures translated events for assertions.
type recordingIntegration struct {
	translated chan translatedCall
}

func (r *recordingIntegration) Initialize(ctx context.Context) error { return nil }
func (r *recordingIntegration) Destroy(ctx context.Context) error    { return nil }

func (r *recordingIntegration) Translate(ctx context.Context, event *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	r.translated <- translatedCall{event: event, actor: opts.Actor}
	return model.Sequence{}, nil
}

func (r *recordingIntegration) Mirror(ctx context.Context, card *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	return model.Sequence{}, nil
}

type serverFixture struct {
	store   interfaces.CardStore
	system  types.SessionID
	actor   types.CardID
	impl    *recordingIntegration
	server  *controller.Server
	metrics *observability.Registry
}

func seedActor(t *testing.T, store interfaces.CardStore, system types.SessionID) types.CardID {
	t.Helper()

	card, err := store.InsertCard(context.Background(), system, &model.Card{
		Slug:    "webhook-ingest",
		Type:    model.TypeUser,
		Version: types.DefaultVersion,
		Active:  true,
		Data:    map[string]any{},
	})
	gt.NoError(t, err).Required()
	return card.ID
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	system := types.SessionID(types.NewCardID())
	store := memory.New(memory.WithSystemSession(system))
	actor := seedActor(t, store, system)
	impl := &recordingIntegration{translated: make(chan translatedCall, 1)}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(interfaces.IntegrationDefinition{
			Provider: "fake",
			New: func(opts interfaces.IntegrationOptions) interfaces.Integration {
				return impl
			},
		}))
	metrics := observability.NewRegistry()
	webhooks := controller.NewWebhookHandler(store, system, engine, actor)

	return &serverFixture{
		store:   store,
		system:  system,
		actor:   actor,
		impl:    impl,
		server:  controller.New(webhooks, controller.WithMetrics(metrics)),
		metrics: metrics,
	}
}

func TestWebhookAccepted(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake",
		strings.NewReader(`{"action":"opened"}`))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	gt.Number(t, rec.Code).Equal(http.StatusAccepted)

	var resp map[string]string
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp)).Required()
	gt.Bool(t, resp["id"] != "").True()
	gt.Bool(t, strings.HasPrefix(resp["slug"], "external-event-")).True()

	// The event card is durable before the response.
	card, err := f.store.GetCardByID(context.Background(), f.system, types.CardID(resp["id"]))
	gt.NoError(t, err).Required()
	gt.Value(t, card.Type).Equal(model.TypeExternalEvent)
	gt.Value(t, card.Data["provider"]).Equal("fake")
	gt.Value(t, card.Data["payload"]).Equal(`{"action":"opened"}`)

	// Translation happens in the background, acting as the ingestion actor.
	select {
	case call := <-f.impl.translated:
		gt.Value(t, call.event.ID).Equal(card.ID)
		gt.Value(t, call.actor).Equal(f.actor)
	case <-time.After(5 * time.Second):
		t.Fatal("translation never ran")
	}
}

func TestWebhookGithubIssueImported(t *testing.T) {
	system := types.SessionID(types.NewCardID())
	store := memory.New(memory.WithSystemSession(system))
	actor := seedActor(t, store, system)
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(github.Definition()))
	webhooks := controller.NewWebhookHandler(store, system, engine, actor)
	server := controller.New(webhooks, controller.WithMetrics(observability.NewRegistry()))

	payload := `{"repository":{"full_name":"Octo/Hello_World","id":99},` +
		`"issue":{"number":7,"id":1234,"title":"Crash on start","state":"open","body":"It breaks."}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	gt.Number(t, rec.Code).Equal(http.StatusAccepted)

	// The background translation imports the repository card and the issue
	// card referencing it.
	issue := awaitCard(t, store, system, "octo-hello-world-issue-7")
	repo, err := store.GetCardBySlug(context.Background(), system, types.VersionedSlug{
		Slug: "octo-hello-world", Version: types.DefaultVersion,
	})
	gt.NoError(t, err).Required()
	gt.Value(t, issue.Data["repository"]).Equal(repo.ID.String())
	gt.Value(t, issue.Data["state"]).Equal("open")

	origin, ok := issue.Data["origin"].(string)
	gt.Bool(t, ok).True()
	gt.Bool(t, strings.HasPrefix(origin, "external-event-")).True()
}

func awaitCard(t *testing.T, store interfaces.CardStore, session types.SessionID, slug types.Slug) *model.Card {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		card, err := store.GetCardBySlug(context.Background(), session, types.VersionedSlug{
			Slug: slug, Version: types.DefaultVersion,
		})
		if err == nil {
			return card
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("card %s never imported", slug)
	return nil
}

func TestWebhookUnknownProviderStillAccepted(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nobody",
		strings.NewReader(`{"ping":true}`))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	// Ingestion succeeds; the background translation fails and is logged.
	gt.Number(t, rec.Code).Equal(http.StatusAccepted)
}

func TestWebhookEmptyBody(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	gt.Number(t, rec.Code).Equal(http.StatusBadRequest)
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	gt.Number(t, rec.Code).Equal(http.StatusOK)
	gt.Value(t, strings.TrimSpace(rec.Body.String())).Equal(`{"status":"ok"}`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.metrics.IncCounter(observability.MetricJobAdded, map[string]string{"action": "publish"}, 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	gt.Number(t, rec.Code).Equal(http.StatusOK)

	var snap observability.Snapshot
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap)).Required()
	gt.Number(t, len(snap.Counters)).Equal(1)
	gt.Value(t, snap.Counters[0].Name).Equal(observability.MetricJobAdded)
	gt.Number(t, snap.Counters[0].Value).Equal(2)
}
