package sync_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	deckflowsync "github.com/deckflow-lab/deckflow/pkg/sync"
)

// callingIntegration issues one outbound request through its capability
// context and hands back whatever happened.
type callingIntegration struct {
	opts interfaces.IntegrationOptions
	req  *interfaces.HTTPRequest
	resp *interfaces.HTTPResponse
}

func (c *callingIntegration) Initialize(ctx context.Context) error { return nil }
func (c *callingIntegration) Destroy(ctx context.Context) error    { return nil }

func (c *callingIntegration) Translate(ctx context.Context, event *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	resp, err := c.opts.Context.Request(ctx, c.req)
	c.resp = resp
	if err != nil {
		return nil, err
	}
	return model.Sequence{}, nil
}

func (c *callingIntegration) Mirror(ctx context.Context, card *model.Card, opts interfaces.CallOptions) (model.Sequence, error) {
	return model.Sequence{}, nil
}

func callingDefinition(provider, oauthBase string, c *callingIntegration) interfaces.IntegrationDefinition {
	return interfaces.IntegrationDefinition{
		Provider: provider,
		New: func(opts interfaces.IntegrationOptions) interfaces.Integration {
			c.opts = opts
			return c
		},
		OAuthBaseURL: oauthBase,
		OAuthScopes:  []string{"repo"},
	}
}

func seedOAuthUser(t *testing.T, store interfaces.CardStore, system types.SessionID, provider string) *model.Card {
	t.Helper()

	card, err := store.InsertCard(context.Background(), system, &model.Card{
		Slug:    "oauth-user",
		Type:    "user@1.0.0",
		Version: types.DefaultVersion,
		Active:  true,
		Data: map[string]any{
			"oauth": map[string]any{
				provider: map[string]any{
					"access_token":  "stale-token",
					"refresh_token": "refresh-1",
				},
			},
		},
	})
	gt.NoError(t, err).Required()
	return card
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/access_token" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-token","refresh_token":"rotated-refresh","token_type":"bearer","expires_in":3600}`))
	}))
}

func TestOAuthRequesterRefreshesOn401(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh-token" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()
	tokens := newTokenServer(t)
	defer tokens.Close()

	store, system := newEngineStore(t)
	user := seedOAuthUser(t, store, system, "fake")
	metrics := observability.NewRegistry()

	impl := &callingIntegration{req: &interfaces.HTTPRequest{Method: http.MethodGet, URL: api.URL + "/resource"}}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(callingDefinition("fake", tokens.URL, impl)),
		deckflowsync.WithAppCredentials(deckflowsync.AppCredentials{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		}),
		deckflowsync.WithMetrics(metrics))

	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("fake"), user.ID)
	gt.NoError(t, err).Required()
	gt.Value(t, impl.resp).NotNil()
	gt.Number(t, impl.resp.StatusCode).Equal(http.StatusOK)

	// The rotated tokens must land on the user card.
	updated, err := store.GetCardByID(context.Background(), system, user.ID)
	gt.NoError(t, err).Required()
	oauth := asMap(t, updated.Data["oauth"])
	entry := asMap(t, oauth["fake"])
	gt.Value(t, entry["access_token"]).Equal("fresh-token")
	gt.Value(t, entry["refresh_token"]).Equal("rotated-refresh")

	gt.Number(t, metrics.CounterValue(observability.MetricOAuthRefresh,
		map[string]string{"provider": "fake"})).Equal(1)
}

func TestOAuthRequesterSecondRejectionFails(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()
	tokens := newTokenServer(t)
	defer tokens.Close()

	store, system := newEngineStore(t)
	user := seedOAuthUser(t, store, system, "fake")

	impl := &callingIntegration{req: &interfaces.HTTPRequest{Method: http.MethodGet, URL: api.URL + "/resource"}}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(callingDefinition("fake", tokens.URL, impl)),
		deckflowsync.WithAppCredentials(deckflowsync.AppCredentials{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		}))

	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("fake"), user.ID)
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrOAuth)).True()
}

func TestOAuthRequesterMissingAppCredentials(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()
	tokens := newTokenServer(t)
	defer tokens.Close()

	store, system := newEngineStore(t)
	user := seedOAuthUser(t, store, system, "fake")

	impl := &callingIntegration{req: &interfaces.HTTPRequest{Method: http.MethodGet, URL: api.URL + "/resource"}}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(callingDefinition("fake", tokens.URL, impl)))

	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("fake"), user.ID)
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrNoAppCredentials)).True()
}

func TestOAuthRequesterNoUser(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()
	tokens := newTokenServer(t)
	defer tokens.Close()

	store, system := newEngineStore(t)

	impl := &callingIntegration{req: &interfaces.HTTPRequest{Method: http.MethodGet, URL: api.URL + "/resource"}}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(callingDefinition("fake", tokens.URL, impl)),
		deckflowsync.WithAppCredentials(deckflowsync.AppCredentials{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		}))

	// No actor and no default user configured.
	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("fake"), "")
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrOAuthNoUser)).True()
}

func TestOAuthRequesterBrokenTokenEndpoint(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer tokens.Close()

	store, system := newEngineStore(t)
	user := seedOAuthUser(t, store, system, "fake")

	impl := &callingIntegration{req: &interfaces.HTTPRequest{Method: http.MethodGet, URL: api.URL + "/resource"}}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(callingDefinition("fake", tokens.URL, impl)),
		deckflowsync.WithAppCredentials(deckflowsync.AppCredentials{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
		}))

	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("fake"), user.ID)
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrOAuth)).True()
}

func TestPlainRequesterStatusClassification(t *testing.T) {
	store, system := newEngineStore(t)

	cases := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"rate limited", http.StatusTooManyRequests, deckflowsync.ErrRateLimit},
		{"not found", http.StatusNotFound, deckflowsync.ErrNoExternalResource},
		{"forbidden", http.StatusForbidden, deckflowsync.ErrPermissions},
		{"unauthorized without oauth", http.StatusUnauthorized, deckflowsync.ErrPermissions},
		{"server error", http.StatusInternalServerError, deckflowsync.ErrExternalRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer api.Close()

			impl := &callingIntegration{req: &interfaces.HTTPRequest{Method: http.MethodGet, URL: api.URL}}
			engine := deckflowsync.NewEngine(store, system,
				deckflowsync.WithIntegration(callingDefinition("plain", "", impl)))

			_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("plain"), types.NewCardID())
			gt.Error(t, err)
			gt.Bool(t, errors.Is(err, tc.sentinel)).True()
		})
	}
}

func TestPlainRequesterTransportError(t *testing.T) {
	store, system := newEngineStore(t)

	impl := &callingIntegration{req: &interfaces.HTTPRequest{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/unreachable",
	}}
	engine := deckflowsync.NewEngine(store, system,
		deckflowsync.WithIntegration(callingDefinition("plain", "", impl)))

	_, err := engine.TranslateExternalEvent(context.Background(), externalEvent("plain"), types.NewCardID())
	gt.Error(t, err)
	gt.Bool(t, errors.Is(err, deckflowsync.ErrExternalRequest)).True()
}
