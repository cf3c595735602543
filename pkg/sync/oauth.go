package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/oauth2"

	"github.com/deckflow-lab/deckflow/pkg/domain/interfaces"
	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/observability"
	"github.com/deckflow-lab/deckflow/pkg/repository"
	"github.com/deckflow-lab/deckflow/pkg/utils/logging"
	"github.com/deckflow-lab/deckflow/pkg/utils/safe"
)

// plainRequester performs outbound calls with a static bearer token. Used
// for providers that do not go through the OAuth refresh wrapper.
type plainRequester struct {
	client *http.Client
	token  types.Secret
}

func (r *plainRequester) Request(ctx context.Context, req *interfaces.HTTPRequest) (*interfaces.HTTPResponse, error) {
	resp, err := doRequest(ctx, r.client, req, r.token)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// oauthRequester wraps outbound calls with the refresh protocol: on a 401
// it exchanges the acting user's refresh token for a new access token,
// persists it to the user card, and retries the call exactly once.
type oauthRequester struct {
	engine *Engine
	def    interfaces.IntegrationDefinition
	actor  types.CardID
	token  types.Secret
}

func (r *oauthRequester) Request(ctx context.Context, req *interfaces.HTTPRequest) (*interfaces.HTTPResponse, error) {
	resp, err := doRequest(ctx, r.engine.httpClient, req, r.token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		token, refreshErr := r.engine.refreshToken(ctx, r.def, r.actor)
		if refreshErr != nil {
			return nil, refreshErr
		}
		r.token = token

		resp, err = doRequest(ctx, r.engine.httpClient, req, r.token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return resp, goerr.Wrap(ErrOAuth, "request rejected after token refresh",
				goerr.V("url", req.URL), goerr.V("provider", r.def.Provider))
		}
	}

	if err := classifyStatus(resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func doRequest(ctx context.Context, client *http.Client, req *interfaces.HTTPRequest, token types.Secret) (*interfaces.HTTPResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, goerr.Wrap(ErrInvalidRequest, err.Error(), goerr.V("url", req.URL))
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token.Unmask())
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, goerr.Wrap(ErrExternalRequest, err.Error(), goerr.V("url", req.URL))
	}
	defer safe.Close(ctx, httpResp.Body)

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, goerr.Wrap(ErrExternalRequest, err.Error(), goerr.V("url", req.URL))
	}
	return &interfaces.HTTPResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// classifyStatus maps the remaining hard failures to their error families.
// A 401 never reaches here on the OAuth path; the requester handles it.
func classifyStatus(resp *interfaces.HTTPResponse) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return goerr.Wrap(ErrRateLimit, "external service rate limited the request")
	case resp.StatusCode == http.StatusNotFound:
		return goerr.Wrap(ErrNoExternalResource, "external resource does not exist")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return goerr.Wrap(ErrPermissions, "external service denied the request",
			goerr.V("status", resp.StatusCode))
	case resp.StatusCode >= http.StatusInternalServerError:
		return goerr.Wrap(ErrExternalRequest, "external service failed",
			goerr.V("status", resp.StatusCode))
	}
	return nil
}

// refreshToken exchanges the acting user's refresh token for a fresh access
// token and persists both to the user card.
func (e *Engine) refreshToken(ctx context.Context, def interfaces.IntegrationDefinition, actor types.CardID) (types.Secret, error) {
	user, err := e.resolveOAuthUser(ctx, actor)
	if err != nil {
		return "", err
	}

	refresh := oauthTokenField(user, def.Provider, "refresh_token")
	if refresh == "" {
		return "", goerr.Wrap(ErrOAuth, "user has no refresh token",
			goerr.V("user", user.Slug), goerr.V("provider", def.Provider))
	}
	if e.credentials.ClientID == "" || e.credentials.ClientSecret == "" {
		return "", goerr.Wrap(ErrNoAppCredentials, "oauth client credentials are not configured",
			goerr.V("provider", def.Provider))
	}

	conf := &oauth2.Config{
		ClientID:     e.credentials.ClientID,
		ClientSecret: e.credentials.ClientSecret.Unmask(),
		Scopes:       def.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			TokenURL: def.OAuthBaseURL + "/access_token",
		},
	}
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := conf.TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return "", goerr.Wrap(ErrOAuth, err.Error(),
			goerr.V("user", user.Slug), goerr.V("provider", def.Provider))
	}
	e.metrics.IncCounter(observability.MetricOAuthRefresh, map[string]string{"provider": def.Provider}, 1)

	if err := e.persistToken(ctx, user, def.Provider, token); err != nil {
		return "", err
	}
	logging.From(ctx).Info("refreshed oauth token",
		"user", user.Slug, "provider", def.Provider)
	return types.Secret(token.AccessToken), nil
}

// resolveOAuthUser picks the card whose tokens back the call: the actor
// card when one is given, otherwise the configured default user.
func (e *Engine) resolveOAuthUser(ctx context.Context, actor types.CardID) (*model.Card, error) {
	if actor != "" {
		card, err := e.store.GetCardByID(ctx, e.session, actor)
		if err == nil {
			return card, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, goerr.Wrap(err, "failed to resolve actor", goerr.V("actor", actor))
		}
	}

	if e.credentials.DefaultUser == "" {
		return nil, goerr.Wrap(ErrOAuthNoUser, "no actor and no default user configured",
			goerr.V("actor", actor))
	}
	card, err := e.store.GetCardBySlug(ctx, e.session, types.VersionedSlug{
		Slug:    e.credentials.DefaultUser,
		Version: types.DefaultVersion,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, goerr.Wrap(ErrNoActor, "default user card does not exist",
				goerr.V("default_user", e.credentials.DefaultUser))
		}
		return nil, goerr.Wrap(err, "failed to resolve default user",
			goerr.V("default_user", e.credentials.DefaultUser))
	}
	return card, nil
}

func (e *Engine) persistToken(ctx context.Context, user *model.Card, provider string, token *oauth2.Token) error {
	updated := user.Clone()
	oauth, _ := updated.Data["oauth"].(map[string]any)
	if oauth == nil {
		oauth = make(map[string]any)
	}
	entry, _ := oauth[provider].(map[string]any)
	if entry == nil {
		entry = make(map[string]any)
	}
	entry["access_token"] = token.AccessToken
	if token.RefreshToken != "" {
		entry["refresh_token"] = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		entry["expiry"] = token.Expiry.Format(time.RFC3339Nano)
	}
	oauth[provider] = entry
	updated.Data["oauth"] = oauth

	if _, err := e.upsert(ctx, updated); err != nil {
		return goerr.Wrap(err, "failed to persist refreshed token",
			goerr.V("user", user.Slug), goerr.V("provider", provider))
	}
	return nil
}

// oauthTokenField digs data.oauth.<provider>.<field> out of a user card.
func oauthTokenField(card *model.Card, provider, field string) string {
	oauth, ok := card.Data["oauth"].(map[string]any)
	if !ok {
		return ""
	}
	entry, ok := oauth[provider].(map[string]any)
	if !ok {
		return ""
	}
	value, _ := entry[field].(string)
	return value
}
