package interfaces

import (
	"context"
	"net/http"

	"github.com/deckflow-lab/deckflow/pkg/domain/model"
	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

// HTTPRequest is an outbound call an integration asks the runner to perform.
// Integrations never own an HTTP client; the runner's requester adds
// authentication and, for OAuth-backed providers, the 401-refresh-retry
// behavior.
type HTTPRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// HTTPResponse is the raw answer to an HTTPRequest.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Requester performs outbound HTTP calls on behalf of an integration.
type Requester interface {
	Request(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error)
}

// IntegrationContext is the restricted capability surface an integration
// receives: read-only lookups, the runner's requester, and an upsert that the
// runner scopes to the acting user's own card (token persistence).
type IntegrationContext interface {
	Requester

	GetElementByID(ctx context.Context, id types.CardID) (*model.Card, error)
	GetElementBySlug(ctx context.Context, slug types.VersionedSlug) (*model.Card, error)
	// GetElementByMirrorID finds the local card mirroring an external
	// resource, identified by the provider's own ID for it.
	GetElementByMirrorID(ctx context.Context, provider string, mirrorID string) (*model.Card, error)

	UpsertElement(ctx context.Context, card *model.Card) (*model.Card, error)
}

// IntegrationOptions parameterize one integration instantiation.
type IntegrationOptions struct {
	Context  IntegrationContext
	Token    types.Secret
	Provider string
}

// CallOptions accompany a single translate or mirror invocation.
type CallOptions struct {
	Actor types.CardID
}

// Integration adapts between the local card model and one external service.
// Lifecycle is initialize → (translate|mirror) → destroy, always symmetric:
// the runner guarantees destroy runs even when the invoked method fails.
// Instances are stateless per invocation and never reused.
type Integration interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	Translate(ctx context.Context, event *model.Card, opts CallOptions) (model.Sequence, error)
	Mirror(ctx context.Context, card *model.Card, opts CallOptions) (model.Sequence, error)
}

// IntegrationDefinition registers a provider: a constructor plus the static
// OAuth metadata. A zero OAuthBaseURL means the provider does not use the
// OAuth refresh wrapper.
type IntegrationDefinition struct {
	Provider     string
	New          func(opts IntegrationOptions) Integration
	OAuthBaseURL string
	OAuthScopes  []string
}

// OAuthConfigured reports whether the provider requires the refresh wrapper.
func (d IntegrationDefinition) OAuthConfigured() bool {
	return d.OAuthBaseURL != ""
}
