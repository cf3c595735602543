package sync

import "github.com/m-mizutani/goerr/v2"

// Sentinel errors of the sync family
var (
	// ErrNoElement means a lookup through the integration context found
	// no matching card.
	ErrNoElement = goerr.New("no such element")
	// ErrOAuth means token refresh failed or the retried call is still
	// unauthorized.
	ErrOAuth = goerr.New("oauth authorization failed")
	// ErrOAuthNoUser means no user could be resolved to refresh a token
	// for.
	ErrOAuthNoUser = goerr.New("no user for oauth refresh")
	// ErrNoActor means a segment has no actor, or a configured default
	// user does not exist.
	ErrNoActor = goerr.New("no actor")
	// ErrRateLimit means the external service answered 429.
	ErrRateLimit = goerr.New("external service rate limit")
	// ErrInvalidEvent means translate was given a card that is not an
	// external event.
	ErrInvalidEvent = goerr.New("invalid external event")
	// ErrInvalidType means a card template carries no usable type.
	ErrInvalidType = goerr.New("invalid card type")
	// ErrPermissions means the session may not perform the store write.
	ErrPermissions = goerr.New("permission denied")
	// ErrInvalidRequest means an integration handed the requester a
	// malformed HTTP request.
	ErrInvalidRequest = goerr.New("invalid external request")
	// ErrNoExternalResource means the external service answered 404.
	ErrNoExternalResource = goerr.New("no such external resource")
	// ErrExternalRequest means the external call failed in transport or
	// with a server error.
	ErrExternalRequest = goerr.New("external request failed")
	// ErrInvalidTemplate means a $eval expression is malformed or points
	// at nothing.
	ErrInvalidTemplate = goerr.New("invalid card template")
	// ErrNoCompatibleIntegration means no registered integration handles
	// the provider.
	ErrNoCompatibleIntegration = goerr.New("no compatible integration")
	// ErrNoAppCredentials means OAuth client credentials are not
	// configured for the provider.
	ErrNoAppCredentials = goerr.New("no integration app credentials")
)
