package config

import (
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/deckflow-lab/deckflow/pkg/sync"
)

// OAuth holds CLI flags for the OAuth client credentials used by the token
// refresh protocol.
type OAuth struct {
	clientID     string
	clientSecret string
	defaultUser  string
}

// Flags returns CLI flags for OAuth configuration
func (o *OAuth) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "oauth-client-id",
			Usage:       "OAuth client ID for token refresh",
			Sources:     cli.EnvVars("DECKFLOW_OAUTH_CLIENT_ID"),
			Destination: &o.clientID,
		},
		&cli.StringFlag{
			Name:        "oauth-client-secret",
			Usage:       "OAuth client secret for token refresh",
			Sources:     cli.EnvVars("DECKFLOW_OAUTH_CLIENT_SECRET"),
			Destination: &o.clientSecret,
		},
		&cli.StringFlag{
			Name:        "oauth-default-user",
			Usage:       "Slug of the user card whose tokens back integrations acting without a user",
			Sources:     cli.EnvVars("DECKFLOW_OAUTH_DEFAULT_USER"),
			Destination: &o.defaultUser,
		},
	}
}

// Credentials returns the configured app credentials.
func (o *OAuth) Credentials() sync.AppCredentials {
	return sync.AppCredentials{
		ClientID:     o.clientID,
		ClientSecret: types.Secret(o.clientSecret),
		DefaultUser:  types.Slug(o.defaultUser),
	}
}

// LogValue implements slog.LogValuer
func (o OAuth) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("client_id", o.clientID),
		slog.Any("client_secret", types.Secret(o.clientSecret)),
		slog.String("default_user", o.defaultUser),
	)
}
