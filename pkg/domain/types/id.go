package types

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

// CardID identifies a single card in the store. Action requests and
// execution events are cards, so they share this ID space.
type CardID string

// NewCardID mints a fresh random card ID.
func NewCardID() CardID {
	return CardID(uuid.New().String())
}

// Validate checks if the CardID is a well-formed UUID
func (c CardID) Validate() error {
	if c == "" {
		return goerr.New("card ID cannot be empty")
	}
	if _, err := uuid.Parse(string(c)); err != nil {
		return goerr.Wrap(err, "card ID must be a UUID", goerr.V("id", c))
	}
	return nil
}

// String returns the string representation of CardID
func (c CardID) String() string {
	return string(c)
}

// IsID reports whether s looks like a card ID rather than a slug.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// SessionID identifies the session card a caller acts under. Every store
// operation is scoped by one.
type SessionID string

// Validate checks if the SessionID is valid
func (s SessionID) Validate() error {
	if s == "" {
		return goerr.New("session ID cannot be empty")
	}
	return nil
}

// String returns the string representation of SessionID
func (s SessionID) String() string {
	return string(s)
}

// Card returns the session's own card ID.
func (s SessionID) Card() CardID {
	return CardID(s)
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Slug is the human-readable identifier of a card within one version line.
type Slug string

// Validate checks if the Slug is valid
func (s Slug) Validate() error {
	if s == "" {
		return goerr.New("slug cannot be empty")
	}
	if !slugPattern.MatchString(string(s)) {
		return goerr.New("slug must be lowercase alphanumeric with hyphens", goerr.V("slug", s))
	}
	return nil
}

// String returns the string representation of Slug
func (s Slug) String() string {
	return string(s)
}

// Secret is a credential value that must never reach log output. The logging
// handler redacts any attribute of this type.
type Secret string

// String returns a masked placeholder, not the underlying value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Unmask returns the raw secret value.
func (s Secret) Unmask() string {
	return string(s)
}
