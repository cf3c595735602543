package model

import (
	"encoding/json"
	"time"

	"github.com/deckflow-lab/deckflow/pkg/domain/types"
	"github.com/m-mizutani/goerr/v2"
)

// Well-known card types of the execution core. The version suffix follows the
// same slug@version addressing as every other card.
const (
	TypeActionRequest = "action-request@1.0.0"
	TypeExecution     = "execution@1.0.0"
	TypeSession       = "session@1.0.0"
	TypeLink          = "link@1.0.0"
	TypeUser          = "user@1.0.0"
	TypeExternalEvent = "external-event@1.0.0"
	TypeType          = "type@1.0.0"
)

// Link names for the executes edge between an execution event and the action
// request it resolves.
const (
	LinkExecutes     = "executes"
	LinkIsExecutedBy = "is executed by"
)

// Card is the universal record of the platform. Everything the execution
// core persists (requests, events, sessions, imported external resources) is
// a card.
type Card struct {
	ID           types.CardID              `json:"id"`
	Slug         types.Slug                `json:"slug"`
	Type         string                    `json:"type"`
	Version      string                    `json:"version"`
	Name         string                    `json:"name,omitempty"`
	Active       bool                      `json:"active"`
	Tags         []string                  `json:"tags"`
	Markers      []string                  `json:"markers"`
	Links        map[string][]types.CardID `json:"links"`
	Requires     []map[string]any          `json:"requires"`
	Capabilities []map[string]any          `json:"capabilities"`
	Data         map[string]any            `json:"data"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// Validate checks the minimum shape required before a card can be stored.
func (c *Card) Validate() error {
	if err := c.Slug.Validate(); err != nil {
		return goerr.Wrap(err, "invalid card slug")
	}
	if c.Type == "" {
		return goerr.New("card type is required", goerr.V("slug", c.Slug))
	}
	if c.Version == "" {
		return goerr.New("card version is required", goerr.V("slug", c.Slug))
	}
	return nil
}

// VersionedSlug returns the slug@version address of the card.
func (c *Card) VersionedSlug() types.VersionedSlug {
	return types.VersionedSlug{Slug: c.Slug, Version: c.Version}
}

// Clone returns a deep copy. Card data originates from JSON payloads, so a
// marshal round-trip copies every nested container.
func (c *Card) Clone() *Card {
	raw, err := json.Marshal(c)
	if err != nil {
		// Card data is JSON-derived; marshal cannot fail on well-formed cards.
		panic(err)
	}
	var copied Card
	if err := json.Unmarshal(raw, &copied); err != nil {
		panic(err)
	}
	return &copied
}

// ApplyCardDefaults fills the optional top-level fields of a card template
// that integrations are allowed to omit. Present keys are never overwritten.
func ApplyCardDefaults(template map[string]any) map[string]any {
	defaults := map[string]any{
		"active":       true,
		"version":      types.DefaultVersion,
		"tags":         []any{},
		"markers":      []any{},
		"links":        map[string]any{},
		"requires":     []any{},
		"capabilities": []any{},
		"data":         map[string]any{},
	}

	merged := make(map[string]any, len(template)+len(defaults))
	for k, v := range template {
		merged[k] = v
	}
	for k, v := range defaults {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged
}

// CardFromTemplate builds a Card from an evaluated, defaults-merged template.
func CardFromTemplate(template map[string]any) (*Card, error) {
	raw, err := json.Marshal(template)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to serialize card template")
	}

	var card Card
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, goerr.Wrap(err, "card template does not describe a card")
	}
	if card.Data == nil {
		card.Data = map[string]any{}
	}
	return &card, nil
}

// timestampFormat is RFC3339 with fixed-width nanoseconds. The stores order
// events by lexicographic comparison of the data timestamp, and trailing
// fractional zeros must not be truncated for string order to equal time
// order.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

func dataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func dataMap(data map[string]any, key string) map[string]any {
	if v, ok := data[key].(map[string]any); ok {
		return v
	}
	return nil
}

func dataBool(data map[string]any, key string) (bool, bool) {
	v, ok := data[key].(bool)
	return v, ok
}

func dataTime(data map[string]any, key string) time.Time {
	s := dataString(data, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func dataInt(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
