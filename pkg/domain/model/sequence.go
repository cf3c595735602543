package model

import (
	"time"

	"github.com/deckflow-lab/deckflow/pkg/domain/types"
)

// Segment is one card template to import: who upserts it, when the source
// change happened, and the template itself. The template may contain
// {"$eval": "cards[i]...."} references to the results of earlier steps.
type Segment struct {
	Time  time.Time      `json:"time"`
	Actor types.CardID   `json:"actor"`
	Card  map[string]any `json:"card"`
}

// Step is a batch of segments imported concurrently. A step never starts
// before the previous step's results are all recorded.
type Step []*Segment

// Sequence is the ordered list of steps an integration produces for one
// translate or mirror invocation.
type Sequence []Step

// Segments counts the individual card templates across all steps.
func (s Sequence) Segments() int {
	n := 0
	for _, step := range s {
		n += len(step)
	}
	return n
}

// Single wraps one segment as its own step, the common sequential case.
func Single(seg *Segment) Step {
	return Step{seg}
}
