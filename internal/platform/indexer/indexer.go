// Package indexer emits index refresh signals for external search
// infrastructure whenever an expansion's member set changes.
package indexer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType identifies the change an event reports.
const EventType = "expansion.members.changed"

// Event describes one committed change to an expansion's member set.
type Event struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	ExpansionID     uuid.UUID   `json:"expansion_id"`
	AddedConcepts   []uuid.UUID `json:"added_concepts"`
	AddedMappings   []uuid.UUID `json:"added_mappings"`
	RemovedConcepts []uuid.UUID `json:"removed_concepts"`
	RemovedMappings []uuid.UUID `json:"removed_mappings"`
	Timestamp       time.Time   `json:"timestamp"`
}

// NewEvent returns an event for expansionID with a fresh id.
func NewEvent(expansionID uuid.UUID) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        EventType,
		ExpansionID: expansionID,
		Timestamp:   time.Now().UTC(),
	}
}

// Empty reports whether the event carries no change.
func (e Event) Empty() bool {
	return len(e.AddedConcepts) == 0 && len(e.AddedMappings) == 0 &&
		len(e.RemovedConcepts) == 0 && len(e.RemovedMappings) == 0
}

// Publisher delivers index refresh signals. Delivery is fire-and-forget
// and at-least-once; Publish must not block on the downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to a logger. It is the default when no
// webhook is configured.
type LogPublisher struct {
	logger zerolog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "indexer").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("expansion_id", e.ExpansionID.String()).
		Int("added_concepts", len(e.AddedConcepts)).
		Int("added_mappings", len(e.AddedMappings)).
		Int("removed_concepts", len(e.RemovedConcepts)).
		Int("removed_mappings", len(e.RemovedMappings)).
		Msg("index refresh")
	return nil
}
