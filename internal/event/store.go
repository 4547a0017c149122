package event

import (
	"context"
	"fmt"
)

// Store persists and retrieves events.
type Store interface {
	// Append persists one or more events atomically.
	Append(ctx context.Context, events ...Event) error
	// Load returns all events for an aggregate, ordered by version.
	Load(ctx context.Context, aggregateID string) ([]Event, error)
	// LoadByType returns events filtered by type.
	LoadByType(ctx context.Context, eventType Type) ([]Event, error)
}

// NextVersion returns the next logical sequence number for an aggregate's
// event stream, so callers outside the aggregate itself (the bid pipeline,
// the settlement engine) can append events without re-deriving ordering.
func NextVersion(ctx context.Context, s Store, aggregateID string) (int, error) {
	existing, err := s.Load(ctx, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("loading events for %s: %w", aggregateID, err)
	}
	return len(existing) + 1, nil
}
