package storage

import (
	"context"

	"crosstown/internal/domain"
)

// Store is the event table shared by every relay connection.
// Implementations must be safe for concurrent readers and writers.
type Store interface {
	// Put inserts the event, replacing any record with the same id.
	Put(ctx context.Context, event domain.Event) error
	Get(ctx context.Context, id string) (domain.Event, bool, error)
	Len(ctx context.Context) int
}
