package memory

import (
	"context"
	"sync"

	"crosstown/internal/domain"
)

// Store keeps events in process memory keyed by event id. It grows without
// bound for the lifetime of the process.
type Store struct {
	mu     sync.RWMutex
	events map[string]domain.Event
}

func New() *Store {
	return &Store{events: map[string]domain.Event{}}
}

func (s *Store) Put(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.Tags = cloneTags(event.Tags)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return domain.Event{}, false, nil
	}
	e.Tags = cloneTags(e.Tags)
	return e, true, nil
}

func (s *Store) Len(context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func cloneTags(tags [][]string) [][]string {
	if tags == nil {
		return nil
	}
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = append([]string(nil), t...)
	}
	return out
}
