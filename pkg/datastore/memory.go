package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

// MemoryStore keeps history in memory. Used in tests and when the server
// runs without a database path.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.Event
}

var _ HistoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev model.Event) error {
	if ev.ID == "" {
		ev.ID = ksuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilters) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, ev := range s.events {
		if f.User != "" && ev.User != f.User {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
