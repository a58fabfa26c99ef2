package datastore

import (
	"context"
	"time"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

// HistoryStore persists the server's event history: text messages, voice
// note deliveries, and call lifecycle records. Implementations include the
// default SQLite store and an in-memory store for tests and ephemeral runs.
type HistoryStore interface {
	// AppendEvent records one event. Implementations assign the event
	// ID when it is empty.
	AppendEvent(ctx context.Context, ev model.Event) error

	// ListEvents returns events matching the filters, oldest first.
	ListEvents(ctx context.Context, f EventFilters) ([]model.Event, error)

	Close() error
}

// EventFilters narrows a history query. Zero values mean "no filter".
type EventFilters struct {
	User  string          // events attributed to this user
	Type  model.EventType // events of this type
	Since time.Time       // events at or after this instant
	Limit int             // max rows returned (0 = unlimited)
}
