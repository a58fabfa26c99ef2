package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

const (
	subscriberQueueSize = 256
	notifyWriteTimeout  = 5 * time.Second
)

// subscriber is one user's live notification endpoint. Events are queued
// on a buffered channel and written by a dedicated goroutine so a slow
// subscriber can never block the code that produced the event.
type subscriber struct {
	username string
	conn     *websocket.Conn
	send     chan model.Event
	done     chan struct{}
	once     sync.Once
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

// Bridge is the push-notification registry: at most one endpoint per
// username, replaced on re-subscribe, pruned on delivery failure or
// connection close.
type Bridge struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	onChange func(count int) // subscriber count hook
	onDrop   func()          // dropped event hook
}

// NewBridge creates an empty bridge.
func NewBridge() *Bridge {
	return &Bridge{
		subs: make(map[string]*subscriber),
	}
}

// Subscribe installs conn as username's endpoint, replacing and closing
// any prior one, and starts the writer goroutine. The caller owns the
// read side and must call Unsubscribe with the returned handle when the
// connection closes.
func (b *Bridge) Subscribe(username string, conn *websocket.Conn) *subscriber {
	sub := &subscriber{
		username: username,
		conn:     conn,
		send:     make(chan model.Event, subscriberQueueSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	old := b.subs[username]
	b.subs[username] = sub
	count := len(b.subs)
	b.mu.Unlock()

	if old != nil {
		old.stop()
		// CloseNow skips the close handshake: a dead or stalled old client
		// must not delay the replacing subscriber's registration.
		_ = old.conn.CloseNow()
		slog.Debug("subscription replaced", "user", username)
	}
	b.notifyChange(count)

	go b.writeLoop(sub)
	return sub
}

// Unsubscribe removes the endpoint if sub is still current.
func (b *Bridge) Unsubscribe(username string, sub *subscriber) {
	b.mu.Lock()
	if cur, ok := b.subs[username]; ok && cur == sub {
		delete(b.subs, username)
	}
	count := len(b.subs)
	b.mu.Unlock()

	sub.stop()
	b.notifyChange(count)
}

// Notify queues an event for one user's endpoint. Fire and forget: no
// endpoint means nothing to do, and a full queue drops the event rather
// than block the caller.
func (b *Bridge) Notify(username string, ev model.Event) {
	b.mu.RLock()
	sub, ok := b.subs[username]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.enqueue(sub, ev)
}

// Broadcast queues an event for every subscribed endpoint.
func (b *Bridge) Broadcast(ev model.Event) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.enqueue(sub, ev)
	}
}

func (b *Bridge) enqueue(sub *subscriber, ev model.Event) {
	select {
	case sub.send <- ev:
	default:
		if b.onDrop != nil {
			b.onDrop()
		}
		slog.Debug("subscriber queue full, dropping event", "user", sub.username, "type", ev.Type)
	}
}

// Count returns the number of live subscriptions.
func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bridge) notifyChange(count int) {
	if b.onChange != nil {
		b.onChange(count)
	}
}

// writeLoop drains one subscriber's queue. Any write error prunes the
// subscription; delivery failures are never surfaced to event producers.
func (b *Bridge) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.send:
			ctx, cancel := context.WithTimeout(context.Background(), notifyWriteTimeout)
			err := wsjson.Write(ctx, sub.conn, ev)
			cancel()
			if err != nil {
				slog.Debug("subscriber write failed, pruning", "user", sub.username, "err", err)
				b.Unsubscribe(sub.username, sub)
				_ = sub.conn.Close(websocket.StatusInternalError, "delivery failure")
				return
			}
		}
	}
}
