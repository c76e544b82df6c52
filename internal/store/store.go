// Package store holds the in-memory session and message state that the
// orchestrator mutates and the host renders.
package store

import (
	"context"
	"errors"
	"sync"

	"NutriChat/internal/persistence"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageTerminal  = errors.New("message already finished")
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Persister is the subset of the persistence bridge the stores write through.
// Writes are only issued when the auth context allows it.
type Persister interface {
	CreateSession(ctx context.Context, rec persistence.Record) (string, error)
	WriteSession(id string, patch persistence.Patch)
	DeleteSession(id string)
	LoadSessionsForUser(ctx context.Context) ([]persistence.Record, error)
}

// EventKind says what changed
type EventKind int

const (
	EventSessionsChanged EventKind = iota + 1
	EventActiveChanged
	EventMessagesChanged
	EventMessageUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventSessionsChanged:
		return "sessions_changed"
	case EventActiveChanged:
		return "active_changed"
	case EventMessagesChanged:
		return "messages_changed"
	case EventMessageUpdated:
		return "message_updated"
	}
	return "unknown"
}

// Event is a change notification. Subscribers re-read the stores for state.
type Event struct {
	Kind      EventKind
	SessionID string
	MessageID string
}

// Notifier fans events out to subscribers. Slow subscribers miss events
// rather than block the writer.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe returns an event channel and a function that cancels the
// subscription and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.next
	n.next++
	ch := make(chan Event, buffer)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
			close(ch)
		})
	}
}

func (n *Notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
