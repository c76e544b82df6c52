package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"NutriChat/internal/auth"
	"NutriChat/internal/persistence"
	"NutriChat/internal/session"
)

type modeLookup interface {
	Persisted(sessionID string) bool
}

// MessageUpdate is a partial message update; nil fields are left unchanged
type MessageUpdate struct {
	Content *string
	Status  *session.Status
	Type    *session.MessageType
}

// MessageStore keeps the ordered message list of every session. Remote writes
// ship the whole list and only happen on appends of new messages and terminal
// transitions, never per streamed chunk.
type MessageStore struct {
	mu       sync.RWMutex
	lists    map[string][]session.Message
	owner    map[string]string // message id -> session id
	auth     auth.Context
	persist  Persister
	sessions modeLookup
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewMessageStore creates a message store. persist may be nil when nothing is
// stored remotely.
func NewMessageStore(a auth.Context, persist Persister, logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		lists:    make(map[string][]session.Message),
		owner:    make(map[string]string),
		auth:     a,
		persist:  persist,
		notifier: newNotifier(),
		logger:   logger,
		now:      time.Now,
	}
}

// Subscribe registers for change events
func (m *MessageStore) Subscribe(buffer int) (<-chan Event, func()) {
	return m.notifier.Subscribe(buffer)
}

// AddMessage appends msg to its session and returns the stored copy. Missing
// ids and timestamps are filled in.
func (m *MessageStore) AddMessage(msg session.Message) (session.Message, error) {
	if msg.SessionID == "" {
		return session.Message{}, fmt.Errorf("message has no session id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}

	m.mu.Lock()
	if _, exists := m.owner[msg.ID]; exists {
		m.mu.Unlock()
		return session.Message{}, fmt.Errorf("message %s already exists", msg.ID)
	}
	m.lists[msg.SessionID] = append(m.lists[msg.SessionID], msg)
	m.owner[msg.ID] = msg.SessionID
	m.persistLocked(msg.SessionID)
	m.mu.Unlock()

	m.notifier.publish(Event{Kind: EventMessagesChanged, SessionID: msg.SessionID, MessageID: msg.ID})
	return msg, nil
}

// UpdateMessage applies u to the message. Finished messages reject every
// update.
func (m *MessageStore) UpdateMessage(id string, u MessageUpdate) error {
	m.mu.Lock()
	msg, sessionID, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if msg.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrMessageTerminal, id, msg.Status)
	}

	if u.Content != nil {
		msg.Content = *u.Content
	}
	if u.Type != nil {
		msg.Type = *u.Type
	}
	if u.Status != nil {
		msg.Status = *u.Status
	}
	if msg.Status.Terminal() {
		m.persistLocked(sessionID)
	}
	m.mu.Unlock()

	m.notifier.publish(Event{Kind: EventMessageUpdated, SessionID: sessionID, MessageID: id})
	return nil
}

// AppendToMessage concatenates delta onto the message content
func (m *MessageStore) AppendToMessage(id, delta string) error {
	m.mu.Lock()
	msg, sessionID, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if msg.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrMessageTerminal, id, msg.Status)
	}
	msg.Content += delta
	m.mu.Unlock()

	if delta != "" {
		m.notifier.publish(Event{Kind: EventMessageUpdated, SessionID: sessionID, MessageID: id})
	}
	return nil
}

// CompleteMessage marks the message done
func (m *MessageStore) CompleteMessage(id string) error {
	return m.setStatus(id, session.StatusDone)
}

// ErrorMessage marks the message failed, keeping its partial content
func (m *MessageStore) ErrorMessage(id string) error {
	return m.setStatus(id, session.StatusError)
}

// AbortMessage marks the message aborted. Later appends are rejected.
func (m *MessageStore) AbortMessage(id string) error {
	return m.setStatus(id, session.StatusAborted)
}

func (m *MessageStore) setStatus(id string, status session.Status) error {
	return m.UpdateMessage(id, MessageUpdate{Status: &status})
}

// SetMessages replaces a session's list, e.g. after loading it remotely.
// Nothing is written back.
func (m *MessageStore) SetMessages(sessionID string, msgs []session.Message) {
	list := session.CloneMessages(msgs)
	for i := range list {
		list[i].SessionID = sessionID
		if list[i].ID == "" {
			list[i].ID = uuid.NewString()
		}
	}

	m.mu.Lock()
	m.dropLocked(sessionID)
	m.lists[sessionID] = list
	for _, msg := range list {
		m.owner[msg.ID] = sessionID
	}
	m.mu.Unlock()

	m.notifier.publish(Event{Kind: EventMessagesChanged, SessionID: sessionID})
}

// ClearMessages empties a session's list
func (m *MessageStore) ClearMessages(sessionID string) {
	m.mu.Lock()
	m.dropLocked(sessionID)
	m.persistLocked(sessionID)
	m.mu.Unlock()

	m.notifier.publish(Event{Kind: EventMessagesChanged, SessionID: sessionID})
}

// forget drops a session's messages without a remote write
func (m *MessageStore) forget(sessionID string) {
	m.mu.Lock()
	m.dropLocked(sessionID)
	m.mu.Unlock()
}

// GetMessagesForSession returns a copy of the session's messages; unknown
// sessions yield an empty list.
func (m *MessageStore) GetMessagesForSession(sessionID string) []session.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return session.CloneMessages(m.lists[sessionID])
}

// Last returns the newest message of a session
func (m *MessageStore) Last(sessionID string) (session.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.lists[sessionID]
	if len(list) == 0 {
		return session.Message{}, false
	}
	return list[len(list)-1], true
}

// Get returns a message by id
func (m *MessageStore) Get(id string) (session.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, ok := m.owner[id]
	if !ok {
		return session.Message{}, false
	}
	for _, msg := range m.lists[sessionID] {
		if msg.ID == id {
			return msg, true
		}
	}
	return session.Message{}, false
}

// HasInFlight reports whether a session has a pending or streaming message
func (m *MessageStore) HasInFlight(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.lists[sessionID] {
		if msg.Status.InFlight() {
			return true
		}
	}
	return false
}

func (m *MessageStore) lookupLocked(id string) (*session.Message, string, error) {
	sessionID, ok := m.owner[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	list := m.lists[sessionID]
	for i := range list {
		if list[i].ID == id {
			return &list[i], sessionID, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (m *MessageStore) dropLocked(sessionID string) {
	for _, msg := range m.lists[sessionID] {
		if m.owner[msg.ID] == sessionID {
			delete(m.owner, msg.ID)
		}
	}
	delete(m.lists, sessionID)
}

// persistLocked ships the whole list when the user may persist and the
// session is backed remotely. Called with m.mu held so writes leave in the
// order the list changed.
func (m *MessageStore) persistLocked(sessionID string) {
	if m.persist == nil || m.sessions == nil || !auth.CanPersist(m.auth) {
		return
	}
	if !m.sessions.Persisted(sessionID) {
		return
	}
	m.persist.WriteSession(sessionID, persistence.Messages(m.lists[sessionID]))
	m.logger.Debug("queued message write", "session_id", sessionID, "message_count", len(m.lists[sessionID]))
}
