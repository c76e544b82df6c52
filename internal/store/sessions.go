package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"NutriChat/internal/auth"
	"NutriChat/internal/persistence"
	"NutriChat/internal/session"
)

// DefaultTitle names sessions created without a title
const DefaultTitle = "新对话"

// titleRunes bounds titles seeded from message content
const titleRunes = 20

// CreateOptions seeds a new session
type CreateOptions struct {
	Title           string
	InitialMessages []session.Message
	TagIDs          []string
}

// SessionStore owns the session list and the active session. It never holds
// its own lock while calling into the message store.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	activeID string

	messages *MessageStore
	auth     auth.Context
	persist  Persister
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionStore creates a session store over messages. The two stores share
// one notifier and persist through the same Persister.
func NewSessionStore(messages *MessageStore, a auth.Context, persist Persister, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SessionStore{
		sessions: make(map[string]session.Session),
		messages: messages,
		auth:     a,
		persist:  persist,
		notifier: messages.notifier,
		logger:   logger,
		now:      time.Now,
	}
	messages.sessions = s
	return s
}

// Subscribe registers for change events of both stores
func (s *SessionStore) Subscribe(buffer int) (<-chan Event, func()) {
	return s.notifier.Subscribe(buffer)
}

// TitleFrom derives a session title from message content
func TitleFrom(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return DefaultTitle
	}
	runes := []rune(content)
	if len(runes) > titleRunes {
		return string(runes[:titleRunes]) + "…"
	}
	return content
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	return title
}

func (s *SessionStore) canPersist() bool {
	return s.persist != nil && auth.CanPersist(s.auth)
}

// Create makes a new active session. When the user may persist, the session
// is created remotely first; if that fails a local ephemeral session carrying
// the same title and messages is used instead.
func (s *SessionStore) Create(ctx context.Context, opts CreateOptions) session.Session {
	now := s.now()
	sess := session.Session{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(opts.Title),
		Mode:      session.ModeEphemeral,
		TagIDs:    append([]string(nil), opts.TagIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.canPersist() {
		id, err := s.persist.CreateSession(ctx, persistence.Record{
			Title:     sess.Title,
			TagIDs:    sess.TagIDs,
			Messages:  opts.InitialMessages,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			s.logger.Warn("failed to create remote session, keeping it local", "error", err)
		} else {
			sess.ID = id
			sess.Mode = session.ModePersisted
		}
	}

	s.install(sess, opts.InitialMessages)
	s.logger.Info("created session", "session_id", sess.ID, "mode", sess.Mode)
	return sess.Clone()
}

// CreateEphemeral makes a local-only active session
func (s *SessionStore) CreateEphemeral() session.Session {
	now := s.now()
	sess := session.Session{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Mode:      session.ModeEphemeral,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.install(sess, nil)
	s.logger.Info("created ephemeral session", "session_id", sess.ID)
	return sess
}

func (s *SessionStore) install(sess session.Session, msgs []session.Message) {
	s.messages.SetMessages(sess.ID, msgs)

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.activeID = sess.ID
	s.mu.Unlock()

	s.notifier.publish(Event{Kind: EventSessionsChanged, SessionID: sess.ID})
	s.notifier.publish(Event{Kind: EventActiveChanged, SessionID: sess.ID})
}

// Promote replaces the ephemeral session id with a persisted one holding the
// same title, tags and messages. The new session gets a new id and becomes
// active. reserve, when set, runs with the new id before the session becomes
// visible. It reports false and leaves everything unchanged when the session
// cannot be persisted.
func (s *SessionStore) Promote(ctx context.Context, id, title string, reserve func(newID string)) (session.Session, bool) {
	old, ok := s.Get(id)
	if !ok || old.Mode != session.ModeEphemeral || !s.canPersist() {
		return old, false
	}
	if old.Title != DefaultTitle && strings.TrimSpace(title) == "" {
		title = old.Title
	}

	msgs := s.messages.GetMessagesForSession(id)
	now := s.now()
	newID, err := s.persist.CreateSession(ctx, persistence.Record{
		Title:     normalizeTitle(title),
		TagIDs:    old.TagIDs,
		Messages:  msgs,
		CreatedAt: old.CreatedAt,
		UpdatedAt: now,
	})
	if err != nil {
		s.logger.Warn("failed to persist session, continuing locally", "session_id", id, "error", err)
		return old, false
	}

	sess := old.Clone()
	sess.ID = newID
	sess.Title = normalizeTitle(title)
	sess.Mode = session.ModePersisted
	sess.UpdatedAt = now

	if reserve != nil {
		reserve(newID)
	}
	s.install(sess, msgs)

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.messages.forget(id)

	s.logger.Info("promoted session", "from", id, "session_id", newID)
	return sess.Clone(), true
}

// Rename changes a session title. Empty titles fall back to the default.
func (s *SessionStore) Rename(id, title string) error {
	title = normalizeTitle(title)

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Title = title
	sess.UpdatedAt = s.now()
	s.sessions[id] = sess
	s.mu.Unlock()

	if sess.Mode == session.ModePersisted && s.canPersist() {
		s.persist.WriteSession(id, persistence.Title(title))
	}
	s.notifier.publish(Event{Kind: EventSessionsChanged, SessionID: id})
	return nil
}

// Delete removes a session and its messages. Deleting the active session
// activates a fresh ephemeral one.
func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	wasActive := s.activeID == id
	if wasActive {
		s.activeID = ""
	}
	s.mu.Unlock()

	s.messages.forget(id)
	if sess.Mode == session.ModePersisted && s.canPersist() {
		s.persist.DeleteSession(id)
	}
	s.logger.Info("deleted session", "session_id", id)
	s.notifier.publish(Event{Kind: EventSessionsChanged, SessionID: id})

	if wasActive {
		s.CreateEphemeral()
	}
	return nil
}

// Switch makes id the active session
func (s *SessionStore) Switch(id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.activeID = id
	s.mu.Unlock()

	s.notifier.publish(Event{Kind: EventActiveChanged, SessionID: id})
	return nil
}

// Active returns the active session
func (s *SessionStore) Active() (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[s.activeID]
	return sess.Clone(), ok
}

// Get returns a session by id
func (s *SessionStore) Get(id string) (session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess.Clone(), ok
}

// Persisted reports whether id is a remotely backed session
func (s *SessionStore) Persisted(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Mode == session.ModePersisted
}

// List returns every session, most recently updated first
func (s *SessionStore) List() []session.Session {
	s.mu.RLock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListForUser loads the user's remote sessions into the store and returns the
// full list. Sessions already held locally are left alone; the local copy may
// be ahead of the remote one. Remote failures are logged and the local list
// is returned.
func (s *SessionStore) ListForUser(ctx context.Context) ([]session.Session, error) {
	if !s.canPersist() {
		return nil, ErrNotAuthenticated
	}

	recs, err := s.persist.LoadSessionsForUser(ctx)
	if err != nil {
		s.logger.Error("failed to load sessions", "error", err)
		return s.List(), nil
	}

	loaded := 0
	for _, rec := range recs {
		s.mu.RLock()
		_, held := s.sessions[rec.ID]
		s.mu.RUnlock()
		if held {
			continue
		}
		s.messages.SetMessages(rec.ID, settle(rec.ID, rec.Messages, s.now()))

		sess := session.Session{
			ID:        rec.ID,
			Title:     normalizeTitle(rec.Title),
			Mode:      session.ModePersisted,
			TagIDs:    append([]string(nil), rec.TagIDs...),
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
		s.mu.Lock()
		s.sessions[rec.ID] = sess
		s.mu.Unlock()
		loaded++
	}

	s.logger.Info("merged remote sessions", "count", len(recs), "loaded", loaded)
	s.notifier.publish(Event{Kind: EventSessionsChanged})
	return s.List(), nil
}

// settle closes turns a loaded list left open. No send owns them, so a
// pending or streaming reply becomes error and a trailing user message gets
// an error reply; otherwise the session could never accept another send.
func settle(sessionID string, msgs []session.Message, now time.Time) []session.Message {
	out := session.CloneMessages(msgs)
	for i := range out {
		if out[i].Status.InFlight() {
			out[i].Status = session.StatusError
		}
	}
	if n := len(out); n > 0 && out[n-1].Role == session.RoleUser {
		out = append(out, session.Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      session.RoleAssistant,
			Type:      session.TypeChat,
			Status:    session.StatusError,
			CreatedAt: now,
		})
	}
	return out
}
