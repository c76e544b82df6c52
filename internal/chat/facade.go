package chat

import (
	"context"

	"NutriChat/internal/session"
	"NutriChat/internal/store"
)

// ActiveSession returns the active session, creating one when none exists
func (o *Orchestrator) ActiveSession() session.Session {
	if sess, ok := o.sessions.Active(); ok {
		return sess
	}
	return o.sessions.CreateEphemeral()
}

// Sessions lists every known session, newest first
func (o *Orchestrator) Sessions() []session.Session {
	return o.sessions.List()
}

// LoadSessions merges the user's remote sessions into the store
func (o *Orchestrator) LoadSessions(ctx context.Context) ([]session.Session, error) {
	return o.sessions.ListForUser(ctx)
}

// SwitchSession activates another session. A send running in the previous
// session keeps streaming in the background.
func (o *Orchestrator) SwitchSession(id string) error {
	return o.sessions.Switch(id)
}

// CreateTemporarySession starts a local session. It is persisted on the
// first send when the user is signed in.
func (o *Orchestrator) CreateTemporarySession() session.Session {
	return o.sessions.CreateEphemeral()
}

// CreateSession starts a session, persisted when the user is signed in
func (o *Orchestrator) CreateSession(ctx context.Context, title string) session.Session {
	return o.sessions.Create(ctx, store.CreateOptions{Title: title})
}

// RenameSession renames a session
func (o *Orchestrator) RenameSession(id, title string) error {
	return o.sessions.Rename(id, title)
}

// DeleteSession aborts any send running in the session, then deletes it
func (o *Orchestrator) DeleteSession(id string) error {
	o.abortSession(id)
	return o.sessions.Delete(id)
}

// GetMessagesForSession returns a snapshot of a session's messages
func (o *Orchestrator) GetMessagesForSession(id string) []session.Message {
	return o.messages.GetMessagesForSession(id)
}

// Subscribe registers for store change events
func (o *Orchestrator) Subscribe(buffer int) (<-chan store.Event, func()) {
	return o.sessions.Subscribe(buffer)
}

// GetMessage returns one message by id
func (o *Orchestrator) GetMessage(id string) (session.Message, bool) {
	return o.messages.Get(id)
}
