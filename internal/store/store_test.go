package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NutriChat/internal/auth"
	"NutriChat/internal/persistence"
	"NutriChat/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type write struct {
	id    string
	patch persistence.Patch
}

type fakePersister struct {
	mu        sync.Mutex
	creates   []persistence.Record
	writes    []write
	deletes   []string
	createErr error
	listErr   error
	records   []persistence.Record
	nextID    int
}

func (f *fakePersister) CreateSession(ctx context.Context, rec persistence.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.creates = append(f.creates, rec)
	f.nextID++
	return "remote-" + string(rune('0'+f.nextID)), nil
}

func (f *fakePersister) WriteSession(id string, patch persistence.Patch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, write{id, patch})
}

func (f *fakePersister) DeleteSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
}

func (f *fakePersister) LoadSessionsForUser(ctx context.Context) ([]persistence.Record, error) {
	return f.records, f.listErr
}

func (f *fakePersister) remoteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates) + len(f.writes) + len(f.deletes)
}

func newStores(a auth.Context, p Persister) (*SessionStore, *MessageStore) {
	messages := NewMessageStore(a, p, testLogger())
	return NewSessionStore(messages, a, p, testLogger()), messages
}

func userMsg(sessionID, content string) session.Message {
	return session.Message{SessionID: sessionID, Role: session.RoleUser, Type: session.TypeChat, Content: content, Status: session.StatusDone}
}

func TestAddAndReadMessages(t *testing.T) {
	sessions, messages := newStores(auth.Guest(), nil)
	sess := sessions.CreateEphemeral()

	first, err := messages.AddMessage(userMsg(sess.ID, "hi"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = messages.AddMessage(session.Message{SessionID: sess.ID, Role: session.RoleAssistant, Status: session.StatusPending})
	require.NoError(t, err)

	got := messages.GetMessagesForSession(sess.ID)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Content)

	got[0].Content = "mutated"
	assert.Equal(t, "hi", messages.GetMessagesForSession(sess.ID)[0].Content, "reads return copies")

	assert.NotNil(t, messages.GetMessagesForSession("unknown"))
	assert.Empty(t, messages.GetMessagesForSession("unknown"))

	_, err = messages.AddMessage(session.Message{})
	assert.Error(t, err)
	_, err = messages.AddMessage(first)
	assert.Error(t, err, "duplicate id")
}

func TestStreamingTransitions(t *testing.T) {
	sessions, messages := newStores(auth.Guest(), nil)
	sess := sessions.CreateEphemeral()

	msg, err := messages.AddMessage(session.Message{SessionID: sess.ID, Role: session.RoleAssistant, Type: session.TypeRecipe, Status: session.StatusPending})
	require.NoError(t, err)
	assert.True(t, messages.HasInFlight(sess.ID))

	streaming := session.StatusStreaming
	require.NoError(t, messages.UpdateMessage(msg.ID, MessageUpdate{Status: &streaming}))
	for _, d := range []string{"a", "b", "c"} {
		require.NoError(t, messages.AppendToMessage(msg.ID, d))
	}
	require.NoError(t, messages.CompleteMessage(msg.ID))

	got, ok := messages.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "abc", got.Content)
	assert.Equal(t, session.StatusDone, got.Status)
	assert.False(t, messages.HasInFlight(sess.ID))

	last, ok := messages.Last(sess.ID)
	require.True(t, ok)
	assert.Equal(t, msg.ID, last.ID)
}

func TestTerminalMessagesAreFrozen(t *testing.T) {
	sessions, messages := newStores(auth.Guest(), nil)
	sess := sessions.CreateEphemeral()

	msg, _ := messages.AddMessage(session.Message{SessionID: sess.ID, Role: session.RoleAssistant, Status: session.StatusStreaming, Content: "partial"})
	require.NoError(t, messages.AbortMessage(msg.ID))

	assert.ErrorIs(t, messages.AppendToMessage(msg.ID, "late"), ErrMessageTerminal)
	assert.ErrorIs(t, messages.CompleteMessage(msg.ID), ErrMessageTerminal)
	assert.ErrorIs(t, messages.ErrorMessage(msg.ID), ErrMessageTerminal)

	got, _ := messages.Get(msg.ID)
	assert.Equal(t, "partial", got.Content)
	assert.Equal(t, session.StatusAborted, got.Status)

	assert.ErrorIs(t, messages.AppendToMessage("missing", "x"), ErrMessageNotFound)
}

func TestSetAndClearMessages(t *testing.T) {
	sessions, messages := newStores(auth.Guest(), nil)
	sess := sessions.CreateEphemeral()

	messages.SetMessages(sess.ID, []session.Message{{ID: "a", Content: "1"}, {Content: "2"}})
	got := messages.GetMessagesForSession(sess.ID)
	require.Len(t, got, 2)
	assert.Equal(t, sess.ID, got[0].SessionID)
	assert.NotEmpty(t, got[1].ID)

	_, ok := messages.Get("a")
	assert.True(t, ok)

	messages.ClearMessages(sess.ID)
	assert.Empty(t, messages.GetMessagesForSession(sess.ID))
	_, ok = messages.Get("a")
	assert.False(t, ok)
}

func TestPersistOnlyOnAppendAndTerminal(t *testing.T) {
	p := &fakePersister{}
	sessions, messages := newStores(auth.NewState(true, false), p)
	sess := sessions.Create(context.Background(), CreateOptions{Title: "t"})
	require.Equal(t, session.ModePersisted, sess.Mode)

	msg, _ := messages.AddMessage(session.Message{SessionID: sess.ID, Role: session.RoleAssistant, Status: session.StatusPending})
	streaming := session.StatusStreaming
	messages.UpdateMessage(msg.ID, MessageUpdate{Status: &streaming})
	messages.AppendToMessage(msg.ID, "x")
	messages.AppendToMessage(msg.ID, "y")
	require.Len(t, p.writes, 1, "only the append so far")

	messages.CompleteMessage(msg.ID)
	require.Len(t, p.writes, 2)
	last := *p.writes[1].patch.Messages
	assert.Equal(t, "xy", last[0].Content)
	assert.Equal(t, session.StatusDone, last[0].Status)
}

func TestGuestIsolation(t *testing.T) {
	p := &fakePersister{}
	sessions, messages := newStores(auth.Guest(), p)
	ctx := context.Background()

	sess := sessions.Create(ctx, CreateOptions{Title: "guest"})
	assert.Equal(t, session.ModeEphemeral, sess.Mode)

	msg, _ := messages.AddMessage(userMsg(sess.ID, "hi"))
	messages.CompleteMessage(msg.ID)
	messages.ClearMessages(sess.ID)
	require.NoError(t, sessions.Rename(sess.ID, "renamed"))
	_, promoted := sessions.Promote(ctx, sess.ID, "x", nil)
	assert.False(t, promoted)
	require.NoError(t, sessions.Delete(sess.ID))

	_, err := sessions.ListForUser(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, p.remoteCalls())
}

func TestCreateFallsBackToEphemeral(t *testing.T) {
	p := &fakePersister{createErr: errors.New("offline")}
	sessions, messages := newStores(auth.NewState(true, false), p)

	sess := sessions.Create(context.Background(), CreateOptions{
		Title:           "  ",
		InitialMessages: []session.Message{{ID: "m", Content: "kept"}},
	})
	assert.Equal(t, session.ModeEphemeral, sess.Mode)
	assert.Equal(t, DefaultTitle, sess.Title)

	active, ok := sessions.Active()
	require.True(t, ok)
	assert.Equal(t, sess.ID, active.ID)
	assert.Equal(t, "kept", messages.GetMessagesForSession(sess.ID)[0].Content)
}

func TestPromoteMintsNewIdentity(t *testing.T) {
	p := &fakePersister{}
	a := auth.Guest()
	sessions, messages := newStores(a, p)
	ctx := context.Background()

	eph := sessions.CreateEphemeral()
	messages.AddMessage(userMsg(eph.ID, "before login"))

	a.SetAuthenticated(true)
	var reserved string
	sess, ok := sessions.Promote(ctx, eph.ID, TitleFrom("推荐一个番茄炒蛋的菜谱"), func(newID string) {
		reserved = newID
		active, _ := sessions.Active()
		assert.Equal(t, eph.ID, active.ID, "new session is not visible while reserving")
		_, visible := sessions.Get(newID)
		assert.False(t, visible)
	})
	require.True(t, ok)
	assert.Equal(t, sess.ID, reserved)
	assert.NotEqual(t, eph.ID, sess.ID)
	assert.Equal(t, session.ModePersisted, sess.Mode)
	assert.Equal(t, "推荐一个番茄炒蛋的菜谱", sess.Title)

	_, exists := sessions.Get(eph.ID)
	assert.False(t, exists)
	assert.Empty(t, messages.GetMessagesForSession(eph.ID))

	moved := messages.GetMessagesForSession(sess.ID)
	require.Len(t, moved, 1)
	assert.Equal(t, sess.ID, moved[0].SessionID)
	require.Len(t, p.creates, 1)
	assert.Len(t, p.creates[0].Messages, 1)

	active, _ := sessions.Active()
	assert.Equal(t, sess.ID, active.ID)

	_, again := sessions.Promote(ctx, sess.ID, "", nil)
	assert.False(t, again, "already persisted")
}

func TestRenameSwitchDelete(t *testing.T) {
	p := &fakePersister{}
	sessions, _ := newStores(auth.NewState(true, false), p)
	ctx := context.Background()

	a := sessions.Create(ctx, CreateOptions{Title: "a"})
	b := sessions.Create(ctx, CreateOptions{Title: "b"})

	active, _ := sessions.Active()
	assert.Equal(t, b.ID, active.ID)

	require.NoError(t, sessions.Switch(a.ID))
	active, _ = sessions.Active()
	assert.Equal(t, a.ID, active.ID)
	assert.ErrorIs(t, sessions.Switch("nope"), ErrSessionNotFound)

	require.NoError(t, sessions.Rename(a.ID, "  new name "))
	got, _ := sessions.Get(a.ID)
	assert.Equal(t, "new name", got.Title)
	require.Len(t, p.writes, 1)
	assert.Equal(t, "new name", *p.writes[0].patch.Title)
	assert.ErrorIs(t, sessions.Rename("nope", "x"), ErrSessionNotFound)

	require.NoError(t, sessions.Delete(a.ID))
	assert.Equal(t, []string{a.ID}, p.deletes)
	active, ok := sessions.Active()
	require.True(t, ok, "deleting the active session leaves one active")
	assert.NotEqual(t, a.ID, active.ID)
	assert.Equal(t, session.ModeEphemeral, active.Mode)
	assert.ErrorIs(t, sessions.Delete(a.ID), ErrSessionNotFound)

	assert.Len(t, sessions.List(), 2)
}

func TestListForUserMerges(t *testing.T) {
	p := &fakePersister{records: []persistence.Record{
		{ID: "r1", Title: "remote", Messages: []session.Message{{ID: "x", Content: "loaded", Status: session.StatusDone}}},
	}}
	sessions, messages := newStores(auth.NewState(true, false), p)
	sessions.CreateEphemeral()

	list, err := sessions.ListForUser(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	got, ok := sessions.Get("r1")
	require.True(t, ok)
	assert.Equal(t, session.ModePersisted, got.Mode)
	assert.Equal(t, "loaded", messages.GetMessagesForSession("r1")[0].Content)
	assert.Zero(t, len(p.writes), "loading does not write back")

	p.listErr = errors.New("down")
	list, err = sessions.ListForUser(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestListForUserKeepsLocalSessions(t *testing.T) {
	p := &fakePersister{}
	sessions, messages := newStores(auth.NewState(true, false), p)
	ctx := context.Background()

	sess := sessions.Create(ctx, CreateOptions{Title: "local"})
	require.Equal(t, session.ModePersisted, sess.Mode)
	user, err := messages.AddMessage(userMsg(sess.ID, "hello"))
	require.NoError(t, err)
	reply, err := messages.AddMessage(session.Message{SessionID: sess.ID, Role: session.RoleAssistant, Status: session.StatusPending})
	require.NoError(t, err)
	require.NoError(t, messages.AppendToMessage(reply.ID, "hi"))
	require.NoError(t, messages.CompleteMessage(reply.ID))

	// the remote never saw the writes and still has the empty session
	p.records = []persistence.Record{{ID: sess.ID, Title: "stale"}}

	_, err = sessions.ListForUser(ctx)
	require.NoError(t, err)

	got := messages.GetMessagesForSession(sess.ID)
	require.Len(t, got, 2)
	assert.Equal(t, user.ID, got[0].ID)
	assert.Equal(t, "hi", got[1].Content)
	kept, _ := sessions.Get(sess.ID)
	assert.Equal(t, "local", kept.Title)
}

func TestListForUserSettlesOpenTurns(t *testing.T) {
	p := &fakePersister{records: []persistence.Record{
		{ID: "streaming", Messages: []session.Message{
			{ID: "u1", Role: session.RoleUser, Content: "hi", Status: session.StatusDone},
			{ID: "a1", Role: session.RoleAssistant, Content: "par", Status: session.StatusStreaming},
		}},
		{ID: "unanswered", Messages: []session.Message{
			{ID: "u2", Role: session.RoleUser, Content: "hello", Status: session.StatusDone},
		}},
		{ID: "finished", Messages: []session.Message{
			{ID: "u3", Role: session.RoleUser, Content: "hey", Status: session.StatusDone},
			{ID: "a3", Role: session.RoleAssistant, Content: "yo", Status: session.StatusDone},
		}},
	}}
	sessions, messages := newStores(auth.NewState(true, false), p)

	_, err := sessions.ListForUser(context.Background())
	require.NoError(t, err)

	streaming := messages.GetMessagesForSession("streaming")
	require.Len(t, streaming, 2)
	assert.Equal(t, session.StatusError, streaming[1].Status)
	assert.Equal(t, "par", streaming[1].Content)

	unanswered := messages.GetMessagesForSession("unanswered")
	require.Len(t, unanswered, 2)
	assert.Equal(t, session.RoleAssistant, unanswered[1].Role)
	assert.Equal(t, session.StatusError, unanswered[1].Status)
	assert.Equal(t, "unanswered", unanswered[1].SessionID)

	finished := messages.GetMessagesForSession("finished")
	require.Len(t, finished, 2)
	assert.Equal(t, session.StatusDone, finished[1].Status)

	for _, id := range []string{"streaming", "unanswered", "finished"} {
		assert.False(t, messages.HasInFlight(id), id)
	}
	assert.Zero(t, len(p.writes), "settling does not write back")
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, DefaultTitle, TitleFrom("   "))
	assert.Equal(t, "a b", TitleFrom(" a \n b "))
	assert.Equal(t, "一二三四五六七八九十一二三四五六七八九十…", TitleFrom("一二三四五六七八九十一二三四五六七八九十多出来"))
}

func TestSubscribe(t *testing.T) {
	sessions, messages := newStores(auth.Guest(), nil)
	events, cancel := sessions.Subscribe(16)

	sess := sessions.CreateEphemeral()
	msg, _ := messages.AddMessage(userMsg(sess.ID, "hi"))

	var kinds []EventKind
	for i := 0; i < 3; i++ {
		kinds = append(kinds, (<-events).Kind)
	}
	// SetMessages from install publishes first
	assert.Equal(t, []EventKind{EventMessagesChanged, EventSessionsChanged, EventActiveChanged}, kinds)
	ev := <-events
	assert.Equal(t, Event{Kind: EventMessagesChanged, SessionID: sess.ID, MessageID: msg.ID}, ev)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestSubscribeDropsWhenFull(t *testing.T) {
	sessions, messages := newStores(auth.Guest(), nil)
	sess := sessions.CreateEphemeral()
	events, cancel := messages.Subscribe(1)
	defer cancel()

	msg, _ := messages.AddMessage(userMsg(sess.ID, "hi"))
	messages.AddMessage(userMsg(sess.ID, "again"))

	ev := <-events
	assert.Equal(t, msg.ID, ev.MessageID)
	select {
	case <-events:
		t.Fatal("second event should have been dropped")
	default:
	}
}
