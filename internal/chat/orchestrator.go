// Package chat sequences a user turn: gate check, optional session promotion,
// intent classification, then consuming the generator stream into the
// assistant message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"NutriChat/internal/auth"
	"NutriChat/internal/extract"
	"NutriChat/internal/session"
	"NutriChat/internal/store"
	"NutriChat/internal/transport"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrSendBlocked  = errors.New("a reply is still in progress")
	ErrStream       = errors.New("response stream failed")
	ErrNoGenerator  = errors.New("no generator registered")
	ErrNotDone      = errors.New("message is not finished")
)

// Config wires the orchestrator's collaborators
type Config struct {
	Classifier transport.Classifier
	Generators *transport.Registry
	Sessions   *store.SessionStore
	Messages   *store.MessageStore
	Auth       auth.Context
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// flight is the send currently running in a session
type flight struct {
	token     *transport.CancelToken
	messageID string
}

// Orchestrator runs sends against the active session. At most one send runs
// per session; the gate check and the reservation happen under one lock.
type Orchestrator struct {
	classifier transport.Classifier
	generators *transport.Registry
	sessions   *store.SessionStore
	messages   *store.MessageStore
	auth       auth.Context
	logger     *slog.Logger
	tracer     trace.Tracer

	completed metric.Int64Counter
	errored   metric.Int64Counter
	aborted   metric.Int64Counter
	chunks    metric.Int64Counter

	mu      sync.Mutex
	flights map[string]*flight
}

// New creates an orchestrator
func New(cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Classifier == nil || cfg.Generators == nil {
		return nil, fmt.Errorf("classifier and generators are required")
	}
	if cfg.Sessions == nil || cfg.Messages == nil {
		return nil, fmt.Errorf("session and message stores are required")
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.Guest()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer("chat")
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter("chat")
	}

	o := &Orchestrator{
		classifier: cfg.Classifier,
		generators: cfg.Generators,
		sessions:   cfg.Sessions,
		messages:   cfg.Messages,
		auth:       cfg.Auth,
		logger:     logger,
		tracer:     cfg.Tracer,
		flights:    make(map[string]*flight),
	}

	var err error
	if o.completed, err = cfg.Meter.Int64Counter("chat.messages.completed",
		metric.WithDescription("Assistant messages that finished streaming")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if o.errored, err = cfg.Meter.Int64Counter("chat.messages.errored",
		metric.WithDescription("Assistant messages that failed mid-stream")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if o.aborted, err = cfg.Meter.Int64Counter("chat.messages.aborted",
		metric.WithDescription("Assistant messages cancelled by the user")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if o.chunks, err = cfg.Meter.Int64Counter("chat.chunks.received",
		metric.WithDescription("Streamed deltas applied to messages")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return o, nil
}

// activeID returns the active session, creating an ephemeral one if needed
func (o *Orchestrator) activeID() string {
	if sess, ok := o.sessions.Active(); ok {
		return sess.ID
	}
	return o.sessions.CreateEphemeral().ID
}

// CanSend reports whether the active session accepts a new message
func (o *Orchestrator) CanSend() bool {
	sess, ok := o.sessions.Active()
	if !ok {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canSendLocked(sess.ID)
}

// canSendLocked is false while a send runs in the session, when the last
// message is from the user, or when the last message is still in flight.
func (o *Orchestrator) canSendLocked(sessionID string) bool {
	if _, busy := o.flights[sessionID]; busy {
		return false
	}
	last, ok := o.messages.Last(sessionID)
	if !ok {
		return true
	}
	return last.Role != session.RoleUser && !last.Status.InFlight()
}

// SendMessage runs one turn in the active session and returns once the
// assistant message is finished. Aborts are not errors; stream failures are
// returned wrapped in ErrStream after the message is marked failed.
func (o *Orchestrator) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	ctx, span := o.tracer.Start(ctx, "chat.send")
	defer span.End()

	sessionID := o.activeID()

	o.mu.Lock()
	if !o.canSendLocked(sessionID) {
		o.mu.Unlock()
		o.logger.Debug("send blocked", "session_id", sessionID)
		return ErrSendBlocked
	}
	f := &flight{token: transport.NewCancelToken(ctx)}
	o.flights[sessionID] = f
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.flights, sessionID)
		o.mu.Unlock()
		f.token.Release()
	}()

	if sess, ok := o.sessions.Get(sessionID); ok && sess.Mode == session.ModeEphemeral && auth.CanPersist(o.auth) {
		// reserve the new id before it becomes active
		reserve := func(newID string) {
			o.mu.Lock()
			o.flights[newID] = f
			o.mu.Unlock()
		}
		if promoted, ok := o.sessions.Promote(ctx, sessionID, store.TitleFrom(content), reserve); ok {
			o.mu.Lock()
			delete(o.flights, sessionID)
			sessionID = promoted.ID
			o.mu.Unlock()
		}
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	if _, err := o.messages.AddMessage(session.Message{
		SessionID: sessionID,
		Role:      session.RoleUser,
		Type:      session.TypeChat,
		Content:   content,
		Status:    session.StatusDone,
	}); err != nil {
		return fmt.Errorf("failed to add user message: %w", err)
	}

	history := o.messages.GetMessagesForSession(sessionID)
	intent := o.classify(ctx, f.token, sessionID, history)
	span.SetAttributes(attribute.String("intent", string(intent)))

	status := session.StatusPending
	if f.token.Cancelled() {
		status = session.StatusAborted
	}
	reply, err := o.messages.AddMessage(session.Message{
		SessionID: sessionID,
		Role:      session.RoleAssistant,
		Type:      intent,
		Status:    status,
	})
	if err != nil {
		return fmt.Errorf("failed to add assistant message: %w", err)
	}
	if status == session.StatusAborted {
		o.aborted.Add(ctx, 1)
		o.logger.Info("send aborted during classification", "session_id", sessionID)
		return nil
	}

	o.mu.Lock()
	f.messageID = reply.ID
	o.mu.Unlock()

	err = o.stream(ctx, f.token, reply, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// classify never fails; errors fall back to chat
func (o *Orchestrator) classify(ctx context.Context, token *transport.CancelToken, sessionID string, history []session.Message) session.MessageType {
	_, span := o.tracer.Start(ctx, "chat.classify")
	defer span.End()

	intent, err := o.classifier.Classify(token, history)
	if err == nil {
		if _, ok := session.ParseMessageType(string(intent)); !ok {
			err = fmt.Errorf("%w: unknown intent %q", transport.ErrClassification, intent)
		}
	}
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("intent classification failed, defaulting to chat", "session_id", sessionID, "error", err)
		return session.TypeChat
	}

	span.SetAttributes(attribute.String("intent", string(intent)))
	o.logger.Info("classified intent", "session_id", sessionID, "intent", intent)
	return intent
}

// stream consumes the generator for reply's type into the message store
func (o *Orchestrator) stream(ctx context.Context, token *transport.CancelToken, reply session.Message, history []session.Message) error {
	ctx, span := o.tracer.Start(ctx, "chat.stream",
		trace.WithAttributes(attribute.String("type", string(reply.Type))))
	defer span.End()

	gen, ok := o.generators.Get(reply.Type)
	if !ok {
		gen, ok = o.generators.Get(session.TypeChat)
	}
	if !ok {
		return o.fail(ctx, reply, fmt.Errorf("%w for %s", ErrNoGenerator, reply.Type))
	}

	src, err := gen.Generate(token, history)
	if err != nil {
		if token.Cancelled() {
			return o.abort(ctx, reply)
		}
		return o.fail(ctx, reply, err)
	}
	defer src.Close()

	var received int64
	first := true
	for {
		if token.Cancelled() {
			return o.abort(ctx, reply)
		}

		chunk, err := src.Next(token.Context())

		// a chunk that resolves after cancellation is dropped
		if token.Cancelled() {
			return o.abort(ctx, reply)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = transport.ErrStreamIncomplete
			}
			return o.fail(ctx, reply, err)
		}

		if first {
			first = false
			streaming := session.StatusStreaming
			if err := o.messages.UpdateMessage(reply.ID, store.MessageUpdate{Status: &streaming}); err != nil {
				return o.stopped(reply, err)
			}
		}

		switch chunk.Kind {
		case transport.ChunkDelta:
			if err := o.messages.AppendToMessage(reply.ID, chunk.Text); err != nil {
				return o.stopped(reply, err)
			}
			received++
			o.chunks.Add(ctx, 1)

		case transport.ChunkDone:
			if err := o.messages.CompleteMessage(reply.ID); err != nil {
				return o.stopped(reply, err)
			}
			span.SetAttributes(attribute.Int64("chunks", received))
			o.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(reply.Type))))
			o.logger.Info("message completed", "session_id", reply.SessionID, "message_id", reply.ID, "chunks", received)
			return nil

		default:
			return o.fail(ctx, reply, fmt.Errorf("unknown chunk kind %d", chunk.Kind))
		}
	}
}

// stopped handles a store rejection mid-stream: the message was finished or
// removed elsewhere, which only an abort or a delete does.
func (o *Orchestrator) stopped(reply session.Message, err error) error {
	if errors.Is(err, store.ErrMessageTerminal) || errors.Is(err, store.ErrMessageNotFound) {
		o.logger.Info("stream stopped, message no longer writable", "message_id", reply.ID, "reason", err)
		return nil
	}
	return err
}

func (o *Orchestrator) abort(ctx context.Context, reply session.Message) error {
	if err := o.messages.AbortMessage(reply.ID); err != nil && !errors.Is(err, store.ErrMessageTerminal) && !errors.Is(err, store.ErrMessageNotFound) {
		return err
	}
	o.aborted.Add(ctx, 1)
	o.logger.Info("message aborted", "session_id", reply.SessionID, "message_id", reply.ID)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, reply session.Message, cause error) error {
	if err := o.messages.ErrorMessage(reply.ID); err != nil && !errors.Is(err, store.ErrMessageTerminal) {
		o.logger.Warn("failed to mark message failed", "message_id", reply.ID, "error", err)
	}
	o.errored.Add(ctx, 1)
	o.logger.Error("stream failed", "session_id", reply.SessionID, "message_id", reply.ID, "error", cause)
	return fmt.Errorf("%w: %w", ErrStream, cause)
}

// AbortCurrentMessage cancels the send running in the active session. The
// message is marked aborted at once so no later chunk can change it. Does
// nothing when no send is running.
func (o *Orchestrator) AbortCurrentMessage() {
	sess, ok := o.sessions.Active()
	if !ok {
		return
	}
	o.abortSession(sess.ID)
}

func (o *Orchestrator) abortSession(sessionID string) {
	o.mu.Lock()
	f, ok := o.flights[sessionID]
	var messageID string
	if ok {
		messageID = f.messageID
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	f.token.Cancel()
	if messageID != "" {
		if err := o.messages.AbortMessage(messageID); err == nil {
			o.logger.Info("abort requested", "session_id", sessionID, "message_id", messageID)
		}
	}
}

// Close cancels every running send
func (o *Orchestrator) Close() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.flights))
	for id := range o.flights {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.abortSession(id)
	}
}

// ExtractRecipes parses the recipe entries of a finished message
func (o *Orchestrator) ExtractRecipes(messageID string) ([]extract.Entry, error) {
	msg, ok := o.messages.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrMessageNotFound, messageID)
	}
	if msg.Status != session.StatusDone {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDone, messageID, msg.Status)
	}
	return extract.Extract(msg.Content), nil
}
