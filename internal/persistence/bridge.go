// Package persistence mirrors persisted sessions to the session API.
//
// Session creation is awaited by the caller. Every other write is fire and
// forget: it is queued on a per-session writer, coalesced with any write still
// waiting for that session, and applied in order. Failures are logged and not
// retried; across processes the last write wins.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"NutriChat/internal/session"
)

var (
	ErrPersistence = errors.New("persistence failed")
	ErrNotFound    = errors.New("session not found")
	ErrClosed      = errors.New("bridge closed")
)

// writeTimeout bounds each background write
const writeTimeout = 15 * time.Second

// Record is a session as stored by the session API
type Record struct {
	ID        string
	Title     string
	TagIDs    []string
	Messages  []session.Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Patch is a partial update. Nil fields are left untouched and Messages
// replaces the whole list.
type Patch struct {
	Title    *string
	TagIDs   *[]string
	Messages *[]session.Message
}

// Title returns a patch that renames a session
func Title(title string) Patch {
	return Patch{Title: &title}
}

// Messages returns a patch that replaces the message list
func Messages(msgs []session.Message) Patch {
	cp := session.CloneMessages(msgs)
	return Patch{Messages: &cp}
}

// merge layers newer on top of p
func (p Patch) merge(newer Patch) Patch {
	if newer.Title != nil {
		p.Title = newer.Title
	}
	if newer.TagIDs != nil {
		p.TagIDs = newer.TagIDs
	}
	if newer.Messages != nil {
		p.Messages = newer.Messages
	}
	return p
}

// Remote is the session persistence API
type Remote interface {
	Create(ctx context.Context, rec Record) (string, error)
	Update(ctx context.Context, id string, patch Patch) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Record, error)
}

type writer struct {
	patch   *Patch
	deleted bool
}

// Bridge serializes writes to a Remote
type Bridge struct {
	remote Remote
	tracer trace.Tracer
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*writer
	deleted map[string]struct{}
	active  int
	idle    chan struct{}
	closed  bool
}

// NewBridge creates a bridge over remote. A nil tracer disables tracing.
func NewBridge(remote Remote, tracer trace.Tracer, logger *slog.Logger) (*Bridge, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("persistence")
	}

	idle := make(chan struct{})
	close(idle)
	return &Bridge{
		remote:  remote,
		tracer:  tracer,
		logger:  logger,
		writers: make(map[string]*writer),
		deleted: make(map[string]struct{}),
		idle:    idle,
	}, nil
}

// CreateSession creates rec remotely and returns the id the API assigned
func (b *Bridge) CreateSession(ctx context.Context, rec Record) (string, error) {
	ctx, span := b.tracer.Start(ctx, "persistence.create")
	defer span.End()

	if b.isClosed() {
		return "", fmt.Errorf("%w: %w", ErrPersistence, ErrClosed)
	}

	id, err := b.remote.Create(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: create session: %w", ErrPersistence, err)
	}

	span.SetAttributes(attribute.String("session_id", id))
	b.logger.Info("created remote session", "session_id", id, "message_count", len(rec.Messages))
	return id, nil
}

// LoadSessionsForUser lists every session the API holds for the current user
func (b *Bridge) LoadSessionsForUser(ctx context.Context) ([]Record, error) {
	ctx, span := b.tracer.Start(ctx, "persistence.list")
	defer span.End()

	recs, err := b.remote.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: list sessions: %w", ErrPersistence, err)
	}

	span.SetAttributes(attribute.Int("session_count", len(recs)))
	b.logger.Info("loaded remote sessions", "count", len(recs))
	return recs, nil
}

// WriteSession queues patch for id and returns immediately
func (b *Bridge) WriteSession(id string, patch Patch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("dropping session write after close", "session_id", id)
		return
	}
	if _, gone := b.deleted[id]; gone {
		b.logger.Debug("dropping write for deleted session", "session_id", id)
		return
	}

	w := b.writerLocked(id)
	if w.patch == nil {
		w.patch = &patch
	} else {
		merged := w.patch.merge(patch)
		w.patch = &merged
	}
}

// DeleteSession queues a delete for id and returns immediately. Queued writes
// for id are discarded.
func (b *Bridge) DeleteSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warn("dropping session delete after close", "session_id", id)
		return
	}
	b.deleted[id] = struct{}{}

	w := b.writerLocked(id)
	w.patch = nil
	w.deleted = true
}

// writerLocked returns the writer for id, starting one if none is running
func (b *Bridge) writerLocked(id string) *writer {
	if w, ok := b.writers[id]; ok {
		return w
	}

	w := &writer{}
	b.writers[id] = w
	if b.active == 0 {
		b.idle = make(chan struct{})
	}
	b.active++
	go b.run(id, w)
	return w
}

func (b *Bridge) run(id string, w *writer) {
	for {
		b.mu.Lock()
		patch, del := w.patch, w.deleted
		w.patch, w.deleted = nil, false
		if patch == nil && !del {
			delete(b.writers, id)
			b.active--
			if b.active == 0 {
				close(b.idle)
			}
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		if del {
			b.apply(id, "persistence.delete", func(ctx context.Context) error {
				return b.remote.Delete(ctx, id)
			})
			continue
		}
		b.apply(id, "persistence.update", func(ctx context.Context) error {
			return b.remote.Update(ctx, id, *patch)
		})
	}
}

func (b *Bridge) apply(id, name string, op func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	ctx, span := b.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("session_id", id)))
	defer span.End()

	if err := op(ctx); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrPersistence, name, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Error("session write failed", "session_id", id, "op", name, "error", err)
		return
	}
	b.logger.Debug("session write applied", "session_id", id, "op", name)
}

// Flush waits until every queued write has been applied
func (b *Bridge) Flush(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes, drains the queue and closes the remote when it
// holds resources.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("closing with pending session writes", "error", err)
	}

	if c, ok := b.remote.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
