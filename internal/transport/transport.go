// Package transport talks to the assistant backend: one call classifies the
// intent of a conversation, the others stream a response as a sequence of
// chunks. Every call is bound to a CancelToken.
package transport

import (
	"context"
	"errors"

	"NutriChat/internal/backend"
	"NutriChat/internal/session"
)

var (
	// ErrClassification wraps any failure of the intent classifier.
	ErrClassification = errors.New("intent classification failed")
	// ErrStreamIncomplete is returned when a stream ends without a done chunk.
	ErrStreamIncomplete = errors.New("stream ended before done")
	// ErrBackend wraps an error reported in-band by the backend.
	ErrBackend = errors.New("backend error")
)

// ChunkKind discriminates the Chunk union
type ChunkKind int

const (
	ChunkDelta ChunkKind = iota + 1
	ChunkDone
)

// Chunk is one element of a streamed response: either a text delta or the
// terminal done marker.
type Chunk struct {
	Kind ChunkKind
	Text string
}

// Delta builds a delta chunk.
func Delta(text string) Chunk { return Chunk{Kind: ChunkDelta, Text: text} }

// Done builds the terminal chunk.
func Done() Chunk { return Chunk{Kind: ChunkDone} }

// ChunkSource is a pull-based, cancellable sequence of chunks. Next returns
// io.EOF once the done chunk has been delivered. Close releases the underlying
// reader and may be called at any point.
type ChunkSource interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Classifier resolves which generator should answer a conversation.
type Classifier interface {
	Classify(token *CancelToken, history []session.Message) (session.MessageType, error)
}

// Generator opens a chunk stream answering a conversation.
type Generator interface {
	Generate(token *CancelToken, history []session.Message) (ChunkSource, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(token *CancelToken, history []session.Message) (session.MessageType, error)

func (f ClassifierFunc) Classify(token *CancelToken, history []session.Message) (session.MessageType, error) {
	return f(token, history)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(token *CancelToken, history []session.Message) (ChunkSource, error)

func (f GeneratorFunc) Generate(token *CancelToken, history []session.Message) (ChunkSource, error) {
	return f(token, history)
}

// decodeChunk converts a wire chunk into the Chunk union. A wire chunk may
// carry both a final delta and done; the caller receives the delta first.
func decodeChunk(wire backend.StreamChunk) (chunks []Chunk, err error) {
	if wire.Error != "" {
		return nil, errors.Join(ErrBackend, errors.New(wire.Error))
	}
	if wire.ResponseDelta != nil && *wire.ResponseDelta != "" {
		chunks = append(chunks, Delta(*wire.ResponseDelta))
	}
	if wire.Done {
		chunks = append(chunks, Done())
	}
	return chunks, nil
}

// toHistory converts session messages to the wire format
func toHistory(messages []session.Message) []backend.HistoryMessage {
	out := make([]backend.HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		out = append(out, backend.HistoryMessage{
			Role:    string(msg.Role),
			Type:    string(msg.Type),
			Content: msg.Content,
		})
	}
	return out
}

// queue buffers chunks decoded from a single wire frame
type queue struct {
	pending []Chunk
	done    bool
}

func (q *queue) pop() (Chunk, bool) {
	if len(q.pending) == 0 {
		return Chunk{}, false
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	if c.Kind == ChunkDone {
		q.done = true
		q.pending = nil
	}
	return c, true
}

func (q *queue) push(chunks []Chunk) {
	q.pending = append(q.pending, chunks...)
}
