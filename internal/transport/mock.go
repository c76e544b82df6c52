package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"NutriChat/internal/session"
)

// KeywordClassifier is an offline classifier that looks for keywords in the
// latest user message.
type KeywordClassifier struct {
	Recipe []string
	Health []string
}

// NewKeywordClassifier returns a classifier with a small built-in vocabulary
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		Recipe: []string{"菜谱", "食谱", "做法", "怎么做", "recipe", "cook"},
		Health: []string{"健康", "营养", "减肥", "血糖", "health", "diet", "nutrition"},
	}
}

func (k *KeywordClassifier) Classify(token *CancelToken, history []session.Message) (session.MessageType, error) {
	if token.Cancelled() {
		return "", fmt.Errorf("%w: %v", ErrClassification, context.Canceled)
	}

	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			last = strings.ToLower(history[i].Content)
			break
		}
	}

	for _, kw := range k.Recipe {
		if strings.Contains(last, kw) {
			return session.TypeRecipe, nil
		}
	}
	for _, kw := range k.Health {
		if strings.Contains(last, kw) {
			return session.TypeHealthAdvice, nil
		}
	}
	return session.TypeChat, nil
}

// ScriptedGenerator replays a fixed list of deltas, optionally pausing
// between them. Useful for offline runs and tests.
type ScriptedGenerator struct {
	Chunks []string
	Delay  time.Duration
	Err    error // returned by Next after all chunks instead of done
}

func (g *ScriptedGenerator) Generate(token *CancelToken, history []session.Message) (ChunkSource, error) {
	return &SliceSource{chunks: g.Chunks, delay: g.Delay, err: g.Err}, nil
}

// SliceSource serves chunks from a slice
type SliceSource struct {
	chunks []string
	delay  time.Duration
	err    error
	pos    int
	done   bool
	closed bool
}

// NewSliceSource returns a source that yields each delta and then done
func NewSliceSource(chunks ...string) *SliceSource {
	return &SliceSource{chunks: chunks}
}

func (s *SliceSource) Next(ctx context.Context) (Chunk, error) {
	if s.closed {
		return Chunk{}, io.ErrClosedPipe
	}
	if s.done {
		return Chunk{}, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos < len(s.chunks) {
		c := Delta(s.chunks[s.pos])
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return Chunk{}, s.err
	}
	s.done = true
	return Done(), nil
}

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// Pipe is a ChunkSource fed by another goroutine. Chunks sent after Close are
// dropped.
type Pipe struct {
	ch     chan pipeItem
	mu     sync.Mutex
	closed bool
	quit   chan struct{}
}

type pipeItem struct {
	chunk Chunk
	err   error
}

// NewPipe creates an unbuffered pipe
func NewPipe() *Pipe {
	return &Pipe{ch: make(chan pipeItem), quit: make(chan struct{})}
}

// Send delivers a delta; it blocks until the consumer reads it or the pipe is closed.
// It reports whether the delta was delivered.
func (p *Pipe) Send(text string) bool { return p.put(pipeItem{chunk: Delta(text)}) }

// Finish delivers the done chunk.
func (p *Pipe) Finish() bool { return p.put(pipeItem{chunk: Done()}) }

// Fail makes the next Next call return err.
func (p *Pipe) Fail(err error) bool { return p.put(pipeItem{err: err}) }

func (p *Pipe) put(item pipeItem) bool {
	select {
	case p.ch <- item:
		return true
	case <-p.quit:
		return false
	}
}

func (p *Pipe) Next(ctx context.Context) (Chunk, error) {
	select {
	case item := <-p.ch:
		if item.err != nil {
			return Chunk{}, item.err
		}
		return item.chunk, nil
	case <-p.quit:
		return Chunk{}, io.ErrClosedPipe
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	return nil
}

// Closed reports whether the consumer has released the pipe.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
