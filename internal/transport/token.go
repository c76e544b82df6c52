package transport

import (
	"context"
	"sync/atomic"
)

// CancelToken is created once per send and threaded through classification
// and streaming. Cancelling it stops the in-flight request; chunks that still
// arrive afterwards must be discarded by the consumer.
type CancelToken struct {
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	requested atomic.Bool
}

// NewCancelToken derives a token from parent. Cancelling parent cancels the token.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{parent: parent, ctx: ctx, cancel: cancel}
}

// Context returns the context network calls should be bound to.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Done is closed once the token is cancelled or released.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Cancel signals cancellation. Safe to call more than once and from any goroutine.
func (t *CancelToken) Cancel() {
	t.requested.Store(true)
	t.cancel()
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (t *CancelToken) Cancelled() bool {
	return t.requested.Load() || t.parent.Err() != nil
}

// Release frees the token's resources once the send has finished.
// It does not mark the token as cancelled.
func (t *CancelToken) Release() {
	t.cancel()
}
