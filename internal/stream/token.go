// Package stream consumes the backend's chunked query stream: it frames raw
// bytes, parses frames into events and folds them into a stream result.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Reason is the latched cause of a fired token.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCancelled Reason = "cancelled"
	ReasonTimedOut  Reason = "timed-out"
)

var (
	// ErrCancelled is the context cause when a caller cancels the stream.
	ErrCancelled = errors.New("stream cancelled")

	// ErrTimedOut is the context cause when the stream deadline passes.
	ErrTimedOut = errors.New("stream timed out")
)

// Token is a revocable signal for one stream attempt. It fires on explicit
// cancellation or on its deadline, whichever comes first, and the reason of
// the first firing is kept.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer

	once     sync.Once
	mu       sync.Mutex
	reason   Reason
	released bool
}

// NewToken derives a token from parent. A positive deadline arms a timer that
// fires the token with ReasonTimedOut.
func NewToken(parent context.Context, deadline time.Duration) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{ctx: ctx, cancel: cancel}
	if deadline > 0 {
		t.timer = time.AfterFunc(deadline, func() { t.Cancel(ReasonTimedOut) })
	}
	return t
}

// Cancel fires the token. Only the first call has an effect.
func (t *Token) Cancel(reason Reason) {
	if reason == ReasonNone {
		reason = ReasonCancelled
	}
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()

		if t.timer != nil {
			t.timer.Stop()
		}
		cause := ErrCancelled
		if reason == ReasonTimedOut {
			cause = ErrTimedOut
		}
		t.cancel(cause)
	})
}

// Reason reports why the token fired, or ReasonNone while it has not.
// A token whose parent context ended is reported as cancelled, or as timed
// out when the parent hit its own deadline.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	reason, released := t.reason, t.released
	t.mu.Unlock()
	if reason != ReasonNone || released {
		return reason
	}

	if t.ctx.Err() == nil {
		return ReasonNone
	}
	if errors.Is(context.Cause(t.ctx), context.DeadlineExceeded) {
		return ReasonTimedOut
	}
	return ReasonCancelled
}

// Fired reports whether the token has fired.
func (t *Token) Fired() bool {
	return t.ctx.Err() != nil
}

// Done is closed when the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the context that carries the token's signal to the transport.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Release stops the deadline timer and frees the context without latching a
// reason. Call it once the attempt is over; later Cancel calls are no-ops.
func (t *Token) Release() {
	t.once.Do(func() {})

	t.mu.Lock()
	t.released = true
	t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel(context.Canceled)
}
