// Package governor centralizes the idempotent teardown of everything a
// session acquires — timers, the rendezvous subscription, the transport
// session, and any in-flight file transfer — behind one cleanup entry
// point (spec.md §4.7).
package governor

import (
	"log/slog"
	"sync"
)

// Governor tracks resources registered via Track and releases them all,
// exactly once, in reverse registration order when Cleanup runs.
type Governor struct {
	mu        sync.Mutex
	done      bool
	resources []resource
	logger    *slog.Logger
}

type resource struct {
	name    string
	release func()
}

// New creates an empty Governor.
func New() *Governor {
	return &Governor{logger: slog.Default()}
}

// Track registers release to be called exactly once by Cleanup. name is
// used only for logging. Calling Track after Cleanup has already run
// releases immediately, since the invariant is that no background
// activity survives a completed Cleanup.
func (g *Governor) Track(name string, release func()) {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		release()
		return
	}
	g.resources = append(g.resources, resource{name: name, release: release})
	g.mu.Unlock()
}

// Cleanup releases every tracked resource in reverse registration order.
// Idempotent: a second call is a no-op. After it returns, the invariant
// in spec.md §4.7 holds — no background activity remains and it is safe
// to construct a new session.
func (g *Governor) Cleanup() {
	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	resources := g.resources
	g.resources = nil
	g.mu.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		func() {
			defer func() {
				if p := recover(); p != nil {
					g.logger.Error("panic releasing resource", "resource", r.name, "panic", p)
				}
			}()
			r.release()
		}()
	}
}

// Token is a cooperative cancellation signal honored at chunk boundaries
// by the file transfer engine (spec.md §4.6, §5).
type Token struct {
	mu       sync.Mutex
	canceled bool
	cancelCh chan struct{}
}

// NewToken creates a live (not-yet-canceled) Token.
func NewToken() *Token {
	return &Token{cancelCh: make(chan struct{})}
}

// Cancel marks the token canceled. Idempotent.
func (t *Token) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canceled {
		t.canceled = true
		close(t.cancelCh)
	}
}

// Canceled reports whether Cancel has been called.
func (t *Token) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Done returns a channel closed when the token is canceled, for use in a
// select alongside other suspension points.
func (t *Token) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelCh
}
