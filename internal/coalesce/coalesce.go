// Package coalesce merges concurrent identical calls into a single
// execution. Unlike classic singleflight, an in-flight call stays joinable
// for a fixed window measured from the moment it was issued, not from its
// completion: late duplicates inside the window share the result, while a
// duplicate arriving after the window starts a fresh call even if the
// first is still running.
package coalesce

import (
	"context"
	"sync"
	"time"
)

// Group manages in-flight calls keyed by fingerprint. Safe for concurrent use.
type Group struct {
	mu     sync.Mutex
	window time.Duration
	m      map[string]*call

	// now is a clock function, overridable for testing.
	now func() time.Time
}

type call struct {
	done     chan struct{}
	issuedAt time.Time
	val      interface{}
	err      error
}

// New creates a Group whose calls remain joinable for window after issuance.
func New(window time.Duration) *Group {
	return &Group{
		window: window,
		m:      make(map[string]*call),
		now:    time.Now,
	}
}

// Do executes fn under key, or joins an existing call issued less than the
// window ago. The boolean reports whether the result was shared from
// another caller's execution. Joiners respect ctx cancellation without
// cancelling the owning call.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok && g.now().Sub(c.issuedAt) < g.window {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			return nil, ctx.Err(), true
		}
	}

	c := &call{
		done:     make(chan struct{}),
		issuedAt: g.now(),
	}
	g.m[key] = c
	g.mu.Unlock()

	// The entry expires on the window boundary regardless of whether the
	// call has finished; joiners already waiting keep their reference.
	time.AfterFunc(g.window, func() {
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
	})

	c.val, c.err = fn()
	close(c.done)

	// Failures are not worth sharing with future joiners; retries of the
	// same request must reach the network. Waiters already parked on done
	// still receive the error.
	if c.err != nil {
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
	}

	return c.val, c.err, false
}

// Forget drops the entry for key so the next Do starts a fresh call.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Reset drops every entry. Waiters on in-flight calls are unaffected.
func (g *Group) Reset() {
	g.mu.Lock()
	g.m = make(map[string]*call)
	g.mu.Unlock()
}
