// Package flight coalesces calls that share a key.
//
// A Group runs at most one call per key at a time; callers arriving while it is in
// flight wait for and receive the same outcome. When the Group has a non-zero window,
// the outcome is also replayed to callers arriving up to window after completion.
package flight

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source reports how a caller obtained its result.
type Source int

const (
	// Executed means this caller ran fn.
	Executed Source = iota
	// Shared means this caller joined a call already in flight.
	Shared
	// Cached means the result was replayed from a call completed within the window.
	Cached
)

func (s Source) String() string {
	switch s {
	case Executed:
		return "executed"
	case Shared:
		return "shared"
	case Cached:
		return "cached"
	default:
		return "unknown"
	}
}

type outcome[T any] struct {
	val T
	err error
	at  time.Time
}

// Group is safe for concurrent use. The zero value is not usable; call New.
type Group[T any] struct {
	window time.Duration
	now    func() time.Time

	calls singleflight.Group

	mu   sync.Mutex
	done map[string]outcome[T]
}

// New returns a Group replaying completed outcomes for window. A zero window disables replay.
func New[T any](window time.Duration) *Group[T] {
	return &Group[T]{window: window, now: time.Now, done: make(map[string]outcome[T])}
}

// WithClock overrides the time source.
func (g *Group[T]) WithClock(now func() time.Time) *Group[T] {
	g.now = now
	return g
}

// Do returns the outcome of fn for key, running fn only if no call for key is in flight
// and no outcome is replayable. fn receives a context detached from ctx cancellation so
// an abandoned caller never aborts work other callers depend on; ctx only bounds how long
// this caller waits.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, Source, error) {
	if res, ok := g.lookup(key); ok {
		return res.val, Cached, res.err
	}

	detached := context.WithoutCancel(ctx)
	var led atomic.Int32
	ch := g.calls.DoChan(key, func() (interface{}, error) {
		// A call for key may have completed between lookup and DoChan.
		if res, ok := g.lookup(key); ok {
			led.Store(int32(Cached) + 1)
			return res.val, res.err
		}
		led.Store(int32(Executed) + 1)
		val, err := fn(detached)
		if g.window > 0 {
			g.mu.Lock()
			g.done[key] = outcome[T]{val: val, err: err, at: g.now()}
			g.mu.Unlock()
		}
		return val, err
	})

	select {
	case res := <-ch:
		val, _ := res.Val.(T)
		return val, g.source(&led), res.Err
	case <-ctx.Done():
		var zero T
		return zero, g.source(&led), ctx.Err()
	}
}

// source reports Shared unless this caller's own closure ran.
func (g *Group[T]) source(led *atomic.Int32) Source {
	if v := led.Load(); v > 0 {
		return Source(v - 1)
	}
	return Shared
}

// Forget drops any replayable outcome for key. An in-flight call is not affected.
func (g *Group[T]) Forget(key string) {
	g.mu.Lock()
	delete(g.done, key)
	g.mu.Unlock()
}

func (g *Group[T]) held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.done)
}

func (g *Group[T]) lookup(key string) (outcome[T], bool) {
	if g.window <= 0 {
		return outcome[T]{}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, res := range g.done {
		if now.Sub(res.at) > g.window {
			delete(g.done, k)
		}
	}

	res, ok := g.done[key]
	return res, ok
}
