// Package dedup collapses concurrent identical operations into a single
// execution whose outcome every caller shares.
package dedup

import (
	"sync"
	"time"
)

type call[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Group deduplicates in-flight operations by string key. It is pure
// multiplexing: the producer's success or failure value is handed to every
// waiter untouched, and the group never retries.
type Group[T any] struct {
	mu      sync.Mutex
	pending map[string]*call[T]
}

// NewGroup returns an empty Group.
func NewGroup[T any]() *Group[T] {
	return &Group[T]{pending: make(map[string]*call[T])}
}

// Do runs fn under key, ensuring at most one concurrent execution per key.
// Callers arriving while an execution is pending block until it settles and
// receive the same result. The registration is dropped when the outcome
// settles, or after ttl as a safety net against an execution that never
// returns; ttl <= 0 disables the safety net.
func (g *Group[T]) Do(key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	g.mu.Lock()
	if c, ok := g.pending[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err
	}
	c := &call[T]{done: make(chan struct{})}
	g.pending[key] = c
	g.mu.Unlock()

	var timer *time.Timer
	if ttl > 0 {
		timer = time.AfterFunc(ttl, func() { g.remove(key, c) })
	}
	c.val, c.err = fn()
	if timer != nil {
		timer.Stop()
	}
	g.remove(key, c)
	close(c.done)
	return c.val, c.err
}

// PendingKeys returns how many operations are currently registered.
func (g *Group[T]) PendingKeys() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Group[T]) remove(key string, c *call[T]) {
	g.mu.Lock()
	if cur, ok := g.pending[key]; ok && cur == c {
		delete(g.pending, key)
	}
	g.mu.Unlock()
}
