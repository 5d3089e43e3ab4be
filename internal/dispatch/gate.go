package dispatch

import (
	"context"
	"sync"
)

// semaphore is a channel-based counting semaphore, tokens pre-filled up to
// limit. Acquire blocks; release never does.
type semaphore struct {
	limit int
	ch    chan struct{}
}

func newSemaphore(limit int) *semaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &semaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Gate is the two-level admission limiter: a fixed global pool bounding total
// concurrent pulls, plus one lazily-created pool per destination key bounding
// concurrency against a single registry.
//
// Execution rights are one global permit AND one per-key permit held together.
// Acquire order is global first, then per-key; the global permit stays held
// while waiting on the key pool. Simple over strictly fair — tune the global
// size if a slow registry pins too much of the budget.
//
// Per-key pools live for the process lifetime. The limit of an existing pool
// never changes (first-seen wins); runtime resizing of a channel semaphore is
// not safe and not worth it at this scale.
type Gate struct {
	global *semaphore
	perKey int

	mu   sync.Mutex
	keys map[string]*semaphore
}

func NewGate(global, perKey int) *Gate {
	return &Gate{
		global: newSemaphore(global),
		perKey: perKey,
		keys:   make(map[string]*semaphore),
	}
}

// AcquireGlobal blocks for a global permit. Blocking here is the dispatch
// loop's backpressure: no new claims while the process is saturated.
func (g *Gate) AcquireGlobal(ctx context.Context) error {
	return g.global.acquire(ctx)
}

func (g *Gate) ReleaseGlobal() {
	g.global.release()
}

// AcquireKey blocks for the destination-key permit and returns its release
// func. The pool for an unseen key is created under the map lock; acquisition
// happens outside it so a saturated key never blocks other keys' lookups.
func (g *Gate) AcquireKey(ctx context.Context, key string) (func(), error) {
	sem := g.keyPool(key)
	if err := sem.acquire(ctx); err != nil {
		return nil, err
	}
	return sem.release, nil
}

func (g *Gate) keyPool(key string) *semaphore {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem := g.keys[key]
	if sem == nil {
		sem = newSemaphore(g.perKey)
		g.keys[key] = sem
	}
	return sem
}
