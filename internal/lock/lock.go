// Package lock serializes writes per location key.
//
// Local covers a single process. Memcached additionally takes a short lease in
// memcached so replicas sharing one store do not rotate the same record twice.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// Locker acquires an exclusive lock for key. The returned func releases it
// and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type entry struct {
	ch   chan struct{} // holds one token while locked
	refs int           // holders plus waiters
}

// Local is an in-process keyed mutex. Waiting honors ctx cancellation and
// entries are dropped once no goroutine holds or waits on them.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLocal returns an empty Local.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		observability.LockWaitSeconds.Observe(0)
		return l.releaser(key, e), nil
	default:
	}

	observability.LockContentionTotal.WithLabelValues(observability.MetricLocationLabel(key)).Inc()
	start := time.Now()
	select {
	case e.ch <- struct{}{}:
		observability.LockWaitSeconds.Observe(time.Since(start).Seconds())
		return l.releaser(key, e), nil
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}
}

func (l *Local) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
	}
}

func (l *Local) drop(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// size reports the number of live entries.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
