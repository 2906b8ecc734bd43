// Package lock provides keyed mutual exclusion for contract writes.
// Two triggers for the same key never run their check-then-write concurrently.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired in time.
var ErrLockTimeout = errors.New("lock acquisition timeout")

// keyMutex wraps a mutex with reference counting for cleanup.
type keyMutex struct {
	mu   sync.Mutex
	refs int
}

// KeyLock provides per-key locking. Entries are removed once no goroutine
// holds or waits for them, so the map only grows with live contention.
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyMutex
}

// New creates a new KeyLock instance.
func New[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{locks: make(map[K]*keyMutex)}
}

// acquire returns the mutex for key with its reference count incremented.
func (l *KeyLock[K]) acquire(key K) *keyMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &keyMutex{}
		l.locks[key] = m
	}
	m.refs++
	return m
}

// release drops one reference and deletes the entry when unused.
func (l *KeyLock[K]) release(key K, m *keyMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m.refs--
	if m.refs == 0 {
		delete(l.locks, key)
	}
}

// lockWithTimeout acquires the mutex of key until timeout or ctx is done.
// It returns the held mutex, or nil if the lock was not acquired.
func (l *KeyLock[K]) lockWithTimeout(ctx context.Context, key K, timeout time.Duration) *keyMutex {
	m := l.acquire(key)
	if m.mu.TryLock() {
		return m
	}

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return m
	case <-timeoutCtx.Done():
		// The waiter still acquires eventually; hand the lock straight back.
		go func() {
			<-done
			m.mu.Unlock()
			l.release(key, m)
		}()
		return nil
	}
}

// WithLockContext executes fn while holding the lock for key, giving up
// with ErrLockTimeout if the lock is not acquired within timeout.
func (l *KeyLock[K]) WithLockContext(ctx context.Context, key K, timeout time.Duration, fn func() error) error {
	m := l.lockWithTimeout(ctx, key, timeout)
	if m == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrLockTimeout
	}
	defer func() {
		m.mu.Unlock()
		l.release(key, m)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
