// Package syncutil provides locking primitives that respect context
// cancellation.
package syncutil

import "context"

// Mutex is a mutex implemented via a buffered channel, so a waiter can
// select on its context and give up. The zero value is not usable; call
// NewMutex.
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext acquires the mutex, or returns the context error if ctx is
// done first. On success the caller MUST call the returned unlock function.
func (m *Mutex) LockContext(ctx context.Context) (func(), error) {
	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex without waiting.
func (m *Mutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
