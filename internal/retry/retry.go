// Package retry re-runs flaky storage calls with capped exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks a failure that another attempt cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Policy.Do returns it at once.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	Attempts  int           // total calls, at least 1
	BaseDelay time.Duration // wait after the first failure
	MaxDelay  time.Duration // 0 means uncapped

	// OnRetry, if set, is called before each wait with the failed attempt
	// number and its error.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds or the policy gives up. The wait doubles
// after each failure up to MaxDelay, shifted by up to a quarter either way.
// Permanent errors and context errors end the loop immediately.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		timer := time.NewTimer(jitter(p.backoff(attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoff is the wait after the given failed attempt, before jitter.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	n := int64(binary.LittleEndian.Uint64(b[:]) % uint64(2*spread+1)) //nolint:gosec // bounded by 2*spread+1
	return d - time.Duration(spread) + time.Duration(n)
}
