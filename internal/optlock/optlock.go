// Package optlock implements the optimistic version guard used by every
// mutable inventory row: writes are conditioned on the version last read,
// and a failed condition means someone else wrote first.
package optlock

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrConflict means a version-conditioned write lost the race. It is never
// merged silently; callers retry with reloaded state or surface it.
var ErrConflict = errors.New("version conflict")

const DefaultMaxAttempts = 3

// Retry runs fn until it succeeds, returns a non-conflict error, or
// maxAttempts conflicts have been burned. fn must reload fresh state on each
// attempt; Retry only schedules, it never caches. A short jittered sleep
// between attempts keeps two retrying writers from colliding in lockstep.
func Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 5 * time.Millisecond
			backoff += time.Duration(rand.Int63n(int64(5 * time.Millisecond)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
