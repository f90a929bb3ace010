// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package retry runs an operation again with exponential backoff while it
// keeps failing with a retryable error.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// BaseDelay controls the base duration for exponential backoff. Tests
// override this to avoid real sleeps.
var BaseDelay = 20 * time.Millisecond

// MaxDelay caps a single backoff wait.
var MaxDelay = 2 * time.Second

const defaultMaxAttempts = 5

// Do calls fn until it succeeds, returns an error retryable rejects, or
// maxAttempts calls have been made. The delay starts at BaseDelay and
// doubles each attempt up to MaxDelay.
//
// When maxAttempts is 0 the default (5) is used. If the context is
// cancelled during a backoff wait Do returns ctx.Err(). After exhausting
// attempts the last error from fn is returned.
func Do(ctx context.Context, maxAttempts int, retryable func(error) bool, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt+1 >= maxAttempts {
			return err
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * BaseDelay
		if backoff > MaxDelay {
			backoff = MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	return errors.Is(err, types.ErrConflict)
}

// IsTransient reports whether err is a TransientStorageError.
func IsTransient(err error) bool {
	return errors.Is(err, types.ErrTransientStorage)
}

// IsConflictOrTransient reports whether err is either retryable kind.
func IsConflictOrTransient(err error) bool {
	return IsConflict(err) || IsTransient(err)
}
