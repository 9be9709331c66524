package module

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds Retry: Attempts tries with a delay starting at Base and
// doubling up to Max.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetry is used for RPC reads and external API calls.
var DefaultRetry = RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// run out or the scheduler stops.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Base

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts {
			break
		}
		if !Sleep(ctx, backoff) {
			return fmt.Errorf("retry interrupted after %d attempts: %w", i, err)
		}
		backoff *= 2
		if p.Max > 0 && backoff > p.Max {
			backoff = p.Max
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
