package app

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy retries an operation Retries times after the first attempt,
// waiting retry*Step before each retry (1s, 2s, 3s for the defaults).
type RetryPolicy struct {
	Retries int
	Step    time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, Step: time.Second}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func (p RetryPolicy) Delay(retry int) time.Duration {
	return time.Duration(retry) * p.Step
}

// Do runs fn until it succeeds, returns a Permanent error, retries are
// exhausted or ctx is done. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.Retries {
			return err
		}
		if serr := p.sleep(ctx, p.Delay(attempt+1)); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
