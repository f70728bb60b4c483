package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"lpwatch/internal/dex"
	"lpwatch/internal/storage"
)

// retryPolicy bounds every outbound call made during a cycle.
type retryPolicy struct {
	clock       clockwork.Clock
	maxRetries  int
	baseDelay   time.Duration
	callTimeout time.Duration
	onRetry     func(op string, attempt int, err error)
}

// do runs fn with a per-attempt timeout and exponential backoff between
// attempts. Permanent errors return immediately; exhausted retries are
// wrapped in ErrUpstreamUnavailable.
func (p retryPolicy) do(ctx context.Context, op string, fn func(context.Context) error) error {
	maxRetries := p.maxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	delay := p.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for attempt := 0; ; attempt++ {
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxRetries {
			return fmt.Errorf("%s: %w: %w", op, ErrUpstreamUnavailable, err)
		}
		if p.onRetry != nil {
			p.onRetry(op, attempt+1, err)
		}

		timer := p.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}

		delay *= 2
	}
}

func (p retryPolicy) attempt(ctx context.Context, fn func(context.Context) error) error {
	if p.callTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return fn(callCtx)
}

// isPermanent reports errors that retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, dex.ErrPositionNotFound) || errors.Is(err, storage.ErrNotFound)
}
