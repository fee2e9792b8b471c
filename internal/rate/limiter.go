package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates outbound API calls so we respect Exchange throttling policy.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a fixed-rate limiter that can be paused when the server
// asks the client to back off.
type TokenBucket struct {
	lim *rate.Limiter

	mu    sync.Mutex
	until time.Time
}

// NewTokenBucket returns a limiter that releases rps tokens per second.
func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	// burst of one lets the first call proceed immediately
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(rps), 1)}
}

// Wait blocks until a token is available or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	t.mu.Lock()
	until := t.until
	t.mu.Unlock()
	if d := time.Until(until); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate wait canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if err := t.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait canceled: %w", err)
	}
	return nil
}

// Penalize holds back every caller sharing the bucket for d. Used after an
// ErrorServerBusy response.
func (t *TokenBucket) Penalize(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if until := time.Now().Add(d); until.After(t.until) {
		t.until = until
	}
}

var _ Limiter = (*TokenBucket)(nil)
