package extract

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net/http"
	"time"
)

// RetryPolicy retries transient probe failures with jittered exponential
// backoff. A nil policy or MaxAttempts <= 1 means one attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// shouldRetry reports whether another attempt may follow attempt (0-based).
// Transport errors, timeouts included, are retried; cancellation is not.
func (p *RetryPolicy) shouldRetry(err error, status, attempt int) bool {
	if attempt+1 >= p.attempts() {
		return false
	}
	if err == nil {
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

// backoff returns the wait before the attempt following attempt.
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
