package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/username/landlordly/backend/src/logger"
)

// Policy retries transient failures with exponential backoff. A zero MaxAttempts is
// treated as a single attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep and now are replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	return &Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// ExhaustedError wraps the last error once every attempt has failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a terminal error, or the attempt budget is spent.
// Terminal errors are returned unwrapped.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		delay := p.delayFor(attempt, lastErr)
		logger.FromContext(ctx).Warn("Retrying bank API call", "op", op, "attempt", attempt, "maxAttempts", attempts, "delay", delay.String(), "error", lastErr)
		if err := p.doSleep(ctx, delay); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// delayFor returns BaseDelay doubled per attempt, or the server's Retry-After on 429, both
// capped at MaxDelay.
func (p *Policy) delayFor(attempt int, err error) time.Duration {
	delay := p.BaseDelay << (attempt - 1)
	if delay <= 0 || (p.BaseDelay > 0 && delay < p.BaseDelay) {
		delay = p.MaxDelay
	}
	if statusOf(err) == http.StatusTooManyRequests {
		if ra, ok := retryAfter(err, p.clock()); ok {
			delay = ra
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p *Policy) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Policy) doSleep(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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

type statusCoder interface {
	HTTPStatus() int
}

type retryAfterer interface {
	RetryAfterHeader() string
}

func statusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsRetryable reports whether err is transient: connection refused/reset, timeouts,
// or HTTP 408, 429, 500, 502, 503 and 504. Every other HTTP status is terminal, as is
// caller cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if status := statusOf(err); status != 0 {
		switch status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "aborted")
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP-date.
func retryAfter(err error, now time.Time) (time.Duration, bool) {
	var ra retryAfterer
	if !errors.As(err, &ra) {
		return 0, false
	}
	return ParseRetryAfter(ra.RetryAfterHeader(), now)
}

func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
