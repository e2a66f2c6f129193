package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type httpErr struct {
	status     int
	retryAfter string
}

func (e *httpErr) Error() string            { return fmt.Sprintf("status %d", e.status) }
func (e *httpErr) HTTPStatus() int          { return e.status }
func (e *httpErr) RetryAfterHeader() string { return e.retryAfter }

func testPolicy(attempts int, slept *[]time.Duration) *Policy {
	p := NewPolicy(attempts, time.Second, 10*time.Second)
	p.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	p.now = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		&httpErr{status: 408}, &httpErr{status: 429}, &httpErr{status: 500},
		&httpErr{status: 502}, &httpErr{status: 503}, &httpErr{status: 504},
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		fmt.Errorf("read: %w", syscall.ECONNRESET),
		fmt.Errorf("dial: %w", syscall.ETIMEDOUT),
		context.DeadlineExceeded,
		errors.New("request aborted"),
	}
	for _, err := range retryable {
		require.True(t, IsRetryable(err), "%v", err)
	}

	terminal := []error{
		&httpErr{status: 400}, &httpErr{status: 401}, &httpErr{status: 403},
		&httpErr{status: 404}, &httpErr{status: 501},
		context.Canceled,
		errors.New("bad input"),
	}
	for _, err := range terminal {
		require.False(t, IsRetryable(err), "%v", err)
	}
}

func TestDoBacksOffExponentially(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(3, &slept)
	calls := 0
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return &httpErr{status: 503}
	})

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDoCapsAtMaxDelay(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(6, &slept)
	_ = p.Do(context.Background(), "test", func(context.Context) error { return &httpErr{status: 500} })
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}, slept)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(3, &slept)
	calls := 0
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		return &httpErr{status: 401}
	})
	require.Equal(t, 1, calls)
	require.Empty(t, slept)
	var he *httpErr
	require.True(t, errors.As(err, &he))
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(3, &slept)
	calls := 0
	err := p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("dial: %w", syscall.ECONNRESET)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(3, &slept)
	calls := 0
	_ = p.Do(context.Background(), "test", func(context.Context) error {
		calls++
		if calls == 1 {
			return &httpErr{status: http.StatusTooManyRequests, retryAfter: "3"}
		}
		return &httpErr{status: http.StatusTooManyRequests, retryAfter: "120"}
	})
	require.Equal(t, []time.Duration{3 * time.Second, 10 * time.Second}, slept)
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	d, ok := ParseRetryAfter(now.Add(5*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	require.Equal(t, 5*time.Second, d)

	_, ok = ParseRetryAfter("soon", now)
	require.False(t, ok)
}

func TestDoRespectsCancellation(t *testing.T) {
	p := NewPolicy(3, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, "test", func(context.Context) error { return &httpErr{status: 503} })
	require.ErrorIs(t, err, context.Canceled)
}
