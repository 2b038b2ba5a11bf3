package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func recordingPolicy(maxAttempts int, waits *[]time.Duration) Policy {
	p := NewPolicy(maxAttempts)
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return p
}

func TestDoRetriesTransientErrorsWithQuadraticBackoff(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	p := recordingPolicy(3, &waits)

	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return &StatusError{URL: "http://example.com", Code: 503}
	})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, waits)
}

func TestDoStopsOnSuccess(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	p := recordingPolicy(5, &waits)

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 2 {
			return timeoutErr{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, waits, 1)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	p := recordingPolicy(3, &waits)
	permanent := errors.New("bad request")

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, waits)
}

func TestDoHonorsCanceledContextDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPolicy(3)
	p.Backoff = func(int) time.Duration { return time.Hour }
	err := p.Do(ctx, func(context.Context, int) error {
		return &StatusError{Code: 504}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnRetryHook(t *testing.T) {
	t.Parallel()

	var attempts []int
	p := NewPolicy(2)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	p.OnRetry = func(_ error, attempt int, _ time.Duration) { attempts = append(attempts, attempt) }

	_ = p.Do(context.Background(), func(context.Context, int) error { return timeoutErr{} })
	assert.Equal(t, []int{1}, attempts)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransient(&StatusError{Code: 503}))
	assert.True(t, IsTransient(&StatusError{Code: 504}))
	assert.False(t, IsTransient(&StatusError{Code: 500}))
	assert.False(t, IsTransient(&StatusError{Code: 404}))
	assert.True(t, IsTransient(timeoutErr{}))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.False(t, IsTransient(errors.New("nope")))
	assert.False(t, IsTransient(nil))
}

func TestShouldRetryRejectsContextErrors(t *testing.T) {
	t.Parallel()

	p := NewPolicy(5)
	assert.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	assert.False(t, p.ShouldRetry(timeoutErr{}, 5))
	assert.True(t, p.ShouldRetry(timeoutErr{}, 4))
}

func TestExponentialIsBounded(t *testing.T) {
	t.Parallel()

	backoff := Exponential(100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
