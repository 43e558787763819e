package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSubscriber hands out short-lived subscriptions and can be told to fail.
type fakeSubscriber struct {
	mu       sync.Mutex
	timeout  time.Duration
	failures int
	calls    []time.Time
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, target device.Target, usn string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.calls = append(f.calls, now)
	if f.failures > 0 {
		f.failures--
		return nil, &SubscriptionError{Op: "subscribe", Target: target.HostPort(), Err: errors.New("refused")}
	}
	return &Subscription{
		USN:       usn,
		Target:    target,
		Token:     usn,
		Timeout:   f.timeout,
		IssuedAt:  now,
		ExpiresAt: now.Add(f.timeout),
	}, nil
}

func (f *fakeSubscriber) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func testTarget() device.Target {
	return device.Target{Host: "10.0.0.5", Port: 8000, Path: "/status"}
}

func issued(usn string, timeout time.Duration) *Subscription {
	now := time.Now()
	return &Subscription{USN: usn, Target: testTarget(), Token: usn, Timeout: timeout, IssuedAt: now, ExpiresAt: now.Add(timeout)}
}

func TestRenewer_RenewsBeforeExpiry(t *testing.T) {
	fake := &fakeSubscriber{timeout: 200 * time.Millisecond}
	r, err := NewRenewer(fake, RenewerConfig{}, zap.NewNop())
	require.NoError(t, err)
	defer r.Stop()

	sub := issued("ABC123", 200*time.Millisecond)
	r.Track(sub)
	assert.Equal(t, 1, r.Tracked())

	require.Eventually(t, func() bool { return len(fake.callTimes()) >= 1 }, 2*time.Second, 5*time.Millisecond)

	first := fake.callTimes()[0]
	assert.True(t, first.Before(sub.ExpiresAt), "renewal at %v should precede expiry at %v", first, sub.ExpiresAt)
	assert.GreaterOrEqual(t, first.Sub(sub.IssuedAt), 150*time.Millisecond)

	// keeps renewing on its own
	require.Eventually(t, func() bool { return len(fake.callTimes()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	current, ok := r.Get("ABC123")
	require.True(t, ok)
	assert.True(t, current.IssuedAt.After(sub.IssuedAt))
}

func TestRenewer_RetriesWithBackoff(t *testing.T) {
	fake := &fakeSubscriber{timeout: time.Hour, failures: 2}

	var mu sync.Mutex
	var results []error
	r, err := NewRenewer(fake, RenewerConfig{
		Backoff: BackoffConfig{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		OnRenew: func(usn string, sub *Subscription, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	}, zap.NewNop())
	require.NoError(t, err)
	defer r.Stop()

	r.TrackFailed("ABC123", testTarget())
	_, ok := r.Get("ABC123")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Error(t, results[0])
	assert.Error(t, results[1])
	assert.NoError(t, results[2])
	mu.Unlock()

	sub, ok := r.Get("ABC123")
	require.True(t, ok)
	assert.Equal(t, time.Hour, sub.Timeout)

	// the next renewal is 48 minutes away
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fake.callTimes(), 3)
}

func TestRenewer_TrackReplacesSchedule(t *testing.T) {
	fake := &fakeSubscriber{timeout: time.Hour}
	r, err := NewRenewer(fake, RenewerConfig{}, zap.NewNop())
	require.NoError(t, err)
	defer r.Stop()

	r.Track(issued("ABC123", 100*time.Millisecond))
	r.Track(issued("ABC123", time.Hour))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, fake.callTimes())
	assert.Equal(t, 1, r.Tracked())
}

func TestRenewer_ForgetAndStop(t *testing.T) {
	fake := &fakeSubscriber{timeout: time.Hour}
	r, err := NewRenewer(fake, RenewerConfig{}, zap.NewNop())
	require.NoError(t, err)

	r.Track(issued("ABC123", 50*time.Millisecond))
	r.Track(issued("XYZ789", 50*time.Millisecond))
	r.Forget("ABC123")
	assert.Equal(t, 1, r.Tracked())

	r.Stop()
	r.Stop()
	assert.Equal(t, 0, r.Tracked())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fake.callTimes())

	// tracking after stop is ignored
	r.Track(issued("ABC123", 10*time.Millisecond))
	assert.Equal(t, 0, r.Tracked())
}

func TestNewRenewer_Validation(t *testing.T) {
	_, err := NewRenewer(nil, RenewerConfig{}, nil)
	assert.Error(t, err)

	_, err = NewRenewer(&fakeSubscriber{}, RenewerConfig{Fraction: 1.5}, nil)
	assert.Error(t, err)

	r, err := NewRenewer(&fakeSubscriber{}, RenewerConfig{}, nil)
	require.NoError(t, err)
	defer r.Stop()
	assert.Equal(t, 48*time.Minute, r.RenewAfter(&Subscription{Timeout: time.Hour}))
	assert.Equal(t, JitterFactor, r.cfg.Backoff.Jitter)
}
