package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"go.uber.org/zap"
)

// DefaultRenewFraction is the share of a subscription's timeout after which it is renewed.
const DefaultRenewFraction = 0.8

// Subscriber issues subscriptions. *Client implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, target device.Target, usn string) (*Subscription, error)
}

// RenewerConfig configures a Renewer.
type RenewerConfig struct {
	// Fraction of the timeout after which renewal fires, in (0, 1).
	Fraction float64

	Backoff BackoffConfig

	// OnRenew, if set, is called after every renewal attempt.
	OnRenew func(usn string, sub *Subscription, err error)
}

type tracked struct {
	sub     *Subscription
	timer   *time.Timer
	backoff *Backoff
	gen     uint64
}

// Renewer re-subscribes before subscriptions expire. Timers run on wall-clock
// time and do not depend on notification traffic.
type Renewer struct {
	subscriber Subscriber
	cfg        RenewerConfig
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[string]*tracked
	gen     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRenewer creates a renewer that renews through subscriber.
func NewRenewer(subscriber Subscriber, cfg RenewerConfig, logger *zap.Logger) (*Renewer, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber cannot be nil")
	}
	if cfg.Fraction == 0 {
		cfg.Fraction = DefaultRenewFraction
	}
	if cfg.Fraction <= 0 || cfg.Fraction >= 1 {
		return nil, fmt.Errorf("renew fraction %.2f must be between 0 and 1", cfg.Fraction)
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff.Jitter = JitterFactor
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Renewer{
		subscriber: subscriber,
		cfg:        cfg,
		logger:     logger.Named("renewer"),
		entries:    make(map[string]*tracked),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// RenewAfter returns when sub should be renewed relative to its issue time.
func (r *Renewer) RenewAfter(sub *Subscription) time.Duration {
	return time.Duration(float64(sub.Timeout) * r.cfg.Fraction)
}

// Track schedules renewal of sub. A previous schedule for the same USN is replaced.
func (r *Renewer) Track(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	e := r.entries[sub.USN]
	if e == nil {
		e = &tracked{backoff: NewBackoff(r.cfg.Backoff)}
		r.entries[sub.USN] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	e.sub = sub
	e.backoff.Reset()

	delay := time.Until(sub.IssuedAt.Add(r.RenewAfter(sub)))
	r.scheduleLocked(sub.USN, e, delay)
}

// TrackFailed schedules a retry with backoff for a device whose initial
// subscribe failed.
func (r *Renewer) TrackFailed(usn string, target device.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	e := r.entries[usn]
	if e == nil {
		e = &tracked{backoff: NewBackoff(r.cfg.Backoff)}
		r.entries[usn] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	if e.sub == nil {
		e.sub = &Subscription{USN: usn, Target: target}
	}
	e.sub.Target = target

	r.scheduleLocked(usn, e, e.backoff.Next())
}

// Forget cancels renewal for usn.
func (r *Renewer) Forget(usn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[usn]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, usn)
	}
}

// Get returns the current subscription for usn, if one is tracked.
func (r *Renewer) Get(usn string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[usn]
	if !ok || e.sub == nil || e.sub.Token == "" {
		return nil, false
	}
	return e.sub, true
}

// Tracked returns the number of devices with a renewal schedule.
func (r *Renewer) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stop cancels all timers and waits for in-flight renewals. It is idempotent.
func (r *Renewer) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	r.entries = make(map[string]*tracked)
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Renewer) scheduleLocked(usn string, e *tracked, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	r.gen++
	gen := r.gen
	e.gen = gen
	e.timer = time.AfterFunc(delay, func() { r.renew(usn, gen) })
}

func (r *Renewer) renew(usn string, gen uint64) {
	r.mu.Lock()
	e, ok := r.entries[usn]
	if r.stopped || !ok || e.gen != gen {
		r.mu.Unlock()
		return
	}
	target := e.sub.Target
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	sub, err := r.subscriber.Subscribe(r.ctx, target, usn)

	if r.cfg.OnRenew != nil {
		r.cfg.OnRenew(usn, sub, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok = r.entries[usn]
	if r.stopped || !ok || e.gen != gen {
		// replaced or forgotten while the request was in flight
		return
	}

	if err != nil {
		delay := e.backoff.Next()
		r.logger.Warn("Subscription renewal failed, retrying",
			zap.String("usn", usn),
			zap.Int("attempt", e.backoff.Attempts()),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		r.scheduleLocked(usn, e, delay)
		return
	}

	e.sub = sub
	e.backoff.Reset()
	r.logger.Debug("Subscription renewed",
		zap.String("usn", usn),
		zap.Time("expires_at", sub.ExpiresAt))
	r.scheduleLocked(usn, e, r.RenewAfter(sub))
}
