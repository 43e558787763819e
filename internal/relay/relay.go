package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/internal/directory"
	"github.com/rmacdonaldsmith/motionrelay/internal/imagefetch"
	"github.com/rmacdonaldsmith/motionrelay/internal/metrics"
	"github.com/rmacdonaldsmith/motionrelay/internal/publish"
	"github.com/rmacdonaldsmith/motionrelay/internal/router"
	"github.com/rmacdonaldsmith/motionrelay/internal/subscription"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
	relaypkg "github.com/rmacdonaldsmith/motionrelay/pkg/relay"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when notifications are submitted before Start or after Stop
	ErrNotStarted = errors.New("relay is not started")
	// ErrClosed is returned by operations on a closed relay
	ErrClosed = errors.New("relay is closed")
)

// AgentClient talks to camera agents.
type AgentClient interface {
	Subscribe(ctx context.Context, target device.Target, usn string) (*subscription.Subscription, error)
	Poll(ctx context.Context, target device.Target) ([]byte, error)
}

// ImageFetcher downloads referenced snapshots.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ImageStore persists snapshots under new ids.
type ImageStore interface {
	Save(ctx context.Context, data []byte) (string, error)
}

// Deps are the collaborators of a Relay. Directory, Agents, Fetcher, Store and
// EventLog are required.
type Deps struct {
	Directory device.Directory
	Agents    AgentClient
	Fetcher   ImageFetcher
	Store     ImageStore
	Pool      *imagefetch.Pool
	EventLog  eventlog.EventLog
	Sinks     []publish.Sink
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type job struct {
	n        *notification.Notification
	received time.Time
}

// Relay implements relaypkg.Relay.
// It orchestrates the directory, router, subscription renewer, image pool and
// sinks. Each notification is routed on the shard owning its USN.
type Relay struct {
	mu     sync.RWMutex
	config *Config

	dir      device.Directory
	router   *router.Router
	agents   AgentClient
	renewer  *subscription.Renewer
	fetcher  ImageFetcher
	store    ImageStore
	pool     *imagefetch.Pool
	eventLog eventlog.EventLog
	sinks    []publish.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger

	shards    []chan job
	sinkQueue chan *eventlog.AttributeEvent

	imagesMu sync.Mutex
	inflight map[string]string // usn -> image ref being fetched

	// State management
	started bool
	stopped bool
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	workersWG sync.WaitGroup
	sinkWG    sync.WaitGroup
	tasksWG   sync.WaitGroup
}

// New creates a relay. It does not contact any camera until Start.
func New(config *Config, deps Deps) (*Relay, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Directory == nil || deps.Agents == nil || deps.Fetcher == nil || deps.Store == nil || deps.EventLog == nil {
		return nil, fmt.Errorf("directory, agents, fetcher, store and event log are required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("relay").With(zap.String("hub_id", config.HubID))

	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	pool := deps.Pool
	if pool == nil {
		pool = imagefetch.NewPool(0, 0, logger)
	}

	r := &Relay{
		config:   config,
		dir:      deps.Directory,
		router:   router.New(deps.Directory, logger),
		agents:   deps.Agents,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		pool:     pool,
		eventLog: deps.EventLog,
		sinks:    deps.Sinks,
		metrics:  m,
		logger:   logger,
		inflight: make(map[string]string),
	}

	renewal := config.Renewal
	userHook := renewal.OnRenew
	renewal.OnRenew = func(usn string, sub *subscription.Subscription, err error) {
		r.countSubscribe(err)
		if userHook != nil {
			userHook(usn, sub, err)
		}
	}
	renewer, err := subscription.NewRenewer(deps.Agents, renewal, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create renewer: %w", err)
	}
	r.renewer = renewer

	return r, nil
}

// Start launches the dispatch workers and subscribes every provisioned device.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("cannot start closed relay")
	}
	if r.started {
		return nil
	}
	if r.stopped {
		return fmt.Errorf("relay cannot be restarted")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.shards = make([]chan job, r.config.Shards)
	for i := range r.shards {
		r.shards[i] = make(chan job, r.config.QueueSize)
		r.workersWG.Add(1)
		go r.runShard(r.shards[i])
	}

	r.sinkQueue = make(chan *eventlog.AttributeEvent, r.config.SinkQueueSize)
	r.sinkWG.Add(1)
	go r.runSinks(r.sinkQueue)

	r.pool.Start()
	r.started = true

	devices, err := r.dir.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		r.spawnRefresh(d)
	}

	r.logger.Info("Relay started",
		zap.Int("devices", len(devices)),
		zap.Int("shards", r.config.Shards))
	return nil
}

// Stop drains the shard queues, stops renewals and waits for image jobs.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	r.stopped = true
	for _, ch := range r.shards {
		close(ch)
	}
	r.mu.Unlock()

	r.workersWG.Wait()
	r.renewer.Stop()

	// queued image jobs still record and emit their images
	poolErr := r.pool.Stop(ctx)

	r.cancel()
	r.tasksWG.Wait()

	close(r.sinkQueue)
	r.sinkWG.Wait()

	r.logger.Info("Relay stopped")
	return poolErr
}

// Close stops the relay and releases the directory and event log.
func (r *Relay) Close() error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), max(r.config.RequestTimeout, r.config.ImageTimeout))
	defer cancel()
	stopErr := r.Stop(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	// the renewer is stopped once; a relay that never started still owns it
	r.renewer.Stop()

	if err := r.eventLog.Close(); err != nil {
		return fmt.Errorf("failed to close event log: %w", err)
	}
	if err := r.dir.Close(); err != nil {
		return fmt.Errorf("failed to close directory: %w", err)
	}
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				r.logger.Warn("Failed to close sink", zap.String("sink", s.Name()), zap.Error(err))
			}
		}
	}
	return stopErr
}

// Submit queues n on the shard owning its USN. It blocks while that shard is
// full so per-device order is never broken by drops.
func (r *Relay) Submit(ctx context.Context, n *notification.Notification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}
	if !r.started {
		return ErrNotStarted
	}

	shard := r.shards[shardFor(n.USN, len(r.shards))]
	select {
	case shard <- job{n: n, received: time.Now()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive parses a raw push and submits it.
func (r *Relay) Receive(ctx context.Context, raw []byte) (*notification.Notification, error) {
	n, err := notification.Receive(raw)
	if err != nil {
		r.metrics.Notifications.WithLabelValues("malformed").Inc()
		r.logger.Warn("Dropping malformed notification", zap.Error(err))
		return nil, err
	}
	if err := r.Submit(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Refresh re-subscribes the device and polls it. The work runs in the background.
func (r *Relay) Refresh(ctx context.Context, deviceID string) error {
	d, ok := r.dir.Get(ctx, deviceID)
	if !ok {
		return directory.ErrDeviceNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.started {
		return ErrNotStarted
	}
	r.spawnRefresh(d)
	return nil
}

// Provision adds a device and subscribes it when the relay is running.
func (r *Relay) Provision(ctx context.Context, d *device.VirtualDevice) error {
	if err := r.dir.Add(ctx, d); err != nil {
		return err
	}
	stored, ok := r.dir.Lookup(ctx, d.USN)
	if !ok {
		return directory.ErrDeviceNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.started {
		r.spawnRefresh(stored)
	}
	r.logger.Info("Device provisioned", zap.String("device_id", d.ID), zap.String("usn", d.USN))
	return nil
}

// Deprovision removes the device and cancels its renewal.
func (r *Relay) Deprovision(ctx context.Context, deviceID string) error {
	d, ok := r.dir.Get(ctx, deviceID)
	if !ok {
		return directory.ErrDeviceNotFound
	}
	if err := r.dir.Remove(ctx, d.USN); err != nil {
		return err
	}
	r.renewer.Forget(d.USN)
	r.logger.Info("Device deprovisioned", zap.String("device_id", d.ID), zap.String("usn", d.USN))
	return nil
}

// Directory returns the device directory.
func (r *Relay) Directory() device.Directory {
	return r.dir
}

// EventLog returns the attribute event log.
func (r *Relay) EventLog() eventlog.EventLog {
	return r.eventLog
}

// Subscription returns the current subscription of a device, if any.
func (r *Relay) Subscription(usn string) (*subscription.Subscription, bool) {
	return r.renewer.Get(usn)
}

// Metrics returns the relay's metric set.
func (r *Relay) Metrics() *metrics.Metrics {
	return r.metrics
}

// GetHealth returns the relay's health.
func (r *Relay) GetHealth(ctx context.Context) (relaypkg.HealthStatus, error) {
	r.mu.RLock()
	healthy := r.started && !r.closed
	closed := r.closed
	r.mu.RUnlock()

	status := relaypkg.HealthStatus{Healthy: healthy}
	if closed {
		status.Message = "relay is closed"
		return status, nil
	}

	devices, err := r.dir.List(ctx)
	if err != nil {
		return status, fmt.Errorf("failed to list devices: %w", err)
	}
	status.Devices = len(devices)
	for _, d := range devices {
		if d.State == device.MotionActive {
			status.ActiveDevices++
		}
	}
	status.Subscriptions = r.renewer.Tracked()
	status.PendingImages = r.pool.Pending()

	if stats, err := r.eventLog.GetStatistics(ctx); err == nil {
		status.TotalEvents = stats.TotalEvents
		status.Listeners = stats.Listeners
	}
	if !healthy {
		status.Message = "relay is not started"
	}
	return status, nil
}

func shardFor(usn string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(usn))
	return int(h.Sum32() % uint32(n))
}

func (r *Relay) runShard(ch <-chan job) {
	defer r.workersWG.Done()
	for j := range ch {
		r.process(j)
	}
}

// process routes one notification and carries out the resulting action.
func (r *Relay) process(j job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic while processing notification",
				zap.String("usn", j.n.USN), zap.Any("panic", p))
		}
	}()

	action := r.router.Route(r.ctx, j.n)

	switch action.Kind {
	case router.NoOp:
		if action.Err != nil {
			r.metrics.Notifications.WithLabelValues("error").Inc()
		} else {
			r.metrics.Notifications.WithLabelValues("unknown_device").Inc()
		}
		return

	case router.SetState:
		r.metrics.Notifications.WithLabelValues("accepted").Inc()
		r.metrics.StateUpdates.WithLabelValues(string(action.Device.State)).Inc()
		ev := eventlog.NewAttributeEvent(action.Device.ID, eventlog.AttributeMotion, string(action.Device.State))
		ev.Changed = action.Changed
		r.emit(r.ctx, ev)

	case router.ReSubscribeAndPoll:
		r.metrics.Notifications.WithLabelValues("accepted").Inc()
		r.spawnRefresh(action.Device)
	}

	r.metrics.NotificationLatency.Observe(time.Since(j.received).Seconds())

	if action.FetchImage != "" {
		r.queueImage(action.Device, action.FetchImage)
	}
}

// emit appends to the event log and hands the stored event to the sinks.
func (r *Relay) emit(ctx context.Context, ev *eventlog.AttributeEvent) {
	stored, err := r.eventLog.AppendEvent(ctx, ev)
	if err != nil {
		r.logger.Error("Failed to append attribute event",
			zap.String("device_id", ev.DeviceID),
			zap.String("attribute", string(ev.Attribute)),
			zap.Error(err))
		return
	}

	if len(r.sinks) == 0 {
		return
	}
	select {
	case r.sinkQueue <- stored:
	default:
		r.metrics.SinkErrors.WithLabelValues("queue").Inc()
		r.logger.Warn("Sink queue full, dropping attribute event",
			zap.String("device_id", stored.DeviceID),
			zap.Int64("offset", stored.Offset))
	}
}

func (r *Relay) runSinks(queue <-chan *eventlog.AttributeEvent) {
	defer r.sinkWG.Done()
	for ev := range queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.config.RequestTimeout)
			err := s.Emit(ctx, ev)
			cancel()
			if err != nil {
				r.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
				r.logger.Warn("Sink rejected attribute event",
					zap.String("sink", s.Name()),
					zap.String("device_id", ev.DeviceID),
					zap.Error(err))
			}
		}
	}
}

// queueImage hands the fetch and store of ref to the image pool. A ref
// already being fetched for the device is not queued twice.
func (r *Relay) queueImage(d *device.VirtualDevice, ref string) {
	usn, deviceID := d.USN, d.ID

	r.imagesMu.Lock()
	if r.inflight[usn] == ref {
		r.imagesMu.Unlock()
		r.logger.Debug("Image already being fetched",
			zap.String("device_id", deviceID),
			zap.String("ref", ref))
		return
	}
	r.inflight[usn] = ref
	r.imagesMu.Unlock()

	err := r.pool.Submit(func(ctx context.Context) {
		defer r.fetchDone(usn, ref)
		ctx, cancel := context.WithTimeout(ctx, r.config.ImageTimeout)
		defer cancel()
		r.fetchAndStore(ctx, usn, deviceID, ref)
	})
	if err != nil {
		r.fetchDone(usn, ref)
		r.metrics.ImageFetches.WithLabelValues("dropped").Inc()
		r.logger.Warn("Image job not queued",
			zap.String("device_id", deviceID),
			zap.String("ref", ref),
			zap.Error(err))
	}
}

func (r *Relay) fetchDone(usn, ref string) {
	r.imagesMu.Lock()
	defer r.imagesMu.Unlock()
	if r.inflight[usn] == ref {
		delete(r.inflight, usn)
	}
}

func (r *Relay) fetchAndStore(ctx context.Context, usn, deviceID, ref string) {
	data, err := r.fetcher.Fetch(ctx, ref)
	if err != nil {
		r.metrics.ImageFetches.WithLabelValues("fetch_error").Inc()
		r.logger.Warn("Image fetch failed",
			zap.String("device_id", deviceID),
			zap.String("ref", ref),
			zap.Error(err))
		return
	}

	id, err := r.store.Save(ctx, data)
	if err != nil {
		r.metrics.ImageFetches.WithLabelValues("store_error").Inc()
		r.logger.Error("Image store failed",
			zap.String("device_id", deviceID),
			zap.String("ref", ref),
			zap.Error(err))
		return
	}

	// a stored image is always recorded and emitted, even during shutdown
	ctx = context.WithoutCancel(ctx)

	stale := false
	updated, err := r.dir.Update(ctx, usn, func(d *device.VirtualDevice) error {
		if d.ImageRef != ref {
			stale = true
			return nil
		}
		d.ImageID = id
		d.StoredRef = ref
		return nil
	})
	if err != nil {
		r.logger.Warn("Device gone before image was recorded",
			zap.String("device_id", deviceID),
			zap.String("image_id", id),
			zap.Error(err))
		return
	}
	if stale {
		r.metrics.ImageFetches.WithLabelValues("stale").Inc()
		r.logger.Debug("Newer image reference arrived, skipping update",
			zap.String("device_id", deviceID),
			zap.String("ref", ref))
		return
	}

	r.metrics.ImageFetches.WithLabelValues("ok").Inc()
	r.emit(ctx, eventlog.NewAttributeEvent(updated.ID, eventlog.AttributeImage, id))
}

// spawnRefresh runs refresh in the background. Callers hold r.mu.
func (r *Relay) spawnRefresh(d *device.VirtualDevice) {
	r.tasksWG.Add(1)
	go func() {
		defer r.tasksWG.Done()
		r.refresh(d)
	}()
}

// refresh re-subscribes the device, schedules renewal and feeds the polled
// status back through the dispatcher.
func (r *Relay) refresh(d *device.VirtualDevice) {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.RequestTimeout)
	defer cancel()

	sub, err := r.agents.Subscribe(ctx, d.Target, d.USN)
	r.countSubscribe(err)
	if err != nil {
		r.logger.Warn("Subscribe failed, will retry",
			zap.String("device_id", d.ID),
			zap.String("usn", d.USN),
			zap.Error(err))
		r.renewer.TrackFailed(d.USN, d.Target)
		return
	}
	r.renewer.Track(sub)

	body, err := r.agents.Poll(ctx, d.Target)
	if err != nil {
		r.logger.Warn("Status poll failed",
			zap.String("device_id", d.ID),
			zap.Error(err))
		return
	}

	n, err := notification.Receive(body)
	if err != nil {
		r.metrics.Notifications.WithLabelValues("malformed").Inc()
		r.logger.Warn("Malformed status response",
			zap.String("device_id", d.ID),
			zap.Error(err))
		return
	}
	if n.Command == notification.CommandRefresh {
		// a status document asking for another refresh would loop
		r.logger.Debug("Ignoring refresh in status response", zap.String("device_id", d.ID))
		return
	}
	if n.USN != d.USN {
		r.logger.Warn("Status response for a different device",
			zap.String("device_id", d.ID),
			zap.String("expected_usn", d.USN),
			zap.String("usn", n.USN))
	}

	if err := r.Submit(ctx, n); err != nil && !errors.Is(err, ErrNotStarted) {
		r.logger.Warn("Failed to submit polled status",
			zap.String("device_id", d.ID),
			zap.Error(err))
	}
}

func (r *Relay) countSubscribe(err error) {
	if err != nil {
		r.metrics.SubscriptionAttempts.WithLabelValues("error").Inc()
		return
	}
	r.metrics.SubscriptionAttempts.WithLabelValues("ok").Inc()
}

// Verify that Relay implements the public Relay interface at compile time
var _ relaypkg.Relay = (*Relay)(nil)
