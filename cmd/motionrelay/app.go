package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rmacdonaldsmith/motionrelay/internal/config"
	"github.com/rmacdonaldsmith/motionrelay/internal/directory"
	"github.com/rmacdonaldsmith/motionrelay/internal/discovery"
	"github.com/rmacdonaldsmith/motionrelay/internal/eventlog"
	"github.com/rmacdonaldsmith/motionrelay/internal/httpapi"
	"github.com/rmacdonaldsmith/motionrelay/internal/imagefetch"
	"github.com/rmacdonaldsmith/motionrelay/internal/imagestore"
	"github.com/rmacdonaldsmith/motionrelay/internal/metrics"
	"github.com/rmacdonaldsmith/motionrelay/internal/publish"
	"github.com/rmacdonaldsmith/motionrelay/internal/relay"
	"github.com/rmacdonaldsmith/motionrelay/internal/subscription"
	"go.uber.org/zap"
)

// compactInterval is how often the event log is trimmed to its retention.
const compactInterval = time.Minute

// app owns every long-lived component of the daemon.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	dir        *directory.MemoryDirectory
	eventLog   *eventlog.InMemoryEventLog
	store      *imagestore.Store
	metrics    *metrics.Metrics
	relay      *relay.Relay
	server     *httpapi.Server
	advertiser discovery.Advertiser
}

// newApp builds the component graph. Nothing is started and no camera is contacted.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, advertiser: discovery.NoopAdvertiser{}}

	dirOpts := []directory.Option{directory.WithLogger(logger)}
	if cfg.Redis.Enabled {
		persister := directory.NewRedisPersister(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.KeyPrefix)
		if err := persister.Ping(ctx); err != nil {
			_ = persister.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		dirOpts = append(dirOpts, directory.WithPersister(persister))
	}
	a.dir = directory.NewMemoryDirectory(dirOpts...)

	if err := a.provision(ctx); err != nil {
		_ = a.dir.Close()
		return nil, err
	}

	a.metrics = metrics.New(a.dir)

	store, err := imagestore.New(cfg.Images.Dir, a.metrics.StorageWriteFailures, logger)
	if err != nil {
		_ = a.dir.Close()
		return nil, err
	}
	a.store = store

	agents, err := subscription.NewClient(subscription.Config{
		CallbackHost:   cfg.Hub.CallbackHost,
		CallbackPort:   cfg.Hub.CallbackPort,
		TimeoutSeconds: cfg.Subscription.TimeoutSeconds,
		RequestTimeout: cfg.Subscription.RequestTimeout,
	}, logger)
	if err != nil {
		_ = a.dir.Close()
		return nil, err
	}

	var sinks []publish.Sink
	if cfg.MQTT.Enabled {
		sink, err := publish.ConnectMQTT(publish.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retained:    cfg.MQTT.Retained,
			Timeout:     cfg.MQTT.Timeout,
		}, logger)
		if err != nil {
			_ = a.dir.Close()
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	a.eventLog = eventlog.NewInMemoryEventLog(cfg.Relay.EventRetention)

	a.relay, err = relay.New(relayConfig(cfg), relay.Deps{
		Directory: a.dir,
		Agents:    agents,
		Fetcher:   imagefetch.NewFetcher(cfg.Images.BaseURI, cfg.Images.FetchTimeout, logger),
		Store:     store,
		Pool:      imagefetch.NewPool(cfg.Images.Workers, cfg.Images.QueueSize, logger),
		EventLog:  a.eventLog,
		Sinks:     sinks,
		Metrics:   a.metrics,
		Logger:    logger,
	})
	if err != nil {
		for _, s := range sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		_ = a.dir.Close()
		return nil, err
	}

	a.server = httpapi.NewServer(a.relay, httpapi.Config{
		Port:      cfg.Server.Port,
		SecretKey: cfg.Server.JWTSecret,
		Images:    store,
		Metrics:   a.metrics.Handler(logger),
		Logger:    logger,
	})

	if cfg.Discovery.Enabled {
		a.advertiser = discovery.NewMDNSAdvertiser(discovery.Config{Interface: cfg.Discovery.Interface}, logger)
	}
	return a, nil
}

// relayConfig maps the daemon configuration onto the relay's.
func relayConfig(cfg *config.Config) *relay.Config {
	rc := relay.NewConfig(cfg.Hub.ID).
		WithShards(cfg.Relay.Shards).
		WithQueueSize(cfg.Relay.QueueSize).
		WithRequestTimeout(cfg.Subscription.RequestTimeout).
		WithImageTimeout(cfg.Images.FetchTimeout).
		WithRenewal(subscription.RenewerConfig{Fraction: cfg.Subscription.RenewFraction})
	rc.SinkQueueSize = cfg.Relay.SinkQueueSize
	return rc
}

// provision loads persisted devices and adds configured ones that are not yet known.
func (a *app) provision(ctx context.Context) error {
	loaded, err := a.dir.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	if loaded > 0 {
		a.logger.Info("Loaded persisted devices", zap.Int("count", loaded))
	}

	for _, dc := range a.cfg.Devices {
		err := a.dir.Add(ctx, dc.VirtualDevice())
		switch {
		case errors.Is(err, directory.ErrDuplicateUSN), errors.Is(err, directory.ErrDuplicateID):
			a.logger.Debug("Configured device already provisioned", zap.String("device_id", dc.ID))
		case err != nil:
			return fmt.Errorf("failed to provision device %s: %w", dc.ID, err)
		}
	}
	return nil
}

// run starts the relay and background loops, serves HTTP on l until ctx is
// done and then shuts everything down.
func (a *app) run(ctx context.Context, l net.Listener) error {
	if err := a.relay.Start(ctx); err != nil {
		_ = a.close()
		return fmt.Errorf("failed to start relay: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.store.RunSweeper(bgCtx, a.cfg.Images.SweepInterval, a.cfg.Images.Retention())
	go a.runCompactor(bgCtx, compactInterval)

	port := a.cfg.Server.Port
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	if err := a.advertiser.Advertise(ctx, discovery.Info{
		Instance: a.cfg.Discovery.Instance,
		Port:     port,
		TXT: map[string]string{
			"hub": a.cfg.Hub.ID,
			"api": "/api/v1",
		},
	}); err != nil {
		// the API stays reachable by address
		a.logger.Warn("mDNS advertisement failed", zap.Error(err))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Serve(l) }()

	a.logger.Info("motionrelay started",
		zap.String("addr", l.Addr().String()),
		zap.Int("devices", len(a.cfg.Devices)))

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down gracefully")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("http server failed: %w", err)
		}
	}

	cancel()
	if shutdownErr := a.shutdown(); err == nil {
		err = shutdownErr
	}
	return err
}

// shutdown stops the HTTP server first so no push arrives at a stopped relay.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.advertiser.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("advertiser: %w", err))
	}
	if err := a.relay.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases the relay and everything it owns.
func (a *app) close() error {
	if err := a.relay.Close(); err != nil {
		return fmt.Errorf("relay close: %w", err)
	}
	return nil
}

func (a *app) runCompactor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.eventLog.Compact(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("Event log compaction failed", zap.Error(err))
			}
		}
	}
}
