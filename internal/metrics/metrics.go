// Package metrics exposes relay counters and device gauges in Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"go.uber.org/zap"
)

const namespace = "motionrelay"

// Metrics owns a private registry and the relay's counters.
type Metrics struct {
	registry *prometheus.Registry

	Notifications        *prometheus.CounterVec
	StateUpdates         *prometheus.CounterVec
	ImageFetches         *prometheus.CounterVec
	StorageWriteFailures prometheus.Counter
	SubscriptionAttempts *prometheus.CounterVec
	SinkErrors           *prometheus.CounterVec
	NotificationLatency  prometheus.Histogram
}

// New creates the metric set. dir may be nil; when set, per-state device
// gauges are collected from it on every scrape.
func New(dir device.Directory) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications received, by outcome.",
		}, []string{"result"}),
		StateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_updates_total",
			Help:      "Motion state updates applied, by resulting state.",
		}, []string{"state"}),
		ImageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_fetches_total",
			Help:      "Image fetch jobs, by outcome.",
		}, []string{"result"}),
		StorageWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_write_failures_total",
			Help:      "Images that could not be written after retrying.",
		}),
		SubscriptionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_attempts_total",
			Help:      "SUBSCRIBE requests sent to camera agents, by outcome.",
		}, []string{"result"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Attribute events a sink failed to accept.",
		}, []string{"sink"}),
		NotificationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_processing_seconds",
			Help:      "Time from receipt to state application.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.Notifications,
		m.StateUpdates,
		m.ImageFetches,
		m.StorageWriteFailures,
		m.SubscriptionAttempts,
		m.SinkErrors,
		m.NotificationLatency,
	)
	if dir != nil {
		m.registry.MustRegister(&deviceCollector{dir: dir})
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler(logger *zap.Logger) http.Handler {
	opts := promhttp.HandlerOpts{}
	if logger != nil {
		opts.ErrorLog = zap.NewStdLog(logger.Named("metrics"))
	}
	return promhttp.HandlerFor(m.registry, opts)
}

var devicesDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "devices"),
	"Provisioned devices by motion state.",
	[]string{"state"}, nil,
)

// deviceCollector reports the directory contents at scrape time.
type deviceCollector struct {
	dir device.Directory
}

func (c *deviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- devicesDesc
}

func (c *deviceCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	devices, err := c.dir.List(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(devicesDesc, err)
		return
	}

	counts := map[device.MotionState]int{
		device.MotionActive:   0,
		device.MotionInactive: 0,
	}
	for _, d := range devices {
		counts[d.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(devicesDesc, prometheus.GaugeValue, float64(n), string(state))
	}
}
