package relay

import (
	"errors"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/internal/subscription"
)

var (
	// ErrEmptyHubID is returned when hub ID is empty
	ErrEmptyHubID = errors.New("hub ID cannot be empty")
	// ErrInvalidShards is returned when the shard count is not positive
	ErrInvalidShards = errors.New("shard count must be positive")
	// ErrInvalidQueueSize is returned when the per-shard queue size is not positive
	ErrInvalidQueueSize = errors.New("queue size must be positive")
	// ErrInvalidTimeout is returned when a request or image timeout is not positive
	ErrInvalidTimeout = errors.New("timeouts must be positive")
)

// Config represents configuration for a Relay
type Config struct {
	// HubID names this relay in logs and health output
	HubID string

	// Shards is the number of ordered dispatch workers. Notifications are
	// assigned to a shard by USN so each device keeps arrival order.
	Shards int

	// QueueSize is the buffer of each shard
	QueueSize int

	// SinkQueueSize is the buffer between state application and sinks
	SinkQueueSize int

	// RequestTimeout bounds each refresh (subscribe + poll) and sink delivery
	RequestTimeout time.Duration

	// ImageTimeout bounds each image job (fetch + store)
	ImageTimeout time.Duration

	// Renewal configures proactive subscription renewal
	Renewal subscription.RenewerConfig
}

// NewConfig creates a relay configuration with safe defaults
func NewConfig(hubID string) *Config {
	return &Config{
		HubID:          hubID,
		Shards:         8,
		QueueSize:      64,
		SinkQueueSize:  256,
		RequestTimeout: 10 * time.Second,
		ImageTimeout:   30 * time.Second,
		Renewal: subscription.RenewerConfig{
			Fraction: subscription.DefaultRenewFraction,
		},
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.HubID == "" {
		return ErrEmptyHubID
	}
	if c.Shards <= 0 {
		return ErrInvalidShards
	}
	if c.QueueSize <= 0 || c.SinkQueueSize <= 0 {
		return ErrInvalidQueueSize
	}
	if c.RequestTimeout <= 0 || c.ImageTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// WithShards sets the number of dispatch workers
func (c *Config) WithShards(n int) *Config {
	c.Shards = n
	return c
}

// WithQueueSize sets the per-shard buffer
func (c *Config) WithQueueSize(n int) *Config {
	c.QueueSize = n
	return c
}

// WithRequestTimeout sets the refresh and sink timeout
func (c *Config) WithRequestTimeout(d time.Duration) *Config {
	c.RequestTimeout = d
	return c
}

// WithImageTimeout sets the image job timeout
func (c *Config) WithImageTimeout(d time.Duration) *Config {
	c.ImageTimeout = d
	return c
}

// WithRenewal sets the renewal configuration
func (c *Config) WithRenewal(cfg subscription.RenewerConfig) *Config {
	c.Renewal = cfg
	return c
}
