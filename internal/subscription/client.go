// Package subscription keeps UPnP-style event subscriptions with camera agents alive.
package subscription

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"go.uber.org/zap"
)

const (
	// MethodSubscribe is the request method understood by camera agents.
	MethodSubscribe = "SUBSCRIBE"

	// DefaultTimeoutSeconds is the subscription lifetime requested when none is configured.
	DefaultTimeoutSeconds = 3600

	// NotifyPathPrefix is the path on the hub that receives pushes.
	NotifyPathPrefix = "/notify"
)

// Subscription is an accepted SUBSCRIBE.
type Subscription struct {
	USN         string
	Target      device.Target
	CallbackURL string

	// Token is the SID the agent returned, or the USN when it returned none.
	Token string

	Timeout   time.Duration
	IssuedAt  time.Time
	ExpiresAt time.Time

}

// Expired reports whether the subscription is past its timeout at now.
func (s *Subscription) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Config configures a Client.
type Config struct {
	// CallbackHost and CallbackPort form the address the agent pushes to.
	CallbackHost string
	CallbackPort int

	// TimeoutSeconds is sent as TIMEOUT: Second-N.
	TimeoutSeconds int

	// RequestTimeout bounds each HTTP exchange.
	RequestTimeout time.Duration
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CallbackHost == "" {
		return fmt.Errorf("callback host cannot be empty")
	}
	if c.CallbackPort <= 0 || c.CallbackPort > 65535 {
		return fmt.Errorf("callback port %d out of range", c.CallbackPort)
	}
	return nil
}

// Client sends SUBSCRIBE and status poll requests to camera agents.
// It never retries on its own; callers decide.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "motionrelay")

	return &Client{
		http:   httpClient,
		cfg:    cfg,
		logger: logger.Named("subscription"),
		now:    time.Now,
	}, nil
}

// CallbackURL returns the push address handed to the agent for callbackPath.
func (c *Client) CallbackURL(callbackPath string) string {
	hostPort := net.JoinHostPort(c.cfg.CallbackHost, strconv.Itoa(c.cfg.CallbackPort))
	return "http://" + hostPort + NotifyPathPrefix + callbackPath
}

// TimeoutSeconds returns the requested subscription lifetime.
func (c *Client) TimeoutSeconds() int {
	return c.cfg.TimeoutSeconds
}

func targetURL(t device.Target) string {
	return "http://" + t.HostPort() + t.Path
}

// Subscribe asks the agent at target to push events for usn to the hub.
func (c *Client) Subscribe(ctx context.Context, target device.Target, usn string) (*Subscription, error) {
	callback := c.CallbackURL(target.CallbackPath)
	hostPort := target.HostPort()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Host", hostPort).
		SetHeader("CALLBACK", "<"+callback+">").
		SetHeader("NT", "upnp:event").
		SetHeader("TIMEOUT", "Second-"+strconv.Itoa(c.cfg.TimeoutSeconds)).
		Execute(MethodSubscribe, targetURL(target))
	if err != nil {
		c.logger.Warn("Subscribe failed",
			zap.String("usn", usn),
			zap.String("target", hostPort),
			zap.Error(err))
		return nil, &SubscriptionError{Op: "subscribe", Target: hostPort, Err: err}
	}
	if !resp.IsSuccess() {
		c.logger.Warn("Subscribe rejected",
			zap.String("usn", usn),
			zap.String("target", hostPort),
			zap.Int("status_code", resp.StatusCode()))
		return nil, &SubscriptionError{Op: "subscribe", Target: hostPort, StatusCode: resp.StatusCode()}
	}

	token := resp.Header().Get("SID")
	if token == "" {
		token = usn
	}

	issued := c.now()
	timeout := time.Duration(c.cfg.TimeoutSeconds) * time.Second
	sub := &Subscription{
		USN:         usn,
		Target:      target,
		CallbackURL: callback,
		Token:       token,
		Timeout:     timeout,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(timeout),
	}

	c.logger.Info("Subscribed",
		zap.String("usn", usn),
		zap.String("target", hostPort),
		zap.String("callback", callback),
		zap.Duration("timeout", timeout))
	return sub, nil
}

// Poll fetches the agent's current status document.
func (c *Client) Poll(ctx context.Context, target device.Target) ([]byte, error) {
	hostPort := target.HostPort()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Host", hostPort).
		Get(targetURL(target))
	if err != nil {
		return nil, &SubscriptionError{Op: "poll", Target: hostPort, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &SubscriptionError{Op: "poll", Target: hostPort, StatusCode: resp.StatusCode()}
	}
	return resp.Body(), nil
}
