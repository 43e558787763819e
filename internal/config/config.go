// Package config loads the motionrelay daemon configuration from a YAML file
// with MOTIONRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MOTIONRELAY_"

var (
	// ErrInvalidPort is returned when a port is outside 1-65535
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrEmptyCallbackHost is returned when the hub has no callback host
	ErrEmptyCallbackHost = errors.New("hub callback host cannot be empty")
	// ErrInvalidRenewFraction is returned when the renew fraction is not in (0, 1)
	ErrInvalidRenewFraction = errors.New("renew fraction must be between 0 and 1")
	// ErrEmptyImageDir is returned when no image directory is configured
	ErrEmptyImageDir = errors.New("image directory cannot be empty")
	// ErrEmptyBroker is returned when MQTT is enabled without a broker
	ErrEmptyBroker = errors.New("mqtt broker cannot be empty when mqtt is enabled")
	// ErrEmptyRedisAddr is returned when Redis is enabled without an address
	ErrEmptyRedisAddr = errors.New("redis address cannot be empty when redis is enabled")
)

// Config is the complete daemon configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Hub          HubConfig          `yaml:"hub"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Images       ImagesConfig       `yaml:"images"`
	Relay        RelayConfig        `yaml:"relay"`
	Redis        RedisConfig        `yaml:"redis"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Log          LogConfig          `yaml:"log"`
	Devices      []DeviceConfig     `yaml:"devices"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	JWTSecret       string        `yaml:"jwt_secret"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HubConfig identifies the hub and the address cameras push to.
type HubConfig struct {
	ID           string `yaml:"id"`
	CallbackHost string `yaml:"callback_host"`
	// CallbackPort defaults to Server.Port.
	CallbackPort int `yaml:"callback_port"`
}

type SubscriptionConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	RenewFraction  float64       `yaml:"renew_fraction"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ImagesConfig configures fetching and storing snapshots.
type ImagesConfig struct {
	BaseURI       string        `yaml:"base_uri"`
	Dir           string        `yaml:"dir"`
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Retention returns the configured retention as a duration. Zero disables the sweep.
func (c ImagesConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type RelayConfig struct {
	Shards         int `yaml:"shards"`
	QueueSize      int `yaml:"queue_size"`
	SinkQueueSize  int `yaml:"sink_queue_size"`
	EventRetention int `yaml:"event_retention"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Retained    bool          `yaml:"retained"`
	Timeout     time.Duration `yaml:"timeout"`
}

type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Interface string `yaml:"interface"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DeviceConfig provisions one camera at startup.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	USN  string `yaml:"usn"`

	device.Target `yaml:",inline"`
}

// VirtualDevice converts the entry to a directory record.
func (d DeviceConfig) VirtualDevice() *device.VirtualDevice {
	return &device.VirtualDevice{
		ID:     d.ID,
		Name:   d.Name,
		USN:    d.USN,
		State:  device.MotionInactive,
		Target: d.Target,
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads path, applies environment overrides and defaults and validates
// the result. An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	c := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	c.SetDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = "motionrelay-secret-key-change-in-production"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Hub.ID == "" {
		c.Hub.ID = defaultHubID()
	}
	if c.Hub.CallbackPort == 0 {
		c.Hub.CallbackPort = c.Server.Port
	}

	if c.Subscription.TimeoutSeconds == 0 {
		c.Subscription.TimeoutSeconds = 3600
	}
	if c.Subscription.RenewFraction == 0 {
		c.Subscription.RenewFraction = 0.8
	}
	if c.Subscription.RequestTimeout == 0 {
		c.Subscription.RequestTimeout = 10 * time.Second
	}

	if c.Images.BaseURI == "" {
		c.Images.BaseURI = "https://s3.amazonaws.com"
	}
	if c.Images.Dir == "" {
		c.Images.Dir = "images"
	}
	if c.Images.Workers == 0 {
		c.Images.Workers = 4
	}
	if c.Images.QueueSize == 0 {
		c.Images.QueueSize = 64
	}
	if c.Images.FetchTimeout == 0 {
		c.Images.FetchTimeout = 30 * time.Second
	}
	if c.Images.SweepInterval == 0 {
		c.Images.SweepInterval = time.Hour
	}

	if c.Relay.Shards == 0 {
		c.Relay.Shards = 8
	}
	if c.Relay.QueueSize == 0 {
		c.Relay.QueueSize = 64
	}
	if c.Relay.SinkQueueSize == 0 {
		c.Relay.SinkQueueSize = 256
	}
	if c.Relay.EventRetention == 0 {
		c.Relay.EventRetention = 1000
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "motionrelay:device:"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "motionrelay-" + c.Hub.ID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "motionrelay"
	}
	if c.MQTT.Timeout == 0 {
		c.MQTT.Timeout = 5 * time.Second
	}

	if c.Discovery.Instance == "" {
		c.Discovery.Instance = c.Hub.ID
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	for i := range c.Devices {
		if c.Devices[i].Name == "" {
			c.Devices[i].Name = c.Devices[i].ID
		}
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if !validPort(c.Server.Port) {
		return fmt.Errorf("server: %w", ErrInvalidPort)
	}
	if c.Hub.CallbackHost == "" {
		return ErrEmptyCallbackHost
	}
	if !validPort(c.Hub.CallbackPort) {
		return fmt.Errorf("hub: %w", ErrInvalidPort)
	}
	if c.Subscription.TimeoutSeconds <= 0 {
		return fmt.Errorf("subscription timeout must be positive")
	}
	if c.Subscription.RenewFraction <= 0 || c.Subscription.RenewFraction >= 1 {
		return ErrInvalidRenewFraction
	}
	if c.Images.Dir == "" {
		return ErrEmptyImageDir
	}
	if c.Images.RetentionDays < 0 {
		return fmt.Errorf("images retention_days cannot be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return ErrEmptyRedisAddr
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return ErrEmptyBroker
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	ids := make(map[string]bool, len(c.Devices))
	usns := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if err := d.VirtualDevice().Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if ids[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		if usns[d.USN] {
			return fmt.Errorf("devices[%d]: duplicate usn %q", i, d.USN)
		}
		ids[d.ID] = true
		usns[d.USN] = true
	}
	return nil
}

// ApplyEnv overrides fields from MOTIONRELAY_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)
	c.Hub.ID = getEnv("HUB_ID", c.Hub.ID)
	c.Hub.CallbackHost = getEnv("CALLBACK_HOST", c.Hub.CallbackHost)
	c.Images.BaseURI = getEnv("IMAGE_BASE_URI", c.Images.BaseURI)
	c.Images.Dir = getEnv("IMAGE_DIR", c.Images.Dir)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	var err error
	if c.Server.Port, err = getEnvInt("PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Hub.CallbackPort, err = getEnvInt("CALLBACK_PORT", c.Hub.CallbackPort); err != nil {
		return err
	}
	if c.Redis.Enabled, err = getEnvBool("REDIS_ENABLED", c.Redis.Enabled); err != nil {
		return err
	}
	if c.MQTT.Enabled, err = getEnvBool("MQTT_ENABLED", c.MQTT.Enabled); err != nil {
		return err
	}
	if c.Discovery.Enabled, err = getEnvBool("DISCOVERY_ENABLED", c.Discovery.Enabled); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return b, nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func defaultHubID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "motionrelay-hub"
	}
	return "motionrelay-" + hostname
}
