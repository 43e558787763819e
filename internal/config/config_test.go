package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: 9000
  jwt_secret: s3cret
hub:
  id: hub-1
  callback_host: 192.168.1.10
subscription:
  timeout_seconds: 1800
  request_timeout: 5s
images:
  dir: /var/lib/motionrelay/images
  retention_days: 7
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 1
  retained: true
devices:
  - id: front
    name: Front door
    usn: "uuid:1234::urn:schemas-upnp-org:device:RPi_Security_Camera:1"
    host: 192.168.1.20
    port: 5000
    path: /status
    callback_path: /front
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "motionrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "hub-1", cfg.Hub.ID)
	assert.Equal(t, "192.168.1.10", cfg.Hub.CallbackHost)
	assert.Equal(t, 9000, cfg.Hub.CallbackPort, "callback port defaults to the server port")
	assert.Equal(t, 1800, cfg.Subscription.TimeoutSeconds)
	assert.Equal(t, 5*time.Second, cfg.Subscription.RequestTimeout)
	assert.Equal(t, 0.8, cfg.Subscription.RenewFraction)
	assert.Equal(t, "https://s3.amazonaws.com", cfg.Images.BaseURI)
	assert.Equal(t, 7*24*time.Hour, cfg.Images.Retention())
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "motionrelay-hub-1", cfg.MQTT.ClientID)

	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0].VirtualDevice()
	assert.Equal(t, "front", d.ID)
	assert.Equal(t, "Front door", d.Name)
	assert.Equal(t, "192.168.1.20", d.Target.Host)
	assert.Equal(t, 5000, d.Target.Port)
	assert.Equal(t, "/status", d.Target.Path)
	assert.Equal(t, "/front", d.Target.CallbackPath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MOTIONRELAY_PORT", "9100")
	t.Setenv("MOTIONRELAY_CALLBACK_HOST", "10.0.0.1")
	t.Setenv("MOTIONRELAY_REDIS_ENABLED", "true")
	t.Setenv("MOTIONRELAY_REDIS_ADDR", "redis:6379")
	t.Setenv("MOTIONRELAY_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "10.0.0.1", cfg.Hub.CallbackHost)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("MOTIONRELAY_PORT", "eighty")
	_, err := Load(writeConfig(t, sampleConfig))
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesEnv(t *testing.T) {
	t.Setenv("MOTIONRELAY_CALLBACK_HOST", "10.0.0.1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8080, cfg.Hub.CallbackPort)
	assert.Empty(t, cfg.Devices)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "hub:\n  callback_host: h\n  unknown_field: 1\n"))
	assert.Error(t, err, "unknown fields are rejected")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Hub.CallbackHost = "10.0.0.1"
		return c
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
		errorType error
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "missing callback host",
			mutate:    func(c *Config) { c.Hub.CallbackHost = "" },
			wantError: true,
			errorType: ErrEmptyCallbackHost,
		},
		{
			name:      "bad server port",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantError: true,
			errorType: ErrInvalidPort,
		},
		{
			name:      "renew fraction of one",
			mutate:    func(c *Config) { c.Subscription.RenewFraction = 1 },
			wantError: true,
			errorType: ErrInvalidRenewFraction,
		},
		{
			name:      "mqtt without broker",
			mutate:    func(c *Config) { c.MQTT.Enabled = true },
			wantError: true,
			errorType: ErrEmptyBroker,
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = ""
			},
			wantError: true,
			errorType: ErrEmptyRedisAddr,
		},
		{
			name: "duplicate usn",
			mutate: func(c *Config) {
				d := DeviceConfig{ID: "a", USN: "same"}
				d.Host, d.Port, d.Path = "10.0.0.2", 5000, "/status"
				e := d
				e.ID = "b"
				c.Devices = []DeviceConfig{d, e}
			},
			wantError: true,
		},
		{
			name: "device without path",
			mutate: func(c *Config) {
				d := DeviceConfig{ID: "a", USN: "u"}
				d.Host, d.Port = "10.0.0.2", 5000
				c.Devices = []DeviceConfig{d}
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if !tt.wantError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.errorType != nil {
				assert.ErrorIs(t, err, tt.errorType)
			}
		})
	}
}
