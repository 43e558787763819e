package publish

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
	"go.uber.org/zap"
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retained    bool
	Timeout     time.Duration
}

// SetDefaults fills unset fields.
func (c *MQTTConfig) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "motionrelay"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "motionrelay"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Publisher is the subset of mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each attribute value to {prefix}/{deviceID}/{attribute}.
type MQTTSink struct {
	client Publisher
	cfg    MQTTConfig
	logger *zap.Logger

	disconnect func()
}

// NewMQTTSink wraps an already connected publisher.
func NewMQTTSink(client Publisher, cfg MQTTConfig, logger *zap.Logger) *MQTTSink {
	cfg.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSink{client: client, cfg: cfg, logger: logger.Named("mqtt")}
}

// ConnectMQTT connects to the broker and returns a sink over the connection.
func ConnectMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTTSink, error) {
	cfg.SetDefaults()
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	sink := NewMQTTSink(client, cfg, logger)
	sink.disconnect = func() { client.Disconnect(250) }
	return sink, nil
}

// Name identifies the sink in logs and metrics.
func (s *MQTTSink) Name() string {
	return "mqtt"
}

// Topic returns the topic an event is published to.
func (s *MQTTSink) Topic(event *eventlog.AttributeEvent) string {
	return strings.TrimRight(s.cfg.TopicPrefix, "/") + "/" + event.DeviceID + "/" + string(event.Attribute)
}

// Emit publishes the event's value and waits for the broker acknowledgement.
func (s *MQTTSink) Emit(ctx context.Context, event *eventlog.AttributeEvent) error {
	topic := s.Topic(event)
	token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retained, []byte(event.Value))

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("publish to topic %s: timed out after %s", topic, s.cfg.Timeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	s.logger.Debug("Published attribute",
		zap.String("topic", topic),
		zap.String("value", event.Value))
	return nil
}

// Close disconnects when the sink owns the connection.
func (s *MQTTSink) Close() error {
	if s.disconnect != nil {
		s.disconnect()
	}
	return nil
}

var _ Sink = (*MQTTSink)(nil)
