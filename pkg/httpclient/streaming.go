package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
)

// StreamEvent is one attribute event received over SSE.
type StreamEvent struct {
	// ID is the SSE id, "{deviceId}-{offset}".
	ID string

	// Name is the SSE event name, which is the attribute.
	Name string

	Event eventlog.AttributeEvent
}

// StreamClient handles Server-Sent Events streaming
type StreamClient struct {
	http   *resty.Client
	token  string
	events chan StreamEvent
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// DeviceID filters events to one device (optional)
	DeviceID string

	// BufferSize for the event channel
	BufferSize int

	// ReconnectDelay for automatic reconnection
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

// Stream follows attribute events in real time, reconnecting when the
// connection drops.
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)

	streamClient := &StreamClient{
		// no overall timeout: a stream lives until cancelled
		http:   resty.New().SetBaseURL(c.config.ServerURL),
		token:  c.token,
		events: make(chan StreamEvent, config.BufferSize),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go streamClient.startStreaming(streamCtx, config)

	return streamClient, nil
}

// Events returns the channel for receiving events
func (sc *StreamClient) Events() <-chan StreamEvent {
	return sc.events
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// Close stops the streaming client and waits for it to finish
func (sc *StreamClient) Close() error {
	sc.cancel()
	<-sc.done
	return nil
}

// startStreaming handles the SSE streaming loop with reconnection
func (sc *StreamClient) startStreaming(ctx context.Context, config StreamConfig) {
	defer close(sc.done)
	defer close(sc.events)
	defer close(sc.errors)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sc.connectAndStream(ctx, config); err != nil && ctx.Err() == nil {
			sc.sendError(ctx, fmt.Errorf("streaming error: %w", err))
		}

		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			select {
			case sc.errors <- fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts):
			case <-ctx.Done():
			}
			return
		}

		attempts++

		select {
		case <-time.After(config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndStream establishes an SSE connection and processes events
func (sc *StreamClient) connectAndStream(ctx context.Context, config StreamConfig) error {
	req := sc.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		SetAuthToken(sc.token)
	if config.DeviceID != "" {
		req.SetQueryParam("device", config.DeviceID)
	}

	resp, err := req.Get("/api/v1/events/stream")
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		bodyBytes, _ := io.ReadAll(body)
		return fmt.Errorf("streaming failed with status %d: %s", resp.StatusCode(), string(bodyBytes))
	}

	return sc.processSSEStream(ctx, body)
}

// processSSEStream reads Server-Sent Events, dispatching each on its blank line
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)

	var id, name, data string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				sc.dispatch(ctx, id, name, data)
			}
			id, name, data = "", "", ""
		case strings.HasPrefix(line, ":"):
			// comment or keepalive
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func (sc *StreamClient) dispatch(ctx context.Context, id, name, data string) {
	var ev eventlog.AttributeEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		sc.sendError(ctx, fmt.Errorf("failed to parse event: %w", err))
		return
	}
	if name == "" {
		name = string(ev.Attribute)
	}

	select {
	case sc.events <- StreamEvent{ID: id, Name: name, Event: ev}:
	case <-ctx.Done():
	default:
		// consumer is behind; drop
	}
}

func (sc *StreamClient) sendError(ctx context.Context, err error) {
	select {
	case sc.errors <- err:
	case <-ctx.Done():
	default:
	}
}
