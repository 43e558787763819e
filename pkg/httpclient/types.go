package httpclient

import (
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the relay HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// ClientID is the identifier for this client. "admin" receives admin claims.
	ClientID string

	// Timeout for HTTP requests. Streams are not bound by it.
	Timeout time.Duration

	// MaxRetries for requests that failed at the transport level. Negative disables retries.
	MaxRetries int
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SubscriptionInfo describes the relay's subscription with a camera agent
type SubscriptionInfo struct {
	Token          string    `json:"token"`
	CallbackURL    string    `json:"callbackUrl"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Device is a virtual device as served by the API
type Device struct {
	ID        string             `json:"id"`
	Name      string             `json:"name,omitempty"`
	USN       string             `json:"usn"`
	State     device.MotionState `json:"state"`
	Target    device.Target      `json:"target"`
	ImageRef  string             `json:"imageRef,omitempty"`
	ImageID   string             `json:"imageId,omitempty"`
	ImageURL  string             `json:"imageUrl,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}

// DevicesResponse lists devices
type DevicesResponse struct {
	Devices []Device `json:"devices"`
	Count   int      `json:"count"`
}

// ProvisionRequest registers a new camera
type ProvisionRequest struct {
	ID     string        `json:"id"`
	Name   string        `json:"name,omitempty"`
	USN    string        `json:"usn"`
	Target device.Target `json:"target"`
}

// RefreshResponse acknowledges a refresh request
type RefreshResponse struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// ReadEventsResponse represents a page of a device's attribute events
type ReadEventsResponse struct {
	Events      []eventlog.AttributeEvent `json:"events"`
	DeviceID    string                    `json:"deviceId"`
	StartOffset int64                     `json:"startOffset"`
	EndOffset   int64                     `json:"endOffset"`
	Count       int                       `json:"count"`
}

// AdminStatsResponse represents relay statistics
type AdminStatsResponse struct {
	Devices        int              `json:"devices"`
	ActiveDevices  int              `json:"activeDevices"`
	Subscriptions  int              `json:"subscriptions"`
	PendingImages  int              `json:"pendingImages"`
	TotalEvents    int64            `json:"totalEvents"`
	DroppedEvents  int64            `json:"droppedEvents"`
	Listeners      int              `json:"listeners"`
	EventsByDevice map[string]int64 `json:"eventsByDevice"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Devices       int    `json:"devices"`
	ActiveDevices int    `json:"activeDevices"`
	Subscriptions int    `json:"subscriptions"`
	PendingImages int    `json:"pendingImages"`
	TotalEvents   int64  `json:"totalEvents"`
	Message       string `json:"message,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
