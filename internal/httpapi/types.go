package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SubscriptionInfo describes a device's current camera subscription
type SubscriptionInfo struct {
	Token          string    `json:"token"`
	CallbackURL    string    `json:"callbackUrl"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// DeviceResponse represents a virtual device
type DeviceResponse struct {
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

// DevicesListResponse represents a list of devices
type DevicesListResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Count   int              `json:"count"`
}

// ProvisionRequest represents an admin device provisioning request
type ProvisionRequest struct {
	ID     string        `json:"id"`
	Name   string        `json:"name,omitempty"`
	USN    string        `json:"usn"`
	Target device.Target `json:"target"`
}

// RefreshResponse acknowledges a queued refresh
type RefreshResponse struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
}

// ReadEventsResponse represents a page of a device's attribute events
type ReadEventsResponse struct {
	Events      []*eventlog.AttributeEvent `json:"events"`
	DeviceID    string                     `json:"deviceId"`
	StartOffset int64                      `json:"startOffset"`
	EndOffset   int64                      `json:"endOffset"`
	Count       int                        `json:"count"`
}

// AdminStatsResponse represents system statistics
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
