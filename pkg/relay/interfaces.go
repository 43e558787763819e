package relay

import (
	"context"
	"io"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
)

// Relay is the hub-side motion relay.
type Relay interface {
	io.Closer

	// Start subscribes every provisioned device and begins processing.
	Start(ctx context.Context) error

	// Stop drains queued notifications and cancels renewals.
	Stop(ctx context.Context) error

	// Submit queues a parsed notification for its device.
	Submit(ctx context.Context, n *notification.Notification) error

	// Receive parses a raw push and submits it.
	Receive(ctx context.Context, raw []byte) (*notification.Notification, error)

	// Refresh re-subscribes a device and polls its current status.
	Refresh(ctx context.Context, deviceID string) error

	// Provision adds a device and subscribes it when the relay is running.
	Provision(ctx context.Context, d *device.VirtualDevice) error

	// Deprovision removes a device and cancels its renewal.
	Deprovision(ctx context.Context, deviceID string) error

	// Directory returns the device directory.
	Directory() device.Directory

	// EventLog returns the attribute event log.
	EventLog() eventlog.EventLog

	// GetHealth returns the relay's health.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus represents the overall health of the relay
type HealthStatus struct {
	// Healthy indicates the relay is started and not closed
	Healthy bool `json:"healthy"`

	// Devices is the number of provisioned devices
	Devices int `json:"devices"`

	// ActiveDevices is the number of devices currently reporting motion
	ActiveDevices int `json:"activeDevices"`

	// Subscriptions is the number of devices with a renewal schedule
	Subscriptions int `json:"subscriptions"`

	// PendingImages is the number of queued image fetch jobs
	PendingImages int `json:"pendingImages"`

	// TotalEvents is the number of attribute events emitted
	TotalEvents int64 `json:"totalEvents"`

	// Listeners is the number of live event log listeners
	Listeners int `json:"listeners"`

	// Message provides additional health information
	Message string `json:"message,omitempty"`
}
