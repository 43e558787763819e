package eventlog

import (
	"context"
	"io"
)

// EventLog is device-partitioned append-only storage of attribute events.
type EventLog interface {
	io.Closer

	// AppendEvent assigns the next offset of the event's device and stores it.
	AppendEvent(ctx context.Context, event *AttributeEvent) (*AttributeEvent, error)

	// ReadEvents reads up to maxCount events of a device starting at startOffset.
	ReadEvents(ctx context.Context, deviceID string, startOffset int64, maxCount int) ([]*AttributeEvent, error)

	// GetEndOffset returns the next append position of a device.
	GetEndOffset(ctx context.Context, deviceID string) (int64, error)

	// ReplayEvents streams a device's events from startOffset. The channel is
	// closed when all stored events are sent or ctx is cancelled.
	ReplayEvents(ctx context.Context, deviceID string, startOffset int64) (<-chan *AttributeEvent, <-chan error)

	// Listen delivers events appended after the call. An empty deviceID
	// selects all devices. Slow listeners miss events rather than block appends.
	Listen(deviceID string, buffer int) (<-chan *AttributeEvent, func())

	// Compact drops events beyond the per-device retention.
	Compact(ctx context.Context) error

	// GetStatistics returns aggregate counts.
	GetStatistics(ctx context.Context) (EventLogStatistics, error)
}

// EventLogStatistics provides aggregate statistics about the event log
type EventLogStatistics struct {
	TotalEvents   int64            `json:"totalEvents"`   // events appended across all devices
	DeviceCounts  map[string]int64 `json:"deviceCounts"`  // events appended per device
	DeviceCount   int              `json:"deviceCount"`   // devices with at least one event
	Listeners     int              `json:"listeners"`     // active Listen subscriptions
	DroppedEvents int64            `json:"droppedEvents"` // deliveries skipped for slow listeners
}
