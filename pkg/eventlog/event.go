package eventlog

import (
	"time"
)

// Attribute names a device attribute.
type Attribute string

const (
	// AttributeMotion carries "active" or "inactive".
	AttributeMotion Attribute = "motion"
	// AttributeImage carries the stored image id.
	AttributeImage Attribute = "image"
)

// AttributeEvent is one attribute update of a device.
type AttributeEvent struct {
	// Offset is the position of this event in its device's sequence
	Offset int64 `json:"offset"`

	DeviceID  string    `json:"deviceId"`
	Attribute Attribute `json:"attribute"`
	Value     string    `json:"value"`

	// Changed is false when the update repeated the current value
	Changed bool `json:"changed"`

	Timestamp time.Time `json:"timestamp"`
}

// NewAttributeEvent creates an event stamped with the current time.
func NewAttributeEvent(deviceID string, attr Attribute, value string) *AttributeEvent {
	return &AttributeEvent{
		DeviceID:  deviceID,
		Attribute: attr,
		Value:     value,
		Changed:   true,
		Timestamp: time.Now().UTC(),
	}
}

// WithOffset returns a copy carrying offset.
func (e *AttributeEvent) WithOffset(offset int64) *AttributeEvent {
	c := *e
	c.Offset = offset
	return &c
}

// Copy returns a copy of the event.
func (e *AttributeEvent) Copy() *AttributeEvent {
	c := *e
	return &c
}
