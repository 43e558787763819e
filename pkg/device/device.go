package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// MotionState is the motion attribute of a virtual device.
type MotionState string

const (
	MotionInactive MotionState = "inactive"
	MotionActive   MotionState = "active"
)

// Valid reports whether s is one of the two motion states.
func (s MotionState) Valid() bool {
	return s == MotionActive || s == MotionInactive
}

// Target addresses the camera agent behind a device.
type Target struct {
	// Host is the agent's IP address or hostname.
	Host string `json:"host" yaml:"host"`

	// Port is the agent's HTTP port.
	Port int `json:"port" yaml:"port"`

	// Path is used for both SUBSCRIBE and status polls (e.g. "/status").
	Path string `json:"path" yaml:"path"`

	// CallbackPath is appended to /notify in the callback URL handed to the agent.
	CallbackPath string `json:"callbackPath" yaml:"callback_path"`
}

// HostPort returns "host:port" as sent in the HOST header.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Validate checks that the target can be contacted.
func (t Target) Validate() error {
	if t.Host == "" {
		return fmt.Errorf("target host cannot be empty")
	}
	if t.Port <= 0 || t.Port > 65535 {
		return fmt.Errorf("target port %d out of range", t.Port)
	}
	if t.Path == "" || t.Path[0] != '/' {
		return fmt.Errorf("target path %q must start with /", t.Path)
	}
	if t.CallbackPath != "" && t.CallbackPath[0] != '/' {
		return fmt.Errorf("callback path %q must start with /", t.CallbackPath)
	}
	return nil
}

// VirtualDevice is the relay's record of one camera.
type VirtualDevice struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	USN  string `json:"usn"`

	State MotionState `json:"state"`

	Target Target `json:"target"`

	// ImageRef is the last image path the camera reported.
	ImageRef string `json:"imageRef,omitempty"`

	// ImageID is the stored image id of the last successfully fetched image.
	ImageID string `json:"imageId,omitempty"`

	// StoredRef is the image path ImageID was fetched from.
	StoredRef string `json:"storedRef,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks a record before it is provisioned.
func (d *VirtualDevice) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device id cannot be empty")
	}
	if d.USN == "" {
		return fmt.Errorf("device %s: usn cannot be empty", d.ID)
	}
	if d.State != "" && !d.State.Valid() {
		return fmt.Errorf("device %s: invalid state %q", d.ID, d.State)
	}
	if err := d.Target.Validate(); err != nil {
		return fmt.Errorf("device %s: %w", d.ID, err)
	}
	return nil
}

// Clone returns an independent copy of the record.
func (d *VirtualDevice) Clone() *VirtualDevice {
	c := *d
	return &c
}

// Directory stores virtual devices keyed by USN.
//
// Implementations must serialize Update calls for the same USN; updates for
// different USNs may proceed concurrently.
type Directory interface {
	io.Closer

	// Add provisions a new device. A second device with the same USN is rejected.
	Add(ctx context.Context, d *VirtualDevice) error

	// Remove deprovisions the device with the given USN.
	Remove(ctx context.Context, usn string) error

	// Lookup returns a copy of the device with the given USN.
	Lookup(ctx context.Context, usn string) (*VirtualDevice, bool)

	// Get returns a copy of the device with the given device id.
	Get(ctx context.Context, id string) (*VirtualDevice, bool)

	// Update applies fn to the stored record under the device's lock and
	// returns a copy of the result. If fn returns an error nothing is changed.
	Update(ctx context.Context, usn string, fn func(d *VirtualDevice) error) (*VirtualDevice, error)

	// List returns copies of all devices ordered by id.
	List(ctx context.Context) ([]*VirtualDevice, error)

	// Count returns the number of provisioned devices.
	Count(ctx context.Context) (int, error)
}
