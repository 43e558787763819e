// Package router applies parsed notifications to the device directory and
// decides what the relay has to do next.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/motionrelay/internal/directory"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
	"go.uber.org/zap"
)

// ActionKind identifies what the relay must do after routing.
type ActionKind int

const (
	// NoOp means nothing matched or nothing can be done.
	NoOp ActionKind = iota
	// SetState means the device's motion state was applied and must be emitted.
	SetState
	// ReSubscribeAndPoll means the device's subscription must be renewed and its status polled.
	ReSubscribeAndPoll
)

func (k ActionKind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case SetState:
		return "set-state"
	case ReSubscribeAndPoll:
		return "resubscribe-and-poll"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the outcome of routing one notification.
type Action struct {
	Kind ActionKind

	// Device is a snapshot of the record after the notification was applied.
	// Nil for NoOp.
	Device *device.VirtualDevice

	// Previous is the motion state before a SetState.
	Previous device.MotionState

	// Changed reports whether SetState moved the device to a different state.
	// Unchanged states are still emitted.
	Changed bool

	// FetchImage is the image reference to fetch, empty when the notification
	// carried none or repeated the reference of the stored image.
	FetchImage string

	// Err is set when a NoOp was caused by something other than an unknown USN.
	Err error
}

// Router routes notifications against a device directory.
type Router struct {
	dir    device.Directory
	logger *zap.Logger
}

// New creates a router over dir.
func New(dir device.Directory, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{dir: dir, logger: logger.Named("router")}
}

// Route looks up the device by USN and applies the notification under the
// device's lock.
func (r *Router) Route(ctx context.Context, n *notification.Notification) Action {
	if n == nil {
		return Action{Kind: NoOp, Err: errors.New("nil notification")}
	}

	var action Action
	updated, err := r.dir.Update(ctx, n.USN, func(d *device.VirtualDevice) error {
		action = Action{Previous: d.State}

		switch n.Command {
		case notification.CommandRefresh:
			action.Kind = ReSubscribeAndPoll
		case notification.CommandStatusActive:
			action.Kind = SetState
			d.State = device.MotionActive
		case notification.CommandStatusInactive:
			action.Kind = SetState
			d.State = device.MotionInactive
		default:
			return fmt.Errorf("unsupported command %q", n.Command)
		}

		action.Changed = action.Kind == SetState && d.State != action.Previous

		// a ref whose fetch failed is fetched again on the next push
		if n.HasImage() {
			d.ImageRef = n.ImageURL
			if n.ImageURL != d.StoredRef {
				action.FetchImage = n.ImageURL
			}
		}
		return nil
	})

	if errors.Is(err, directory.ErrDeviceNotFound) {
		r.logger.Info("No device for notification",
			zap.String("usn", n.USN),
			zap.String("cmd", string(n.Command)))
		return Action{Kind: NoOp}
	}
	if err != nil {
		r.logger.Warn("Failed to route notification",
			zap.String("usn", n.USN),
			zap.String("cmd", string(n.Command)),
			zap.Error(err))
		return Action{Kind: NoOp, Err: err}
	}

	action.Device = updated
	r.logger.Debug("Routed notification",
		zap.String("device_id", updated.ID),
		zap.String("action", action.Kind.String()),
		zap.String("state", string(updated.State)),
		zap.Bool("changed", action.Changed))
	return action
}
