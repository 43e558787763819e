// Package publish forwards device attribute events to downstream systems.
package publish

import (
	"context"

	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
)

// Sink receives attribute events after they are applied.
type Sink interface {
	Name() string
	Emit(ctx context.Context, event *eventlog.AttributeEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, event *eventlog.AttributeEvent) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Emit(ctx context.Context, event *eventlog.AttributeEvent) error {
	return s.Fn(ctx, event)
}
