package eventlog

import (
	"context"
	"errors"
	"sync"

	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
)

var (
	// ErrNegativeOffset is returned when a negative offset is provided
	ErrNegativeOffset = errors.New("offset cannot be negative")
	// ErrNegativeMaxCount is returned when a negative max count is provided
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
	// ErrNilEvent is returned when a nil event is provided
	ErrNilEvent = errors.New("event cannot be nil")
	// ErrEmptyDeviceID is returned when an event has no device id
	ErrEmptyDeviceID = errors.New("device id cannot be empty")
	// ErrClosed is returned by operations on a closed log
	ErrClosed = errors.New("event log is closed")
)

// DefaultRetention is the number of events kept per device by Compact.
const DefaultRetention = 1000

type listener struct {
	deviceID string
	ch       chan *eventlog.AttributeEvent
}

// InMemoryEventLog implements eventlog.EventLog with device-partitioned in-memory storage.
// Each device has its own offset counter starting from 0. Offsets are never
// reused after compaction.
// It is safe for concurrent use.
type InMemoryEventLog struct {
	mu                 sync.RWMutex
	eventsByDevice     map[string][]*eventlog.AttributeEvent // device -> retained events
	nextOffsetByDevice map[string]int64                      // device -> nextOffset
	retention          int
	closed             bool

	listenMu  sync.Mutex
	listeners map[uint64]*listener
	nextID    uint64
	dropped   int64
}

// NewInMemoryEventLog creates a log that keeps up to retention events per
// device after Compact. Non-positive retention selects DefaultRetention.
func NewInMemoryEventLog(retention int) *InMemoryEventLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &InMemoryEventLog{
		eventsByDevice:     make(map[string][]*eventlog.AttributeEvent),
		nextOffsetByDevice: make(map[string]int64),
		retention:          retention,
		listeners:          make(map[uint64]*listener),
	}
}

// AppendEvent appends an event to its device's sequence and notifies listeners.
func (log *InMemoryEventLog) AppendEvent(ctx context.Context, event *eventlog.AttributeEvent) (*eventlog.AttributeEvent, error) {
	if event == nil {
		return nil, ErrNilEvent
	}
	if event.DeviceID == "" {
		return nil, ErrEmptyDeviceID
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	log.mu.Lock()
	if log.closed {
		log.mu.Unlock()
		return nil, ErrClosed
	}
	offset := log.nextOffsetByDevice[event.DeviceID]
	stored := event.WithOffset(offset)
	log.eventsByDevice[event.DeviceID] = append(log.eventsByDevice[event.DeviceID], stored)
	log.nextOffsetByDevice[event.DeviceID]++

	// notify under the write lock so listeners see per-device offset order
	log.broadcast(stored)
	log.mu.Unlock()

	return stored.Copy(), nil
}

// ReadEvents reads events of a device starting at startOffset, up to maxCount.
func (log *InMemoryEventLog) ReadEvents(ctx context.Context, deviceID string, startOffset int64, maxCount int) ([]*eventlog.AttributeEvent, error) {
	if startOffset < 0 {
		return nil, ErrNegativeOffset
	}
	if maxCount < 0 {
		return nil, ErrNegativeMaxCount
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	log.mu.RLock()
	defer log.mu.RUnlock()

	if maxCount == 0 {
		return make([]*eventlog.AttributeEvent, 0), nil
	}

	events := log.eventsByDevice[deviceID]
	results := make([]*eventlog.AttributeEvent, 0, min(maxCount, len(events)))
	for _, event := range events {
		if event.Offset >= startOffset {
			results = append(results, event.Copy())
			if len(results) >= maxCount {
				break
			}
		}
	}
	return results, nil
}

// GetEndOffset returns the next append position of a device.
func (log *InMemoryEventLog) GetEndOffset(ctx context.Context, deviceID string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	log.mu.RLock()
	defer log.mu.RUnlock()
	return log.nextOffsetByDevice[deviceID], nil
}

// ReplayEvents streams a device's events from startOffset via a channel.
func (log *InMemoryEventLog) ReplayEvents(ctx context.Context, deviceID string, startOffset int64) (<-chan *eventlog.AttributeEvent, <-chan error) {
	eventChan := make(chan *eventlog.AttributeEvent)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		if startOffset < 0 {
			errChan <- ErrNegativeOffset
			return
		}

		log.mu.RLock()
		var toReplay []*eventlog.AttributeEvent
		for _, event := range log.eventsByDevice[deviceID] {
			if event.Offset >= startOffset {
				toReplay = append(toReplay, event.Copy())
			}
		}
		log.mu.RUnlock()

		for _, event := range toReplay {
			select {
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			case eventChan <- event:
			}
		}
	}()

	return eventChan, errChan
}

// Listen registers a live listener. The returned cancel func closes the channel.
func (log *InMemoryEventLog) Listen(deviceID string, buffer int) (<-chan *eventlog.AttributeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	l := &listener{deviceID: deviceID, ch: make(chan *eventlog.AttributeEvent, buffer)}

	log.listenMu.Lock()
	id := log.nextID
	log.nextID++
	log.listeners[id] = l
	log.listenMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			log.listenMu.Lock()
			if _, ok := log.listeners[id]; ok {
				delete(log.listeners, id)
				close(l.ch)
			}
			log.listenMu.Unlock()
		})
	}
	return l.ch, cancel
}

func (log *InMemoryEventLog) broadcast(event *eventlog.AttributeEvent) {
	log.listenMu.Lock()
	defer log.listenMu.Unlock()

	for _, l := range log.listeners {
		if l.deviceID != "" && l.deviceID != event.DeviceID {
			continue
		}
		select {
		case l.ch <- event.Copy():
		default:
			log.dropped++
		}
	}
}

// Compact drops the oldest events of every device beyond the retention.
func (log *InMemoryEventLog) Compact(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	for deviceID, events := range log.eventsByDevice {
		if excess := len(events) - log.retention; excess > 0 {
			kept := make([]*eventlog.AttributeEvent, log.retention)
			copy(kept, events[excess:])
			log.eventsByDevice[deviceID] = kept
		}
	}
	return nil
}

// GetStatistics returns aggregate counts over all devices.
func (log *InMemoryEventLog) GetStatistics(ctx context.Context) (eventlog.EventLogStatistics, error) {
	select {
	case <-ctx.Done():
		return eventlog.EventLogStatistics{}, ctx.Err()
	default:
	}

	log.mu.RLock()
	if log.closed {
		log.mu.RUnlock()
		return eventlog.EventLogStatistics{}, ErrClosed
	}
	stats := eventlog.EventLogStatistics{
		DeviceCounts: make(map[string]int64, len(log.nextOffsetByDevice)),
		DeviceCount:  len(log.nextOffsetByDevice),
	}
	for deviceID, next := range log.nextOffsetByDevice {
		stats.DeviceCounts[deviceID] = next
		stats.TotalEvents += next
	}
	log.mu.RUnlock()

	log.listenMu.Lock()
	stats.Listeners = len(log.listeners)
	stats.DroppedEvents = log.dropped
	log.listenMu.Unlock()

	return stats, nil
}

// Close clears all events and closes every listener. It is idempotent.
func (log *InMemoryEventLog) Close() error {
	log.mu.Lock()
	defer log.mu.Unlock()

	if log.closed {
		return nil
	}

	log.eventsByDevice = make(map[string][]*eventlog.AttributeEvent)
	log.nextOffsetByDevice = make(map[string]int64)
	log.closed = true

	log.listenMu.Lock()
	for id, l := range log.listeners {
		close(l.ch)
		delete(log.listeners, id)
	}
	log.listenMu.Unlock()

	return nil
}

// Verify that InMemoryEventLog implements the EventLog interface at compile time
var _ eventlog.EventLog = (*InMemoryEventLog)(nil)
