package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
)

func motion(deviceID, value string) *eventlog.AttributeEvent {
	return eventlog.NewAttributeEvent(deviceID, eventlog.AttributeMotion, value)
}

func TestEventLog_AppendEvent(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stored, err := log.AppendEvent(ctx, motion("front", "active"))
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if stored.Offset != int64(i) {
			t.Errorf("Expected offset %d, got %d", i, stored.Offset)
		}
	}

	end, err := log.GetEndOffset(ctx, "front")
	if err != nil {
		t.Fatalf("GetEndOffset failed: %v", err)
	}
	if end != 3 {
		t.Errorf("Expected end offset 3, got %d", end)
	}
}

func TestEventLog_DeviceIsolation(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	_, _ = log.AppendEvent(ctx, motion("front", "active"))
	_, _ = log.AppendEvent(ctx, motion("front", "inactive"))
	back, err := log.AppendEvent(ctx, motion("back", "active"))
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if back.Offset != 0 {
		t.Errorf("Expected first back event at offset 0, got %d", back.Offset)
	}

	events, err := log.ReadEvents(ctx, "front", 0, 10)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 front events, got %d", len(events))
	}
	if events[1].Value != "inactive" {
		t.Errorf("Expected second front event inactive, got %s", events[1].Value)
	}
}

func TestEventLog_AppendValidation(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	if _, err := log.AppendEvent(ctx, nil); !errors.Is(err, ErrNilEvent) {
		t.Errorf("Expected ErrNilEvent, got %v", err)
	}
	if _, err := log.AppendEvent(ctx, motion("", "active")); !errors.Is(err, ErrEmptyDeviceID) {
		t.Errorf("Expected ErrEmptyDeviceID, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := log.AppendEvent(cancelled, motion("front", "active")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestEventLog_ReadEvents(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = log.AppendEvent(ctx, motion("front", fmt.Sprintf("v%d", i)))
	}

	tests := []struct {
		name     string
		start    int64
		max      int
		expected []string
	}{
		{"from_start", 0, 10, []string{"v0", "v1", "v2", "v3", "v4"}},
		{"from_middle", 2, 10, []string{"v2", "v3", "v4"}},
		{"max_count", 1, 2, []string{"v1", "v2"}},
		{"past_end", 10, 10, []string{}},
		{"zero_max", 0, 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := log.ReadEvents(ctx, "front", tt.start, tt.max)
			if err != nil {
				t.Fatalf("ReadEvents failed: %v", err)
			}
			if len(events) != len(tt.expected) {
				t.Fatalf("Expected %d events, got %d", len(tt.expected), len(events))
			}
			for i, v := range tt.expected {
				if events[i].Value != v {
					t.Errorf("Position %d: expected %s, got %s", i, v, events[i].Value)
				}
			}
		})
	}

	if _, err := log.ReadEvents(ctx, "front", -1, 10); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("Expected ErrNegativeOffset, got %v", err)
	}
	if _, err := log.ReadEvents(ctx, "front", 0, -1); !errors.Is(err, ErrNegativeMaxCount) {
		t.Errorf("Expected ErrNegativeMaxCount, got %v", err)
	}
}

func TestEventLog_ReplayEvents(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = log.AppendEvent(ctx, motion("front", fmt.Sprintf("v%d", i)))
	}

	eventChan, errChan := log.ReplayEvents(ctx, "front", 1)
	var replayed []*eventlog.AttributeEvent
	for ev := range eventChan {
		replayed = append(replayed, ev)
	}
	if err := <-errChan; err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(replayed) != 3 {
		t.Fatalf("Expected 3 replayed events, got %d", len(replayed))
	}
	if replayed[0].Offset != 1 {
		t.Errorf("Expected first replayed offset 1, got %d", replayed[0].Offset)
	}

	_, errChan = log.ReplayEvents(ctx, "front", -1)
	if err := <-errChan; !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("Expected ErrNegativeOffset, got %v", err)
	}
}

func TestEventLog_ReplayCancellation(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()

	for i := 0; i < 10; i++ {
		_, _ = log.AppendEvent(context.Background(), motion("front", "active"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	eventChan, errChan := log.ReplayEvents(ctx, "front", 0)

	<-eventChan
	cancel()

	// drain until the producer notices
	for range eventChan {
	}
	if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Expected nil or context.Canceled, got %v", err)
	}
}

func TestEventLog_Listen(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	all, cancelAll := log.Listen("", 8)
	defer cancelAll()
	frontOnly, cancelFront := log.Listen("front", 8)
	defer cancelFront()

	_, _ = log.AppendEvent(ctx, motion("front", "active"))
	_, _ = log.AppendEvent(ctx, motion("back", "active"))

	got := receive(t, all, 2)
	if got[0].DeviceID != "front" || got[1].DeviceID != "back" {
		t.Errorf("Expected front then back, got %s then %s", got[0].DeviceID, got[1].DeviceID)
	}

	got = receive(t, frontOnly, 1)
	if got[0].DeviceID != "front" {
		t.Errorf("Expected front event, got %s", got[0].DeviceID)
	}
	select {
	case ev := <-frontOnly:
		t.Errorf("Expected no back event on front listener, got %+v", ev)
	default:
	}

	cancelFront()
	cancelFront()
	if _, ok := <-frontOnly; ok {
		t.Error("Expected cancelled listener channel to be closed")
	}
}

func TestEventLog_SlowListenerDoesNotBlock(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	_, cancel := log.Listen("", 1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_, _ = log.AppendEvent(ctx, motion("front", "active"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AppendEvent blocked on a full listener")
	}

	stats, _ := log.GetStatistics(ctx)
	if stats.DroppedEvents != 4 {
		t.Errorf("Expected 4 dropped deliveries, got %d", stats.DroppedEvents)
	}
}

func TestEventLog_Compact(t *testing.T) {
	log := NewInMemoryEventLog(3)
	defer log.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = log.AppendEvent(ctx, motion("front", fmt.Sprintf("v%d", i)))
	}
	if err := log.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	events, _ := log.ReadEvents(ctx, "front", 0, 10)
	if len(events) != 3 {
		t.Fatalf("Expected 3 retained events, got %d", len(events))
	}
	if events[0].Offset != 2 {
		t.Errorf("Expected oldest retained offset 2, got %d", events[0].Offset)
	}

	next, _ := log.AppendEvent(ctx, motion("front", "v5"))
	if next.Offset != 5 {
		t.Errorf("Expected offsets to continue at 5, got %d", next.Offset)
	}
}

func TestEventLog_GetStatistics(t *testing.T) {
	log := NewInMemoryEventLog(0)
	ctx := context.Background()

	_, _ = log.AppendEvent(ctx, motion("front", "active"))
	_, _ = log.AppendEvent(ctx, motion("front", "inactive"))
	_, _ = log.AppendEvent(ctx, eventlog.NewAttributeEvent("back", eventlog.AttributeImage, "id-1"))
	_, cancel := log.Listen("", 4)
	defer cancel()

	stats, err := log.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("Expected 3 total events, got %d", stats.TotalEvents)
	}
	if stats.DeviceCount != 2 {
		t.Errorf("Expected 2 devices, got %d", stats.DeviceCount)
	}
	if stats.DeviceCounts["front"] != 2 {
		t.Errorf("Expected 2 front events, got %d", stats.DeviceCounts["front"])
	}
	if stats.Listeners != 1 {
		t.Errorf("Expected 1 listener, got %d", stats.Listeners)
	}

	log.Close()
	if _, err := log.GetStatistics(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	log := NewInMemoryEventLog(0)
	defer log.Close()
	ctx := context.Background()

	const goroutines = 10
	const perGoroutine = 50

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]bool)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ev, err := log.AppendEvent(ctx, motion("front", "active"))
				if err != nil {
					t.Errorf("AppendEvent failed: %v", err)
					return
				}
				mu.Lock()
				if seen[ev.Offset] {
					t.Errorf("Duplicate offset %d", ev.Offset)
				}
				seen[ev.Offset] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Errorf("Expected %d unique offsets, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestEventLog_CloseClosesListeners(t *testing.T) {
	log := NewInMemoryEventLog(0)
	ch, cancel := log.Listen("", 1)

	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("Expected listener channel to be closed")
	}
	cancel()

	if _, err := log.AppendEvent(context.Background(), motion("front", "active")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func receive(t *testing.T, ch <-chan *eventlog.AttributeEvent, n int) []*eventlog.AttributeEvent {
	t.Helper()
	var out []*eventlog.AttributeEvent
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("Timed out after %d of %d events", len(out), n)
		}
	}
	return out
}
