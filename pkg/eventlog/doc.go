// Package eventlog defines the append-only log of device attribute updates.
//
// Every state or image change applied to a virtual device produces one
// AttributeEvent. Events are partitioned by device id; each device has its own
// offset sequence starting at 0. Consumers read history with ReadEvents or
// ReplayEvents and follow new events with Listen.
//
// Example usage:
//
//	ev, err := log.AppendEvent(ctx, eventlog.NewAttributeEvent("front", eventlog.AttributeMotion, "active"))
//	if err != nil {
//		return err
//	}
//
//	// Follow every device from now on
//	events, cancel := log.Listen("", 64)
//	defer cancel()
//	for ev := range events {
//		fmt.Println(ev.DeviceID, ev.Attribute, ev.Value)
//	}
package eventlog
