// Package relay defines the public contract of the motion relay.
//
// A Relay sits between camera agents and downstream consumers:
//   - it keeps a UPnP-style event subscription alive with every provisioned camera
//   - it accepts pushed notifications and applies them to virtual device records
//   - it fetches and stores the snapshots that notifications reference
//   - it emits every applied attribute update to the event log and to sinks
//
// Notifications for one device are applied strictly in arrival order;
// different devices are processed concurrently.
package relay
