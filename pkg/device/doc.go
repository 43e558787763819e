// Package device defines the virtual device records the relay keeps for each camera.
//
// This package holds the abstractions shared by the relay components:
//   - VirtualDevice: one record per physical camera, keyed by its USN
//   - MotionState: the two-state motion machine (inactive <-> active)
//   - Target: where the camera agent listens for SUBSCRIBE and status polls
//   - Directory: keyed lookup and per-device read-modify-write of records
//
// Records are created by provisioning (configuration file or admin API) and are
// mutated in place by the router as notifications arrive. A directory holds at
// most one record per USN.
//
// Example usage:
//
//	err := dir.Update(ctx, usn, func(d *device.VirtualDevice) error {
//		d.State = device.MotionActive
//		return nil
//	})
//	if errors.Is(err, directory.ErrDeviceNotFound) {
//		// unknown camera, drop the notification
//	}
package device
