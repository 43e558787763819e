package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNotify tests the camera push endpoint
func TestNotify(t *testing.T) {
	setup := NewTestServerSetup(t)

	t.Run("post_sets_state", func(t *testing.T) {
		body := notification.Encode(notification.CommandStatusActive, "ABC123", "")
		w := setup.Do(http.MethodPost, "/notify/front", "", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		setup.WaitForDevice(t, "front", func(d *device.VirtualDevice) bool {
			return d.State == device.MotionActive
		})
	})

	t.Run("notify_method_accepted", func(t *testing.T) {
		body := notification.Encode(notification.CommandStatusInactive, "ABC123", "")
		w := setup.Do(MethodNotify, "/notify/front", "", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		setup.WaitForDevice(t, "front", func(d *device.VirtualDevice) bool {
			return d.State == device.MotionInactive
		})
	})

	t.Run("image_is_fetched_and_stored", func(t *testing.T) {
		body := notification.Encode(notification.CommandStatusActive, "ABC123", "/bucket/x.jpg")
		w := setup.Do(http.MethodPost, "/notify", "", body)
		require.Equal(t, http.StatusOK, w.Code)

		d := setup.WaitForDevice(t, "front", func(d *device.VirtualDevice) bool {
			return d.ImageID != ""
		})
		assert.Equal(t, "/bucket/x.jpg", d.ImageRef)

		f, err := setup.Store.Open(d.ImageID)
		require.NoError(t, err)
		_ = f.Close()
	})

	t.Run("unknown_usn_is_accepted", func(t *testing.T) {
		body := notification.Encode(notification.CommandStatusActive, "NOBODY", "")
		w := setup.Do(http.MethodPost, "/notify", "", body)
		assert.Equal(t, http.StatusOK, w.Code)

		count, err := setup.Dir.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("malformed_rejected", func(t *testing.T) {
		bodies := [][]byte{
			[]byte(""),
			[]byte("<msg><usn>ABC123</usn></msg>"),
			[]byte("<msg><cmd>status-active</cmd></msg>"),
			[]byte("<msg><cmd>status-active</cmd><usn>ABC"),
			[]byte("<msg><cmd>explode</cmd><usn>ABC123</usn></msg>"),
		}
		for _, body := range bodies {
			w := setup.Do(http.MethodPost, "/notify", "", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, "body %q", body)
		}
	})

	t.Run("wrong_method", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/notify", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("too_large", func(t *testing.T) {
		body := make([]byte, maxNotificationBytes+1)
		w := setup.Do(http.MethodPost, "/notify", "", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

// TestNotify_RelayStopped tests that pushes are refused once the relay stops
func TestNotify_RelayStopped(t *testing.T) {
	setup := NewTestServerSetup(t)
	require.NoError(t, setup.Relay.Stop(context.Background()))

	body := notification.Encode(notification.CommandStatusActive, "ABC123", "")
	w := setup.Do(http.MethodPost, "/notify", "", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
