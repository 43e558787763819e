package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLogin tests the POST /api/v1/auth/login endpoint
func TestLogin(t *testing.T) {
	setup := NewTestServerSetup(t)

	t.Run("success", func(t *testing.T) {
		w := setup.Do(http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "viewer"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp AuthResponse
		decodeJSON(t, w, &resp)
		assert.Equal(t, "viewer", resp.ClientID)

		claims, err := setup.Auth.ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.False(t, claims.IsAdmin)
	})

	t.Run("admin_client", func(t *testing.T) {
		w := setup.Do(http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "admin"})
		require.Equal(t, http.StatusOK, w.Code)

		var resp AuthResponse
		decodeJSON(t, w, &resp)
		claims, err := setup.Auth.ValidateToken(resp.Token)
		require.NoError(t, err)
		assert.True(t, claims.IsAdmin)
	})

	t.Run("invalid", func(t *testing.T) {
		w := setup.Do(http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "x"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = setup.Do(http.MethodPost, "/api/v1/auth/login", "", []byte(`{"clientId":"viewer"}`))
		assert.Equal(t, http.StatusBadRequest, w.Code, "content type is required")

		w = setup.Do(http.MethodGet, "/api/v1/auth/login", "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

// TestDevices tests the device read endpoints
func TestDevices(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "viewer", false)

	t.Run("auth_required", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/api/v1/devices", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = setup.Do(http.MethodGet, "/api/v1/devices", "garbage", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/api/v1/devices", token, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp DevicesListResponse
		decodeJSON(t, w, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "front", resp.Devices[0].ID)
		assert.Equal(t, "Front door", resp.Devices[0].Name)
		assert.Equal(t, device.MotionInactive, resp.Devices[0].State)
	})

	t.Run("get_with_subscription", func(t *testing.T) {
		// the startup refresh subscribes the device
		require.Eventually(t, func() bool {
			_, ok := setup.Relay.Subscription("ABC123")
			return ok
		}, time.Second, 5*time.Millisecond)

		w := setup.Do(http.MethodGet, "/api/v1/devices/front", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp DeviceResponse
		decodeJSON(t, w, &resp)
		assert.Equal(t, "ABC123", resp.USN)
		assert.Equal(t, "10.0.0.5", resp.Target.Host)
		require.NotNil(t, resp.Subscription)
		assert.Equal(t, 3600, resp.Subscription.TimeoutSeconds)
		assert.Equal(t, "uuid:ABC123", resp.Subscription.Token)
	})

	t.Run("get_missing", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/api/v1/devices/nope", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown_action", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/api/v1/devices/front/bogus", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = setup.Do(http.MethodDelete, "/api/v1/devices/front", token, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

// TestRefreshDevice tests POST /api/v1/devices/{id}/refresh
func TestRefreshDevice(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "viewer", false)

	w := setup.Do(http.MethodPost, "/api/v1/devices/front/refresh", token, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp RefreshResponse
	decodeJSON(t, w, &resp)
	assert.Equal(t, "front", resp.DeviceID)
	assert.Equal(t, "refreshing", resp.Status)

	w = setup.Do(http.MethodPost, "/api/v1/devices/nope/refresh", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = setup.Do(http.MethodGet, "/api/v1/devices/front/refresh", token, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestReadDeviceEvents tests GET /api/v1/devices/{id}/events
func TestReadDeviceEvents(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "viewer", false)

	cmds := []notification.Command{
		notification.CommandStatusActive,
		notification.CommandStatusInactive,
		notification.CommandStatusActive,
	}
	for _, cmd := range cmds {
		w := setup.Do(http.MethodPost, "/notify", "", notification.Encode(cmd, "ABC123", ""))
		require.Equal(t, http.StatusOK, w.Code)
	}

	require.Eventually(t, func() bool {
		w := setup.Do(http.MethodGet, "/api/v1/devices/front/events", token, nil)
		var resp ReadEventsResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Count == 3
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("page", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/api/v1/devices/front/events?offset=1&limit=1", token, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp ReadEventsResponse
		decodeJSON(t, w, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, int64(1), resp.StartOffset)
		assert.Equal(t, int64(3), resp.EndOffset)
		assert.Equal(t, int64(1), resp.Events[0].Offset)
		assert.Equal(t, eventlog.AttributeMotion, resp.Events[0].Attribute)
		assert.Equal(t, "inactive", resp.Events[0].Value)
	})

	t.Run("bad_params", func(t *testing.T) {
		for _, q := range []string{"offset=-1", "offset=abc", "limit=0", "limit=x"} {
			w := setup.Do(http.MethodGet, fmt.Sprintf("/api/v1/devices/front/events?%s", q), token, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})

	t.Run("missing_device", func(t *testing.T) {
		w := setup.Do(http.MethodGet, "/api/v1/devices/nope/events", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
