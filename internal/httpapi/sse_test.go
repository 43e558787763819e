package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openStream connects to the SSE endpoint and returns a line channel
func openStream(t *testing.T, baseURL, query, token string) (<-chan string, *http.Response) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/events/stream"+query, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines, resp
}

// waitForLine reads lines until one has the given prefix
func waitForLine(t *testing.T, lines <-chan string, prefix string) string {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before %q", prefix)
			}
			if strings.HasPrefix(line, prefix) {
				return line
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", prefix)
		}
	}
}

func TestStreamEvents(t *testing.T) {
	setup := NewTestServerSetup(t)
	ts := httptest.NewServer(setup.Server.Handler())
	defer ts.Close()

	token := setup.GenerateTestToken(t, "viewer", false)

	t.Run("unauthorized", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/events/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown_device", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/events/stream?device=nope", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("motion_event", func(t *testing.T) {
		lines, resp := openStream(t, ts.URL, "?device=front", token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		first := waitForLine(t, lines, ":")
		assert.Contains(t, first, "device front")

		// the listener is registered before the first line is written
		w := setup.Do(http.MethodPost, "/notify", "", notification.Encode(notification.CommandStatusActive, "ABC123", ""))
		require.Equal(t, http.StatusOK, w.Code)

		assert.Equal(t, "id: front-0", waitForLine(t, lines, "id:"))
		assert.Equal(t, "event: motion", waitForLine(t, lines, "event:"))
		data := waitForLine(t, lines, "data:")
		assert.Contains(t, data, `"value":"active"`)
		assert.Contains(t, data, `"deviceId":"front"`)
	})

	t.Run("keepalive", func(t *testing.T) {
		lines, _ := openStream(t, ts.URL, "", token)
		waitForLine(t, lines, ": SSE connection established for all devices")
		waitForLine(t, lines, ": ping")
	})
}
