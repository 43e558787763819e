package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/internal/directory"
	"github.com/rmacdonaldsmith/motionrelay/internal/eventlog"
	"github.com/rmacdonaldsmith/motionrelay/internal/imagefetch"
	"github.com/rmacdonaldsmith/motionrelay/internal/imagestore"
	"github.com/rmacdonaldsmith/motionrelay/internal/metrics"
	"github.com/rmacdonaldsmith/motionrelay/internal/relay"
	"github.com/rmacdonaldsmith/motionrelay/internal/subscription"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

type stubAgents struct{}

func (stubAgents) Subscribe(ctx context.Context, target device.Target, usn string) (*subscription.Subscription, error) {
	now := time.Now()
	return &subscription.Subscription{
		USN:         usn,
		Target:      target,
		CallbackURL: "http://hub:8080/notify" + target.CallbackPath,
		Token:       "uuid:" + usn,
		Timeout:     time.Hour,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}, nil
}

func (stubAgents) Poll(ctx context.Context, target device.Target) ([]byte, error) {
	return nil, errors.New("agent offline")
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "/bucket/missing.jpg" {
		return nil, &imagefetch.ImageFetchError{Ref: ref, StatusCode: http.StatusNotFound}
	}
	return jpegBytes, nil
}

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Relay   *relay.Relay
	Dir     *directory.MemoryDirectory
	Store   *imagestore.Store
	Metrics *metrics.Metrics
	Server  *Server
	Auth    *JWTAuth
}

// NewTestServerSetup creates a started relay with one device and an HTTP server over it
func NewTestServerSetup(t *testing.T) *TestServerSetup {
	t.Helper()

	dir := directory.NewMemoryDirectory()
	require.NoError(t, dir.Add(context.Background(), &device.VirtualDevice{
		ID:    "front",
		Name:  "Front door",
		USN:   "ABC123",
		State: device.MotionInactive,
		Target: device.Target{
			Host:         "10.0.0.5",
			Port:         8000,
			Path:         "/status",
			CallbackPath: "/front",
		},
	}))

	m := metrics.New(dir)
	store, err := imagestore.New(t.TempDir(), m.StorageWriteFailures, zap.NewNop())
	require.NoError(t, err)

	r, err := relay.New(relay.NewConfig("test-hub").WithRequestTimeout(2*time.Second), relay.Deps{
		Directory: dir,
		Agents:    stubAgents{},
		Fetcher:   stubFetcher{},
		Store:     store,
		EventLog:  eventlog.NewInMemoryEventLog(0),
		Metrics:   m,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })

	server := NewServer(r, Config{
		Port:      8081,
		SecretKey: "test-secret-key",
		KeepAlive: 50 * time.Millisecond,
		Images:    store,
		Metrics:   m.Handler(nil),
	})

	return &TestServerSetup{
		Relay:   r,
		Dir:     dir,
		Store:   store,
		Metrics: m,
		Server:  server,
		Auth:    server.jwtAuth,
	}
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, isAdmin)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do sends a request through the full routed handler
func (setup *TestServerSetup) Do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		if _, raw := body.([]byte); !raw {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(w, req)
	return w
}

// WaitForDevice polls the directory until cond holds
func (setup *TestServerSetup) WaitForDevice(t *testing.T, id string, cond func(d *device.VirtualDevice) bool) *device.VirtualDevice {
	t.Helper()

	var last *device.VirtualDevice
	require.Eventually(t, func() bool {
		d, ok := setup.Dir.Get(context.Background(), id)
		if !ok {
			return false
		}
		last = d
		return cond(d)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}
