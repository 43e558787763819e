package imagefetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}

func newStorage(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bucket/x.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(jpegBytes)
		case "/bucket/params.jpg":
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			_, _ = w.Write(jpegBytes)
		case "/bucket/x.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetcher_Fetch(t *testing.T) {
	server := newStorage(t)
	f := NewFetcher(server.URL, 0, zap.NewNop())

	data, err := f.Fetch(context.Background(), "/bucket/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, data)

	data, err = f.Fetch(context.Background(), "bucket/params.jpg")
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, data)
}

func TestFetcher_Errors(t *testing.T) {
	server := newStorage(t)
	f := NewFetcher(server.URL, 0, zap.NewNop())

	tests := []struct {
		name        string
		ref         string
		status      int
		contentType string
		errMsg      string
	}{
		{"not_found", "/bucket/missing.jpg", http.StatusNotFound, "text/plain; charset=utf-8", "unexpected status 404"},
		{"wrong_type", "/bucket/x.png", http.StatusOK, "image/png", "unexpected content type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.ref)
			require.Error(t, err)

			var fe *ImageFetchError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Equal(t, tt.contentType, fe.ContentType)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("empty_ref", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), "")
		assert.True(t, IsImageFetchError(err))
	})

	t.Run("transport_failure", func(t *testing.T) {
		closed := httptest.NewServer(http.NotFoundHandler())
		closed.Close()

		_, err := NewFetcher(closed.URL, 0, nil).Fetch(context.Background(), "/bucket/x.jpg")
		var fe *ImageFetchError
		require.True(t, errors.As(err, &fe))
		assert.Zero(t, fe.StatusCode)
		assert.NotNil(t, fe.Unwrap())
	})
}

func TestFetcher_Resolve(t *testing.T) {
	f := NewFetcher("", 0, nil)
	assert.Equal(t, "https://s3.amazonaws.com/bucket/key.jpg", f.resolve("/bucket/key.jpg"))

	f = NewFetcher("http://minio:9000/", 0, nil)
	assert.Equal(t, "http://minio:9000/bucket/key.jpg", f.resolve("bucket/key.jpg"))
}
