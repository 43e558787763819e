// Package imagefetch downloads motion snapshots from object storage.
package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultBaseURI is the storage endpoint image references are resolved against.
const DefaultBaseURI = "https://s3.amazonaws.com"

// ContentTypeJPEG is the only content type accepted.
const ContentTypeJPEG = "image/jpeg"

// ImageFetchError reports a failed or rejected download.
type ImageFetchError struct {
	Ref         string
	StatusCode  int
	ContentType string
	Err         error
}

func (e *ImageFetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("fetch image %s: %v", e.Ref, e.Err)
	case e.StatusCode != http.StatusOK:
		return fmt.Sprintf("fetch image %s: unexpected status %d", e.Ref, e.StatusCode)
	default:
		return fmt.Sprintf("fetch image %s: unexpected content type %q", e.Ref, e.ContentType)
	}
}

func (e *ImageFetchError) Unwrap() error {
	return e.Err
}

// IsImageFetchError reports whether err is or wraps an *ImageFetchError.
func IsImageFetchError(err error) bool {
	var fe *ImageFetchError
	return errors.As(err, &fe)
}

// Fetcher downloads images relative to a fixed base URI.
type Fetcher struct {
	http    *resty.Client
	baseURI string
	logger  *zap.Logger
}

// NewFetcher creates a fetcher. An empty baseURI selects DefaultBaseURI.
func NewFetcher(baseURI string, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if baseURI == "" {
		baseURI = DefaultBaseURI
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", ContentTypeJPEG)

	return &Fetcher{
		http:    httpClient,
		baseURI: baseURI,
		logger:  logger.Named("imagefetch"),
	}
}

// resolve returns the absolute URL for ref.
func (f *Fetcher) resolve(ref string) string {
	return strings.TrimRight(f.baseURI, "/") + "/" + strings.TrimLeft(ref, "/")
}

// Fetch downloads ref. It requires a 200 response with an image/jpeg body.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, &ImageFetchError{Ref: ref, Err: errors.New("empty image reference")}
	}

	resp, err := f.http.R().
		SetContext(ctx).
		Get(f.resolve(ref))
	if err != nil {
		return nil, &ImageFetchError{Ref: ref, Err: err}
	}

	contentType := resp.Header().Get("Content-Type")
	if resp.StatusCode() != http.StatusOK {
		return nil, &ImageFetchError{Ref: ref, StatusCode: resp.StatusCode(), ContentType: contentType}
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != ContentTypeJPEG {
		return nil, &ImageFetchError{Ref: ref, StatusCode: resp.StatusCode(), ContentType: contentType}
	}

	f.logger.Debug("Fetched image",
		zap.String("ref", ref),
		zap.Int("bytes", len(resp.Body())))
	return resp.Body(), nil
}
