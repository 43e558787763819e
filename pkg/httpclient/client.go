// Package httpclient is a Go client for the motionrelay HTTP API.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrNotAuthenticated is returned by calls that need a token before Authenticate.
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client provides HTTP client for the relay API
type Client struct {
	config  Config
	http    *resty.Client
	baseURL *url.URL
	token   string
}

// NewClient creates a new relay HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid ServerURL %q: scheme and host are required", config.ServerURL)
	}

	httpClient := resty.New().
		SetBaseURL(config.ServerURL).
		SetTimeout(config.Timeout).
		SetRetryCount(max(config.MaxRetries, 0)).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		config:  config,
		http:    httpClient,
		baseURL: baseURL,
	}, nil
}

// Authenticate logs in with the configured client id and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	req := map[string]string{"clientId": c.config.ClientID}

	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, req, &resp, false); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = resp.Token
	return nil
}

// ListDevices returns every provisioned device
func (c *Client) ListDevices(ctx context.Context) (*DevicesResponse, error) {
	var resp DevicesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return &resp, nil
}

// GetDevice returns one device by id
func (c *Client) GetDevice(ctx context.Context, id string) (*Device, error) {
	var resp Device
	if err := c.do(ctx, http.MethodGet, devicePath(id, ""), nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	return &resp, nil
}

// Refresh asks the relay to re-subscribe and poll a device
func (c *Client) Refresh(ctx context.Context, id string) (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.do(ctx, http.MethodPost, devicePath(id, "refresh"), nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to refresh device %s: %w", id, err)
	}
	return &resp, nil
}

// ReadEvents reads a device's attribute events starting at offset.
// A non-positive limit uses the server default.
func (c *Client) ReadEvents(ctx context.Context, id string, offset int64, limit int) (*ReadEventsResponse, error) {
	query := url.Values{}
	if offset >= 0 {
		query.Set("offset", strconv.FormatInt(offset, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp ReadEventsResponse
	if err := c.do(ctx, http.MethodGet, devicePath(id, "events"), query, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the health status of the relay. An unhealthy relay
// answers 503 with a body, which is returned without error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	r, err := c.http.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/api/v1/health")
	if err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	switch r.StatusCode() {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		if err := json.Unmarshal(r.Body(), &resp); err != nil {
			return nil, fmt.Errorf("failed to get health status: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to get health status: %w", apiError(r))
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminProvision registers a new device (admin only)
func (c *Client) AdminProvision(ctx context.Context, req ProvisionRequest) (*Device, error) {
	var resp Device
	if err := c.do(ctx, http.MethodPost, "/api/v1/admin/devices", nil, req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to provision device: %w", err)
	}
	return &resp, nil
}

// AdminDeprovision removes a device (admin only)
func (c *Client) AdminDeprovision(ctx context.Context, id string) error {
	path := "/api/v1/admin/devices/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil, nil, true); err != nil {
		return fmt.Errorf("failed to deprovision device: %w", err)
	}
	return nil
}

// AdminGetStats returns relay statistics (admin only)
func (c *Client) AdminGetStats(ctx context.Context) (*AdminStatsResponse, error) {
	var resp AdminStatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/admin/stats", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// ImageURL returns the absolute URL of a stored image.
func (c *Client) ImageURL(imageID string) string {
	return c.baseURL.ResolveReference(&url.URL{Path: "/images/" + imageID}).String()
}

// do performs a request with optional authentication and decodes a JSON result
func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody interface{}, requireAuth bool) error {
	if requireAuth && c.token == "" {
		return ErrNotAuthenticated
	}

	req := c.http.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParamsFromValues(query)
	}
	if reqBody != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(reqBody)
	}
	if respBody != nil {
		req.SetResult(respBody)
	}
	if requireAuth {
		req.SetAuthToken(c.token)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *resty.Response) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body(), &errResp); err != nil || errResp.Message == "" {
		return &APIError{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: errResp.Message}
}

func devicePath(id, action string) string {
	path := "/api/v1/devices/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}
