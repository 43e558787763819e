package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/internal/directory"
	"github.com/rmacdonaldsmith/motionrelay/internal/imagestore"
	"github.com/rmacdonaldsmith/motionrelay/internal/relay"
	"github.com/rmacdonaldsmith/motionrelay/internal/subscription"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"github.com/rmacdonaldsmith/motionrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/motionrelay/pkg/notification"
	relaypkg "github.com/rmacdonaldsmith/motionrelay/pkg/relay"
	"go.uber.org/zap"
)

const (
	// MethodNotify is the GENA method some camera agents push with.
	MethodNotify = "NOTIFY"

	// maxNotificationBytes bounds a pushed body. Camera messages are a few hundred bytes.
	maxNotificationBytes = 64 << 10

	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// RelayService is what the API needs from the relay.
type RelayService interface {
	relaypkg.Relay
	Subscription(usn string) (*subscription.Subscription, bool)
}

// ImageSource opens stored images by id.
type ImageSource interface {
	Open(id string) (*os.File, error)
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	relay     RelayService
	images    ImageSource
	jwtAuth   *JWTAuth
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewHandlers creates a new handlers instance. images may be nil, in which
// case /images answers 404.
func NewHandlers(r RelayService, images ImageSource, jwtAuth *JWTAuth, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		relay:     r,
		images:    images,
		jwtAuth:   jwtAuth,
		logger:    logger,
		keepAlive: 15 * time.Second,
	}
}

// Camera callback

// Notify handles POST|NOTIFY /notify{callbackPath}
func (h *Handlers) Notify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != MethodNotify {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes+1))
	if err != nil {
		h.writeError(w, "Unreadable body", http.StatusBadRequest)
		return
	}
	if len(body) > maxNotificationBytes {
		h.writeError(w, "Notification too large", http.StatusRequestEntityTooLarge)
		return
	}

	n, err := h.relay.Receive(r.Context(), body)
	switch {
	case notification.IsMalformed(err):
		h.logger.Warn("Malformed notification",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, relay.ErrNotStarted), errors.Is(err, relay.ErrClosed):
		h.writeError(w, "Relay is not running", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.writeError(w, fmt.Sprintf("Failed to queue notification: %v", err), http.StatusServiceUnavailable)
		return
	}

	h.logger.Debug("Notification queued",
		zap.String("usn", n.USN),
		zap.String("cmd", string(n.Command)),
		zap.String("callback_path", strings.TrimPrefix(r.URL.Path, "/notify")))
	w.WriteHeader(http.StatusOK)
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.validateAuthRequest(&req); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// clientId-only authentication; the "admin" client gets admin claims
	isAdmin := req.ClientID == "admin"

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin)
	if err != nil {
		h.writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Device endpoints

// ListDevices handles GET /api/v1/devices
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.relay.Directory().List(r.Context())
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to list devices: %v", err), http.StatusInternalServerError)
		return
	}

	resp := DevicesListResponse{
		Devices: make([]DeviceResponse, 0, len(devices)),
		Count:   len(devices),
	}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, h.toDeviceResponse(d))
	}
	h.writeJSON(w, resp, http.StatusOK)
}

// GetDevice handles GET /api/v1/devices/{id}
func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.relay.Directory().Get(r.Context(), GetDeviceID(r))
	if !ok {
		h.writeError(w, "Device not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, h.toDeviceResponse(d), http.StatusOK)
}

// RefreshDevice handles POST /api/v1/devices/{id}/refresh
func (h *Handlers) RefreshDevice(w http.ResponseWriter, r *http.Request) {
	id := GetDeviceID(r)
	err := h.relay.Refresh(r.Context(), id)
	switch {
	case errors.Is(err, directory.ErrDeviceNotFound):
		h.writeError(w, "Device not found", http.StatusNotFound)
		return
	case errors.Is(err, relay.ErrNotStarted):
		h.writeError(w, "Relay is not running", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.writeError(w, fmt.Sprintf("Failed to refresh: %v", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, RefreshResponse{DeviceID: id, Status: "refreshing"}, http.StatusAccepted)
}

// ReadDeviceEvents handles GET /api/v1/devices/{id}/events?offset=&limit=
func (h *Handlers) ReadDeviceEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := GetDeviceID(r)
	if _, ok := h.relay.Directory().Get(ctx, id); !ok {
		h.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	offset, err := parseIntParam(r, "offset", 0)
	if err != nil || offset < 0 {
		h.writeError(w, "offset must be a non-negative integer", http.StatusBadRequest)
		return
	}
	limit, err := parseIntParam(r, "limit", defaultEventsLimit)
	if err != nil || limit <= 0 {
		h.writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	log := h.relay.EventLog()
	events, err := log.ReadEvents(ctx, id, int64(offset), limit)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to read events: %v", err), http.StatusInternalServerError)
		return
	}
	end, err := log.GetEndOffset(ctx, id)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to read events: %v", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, ReadEventsResponse{
		Events:      events,
		DeviceID:    id,
		StartOffset: int64(offset),
		EndOffset:   end,
		Count:       len(events),
	}, http.StatusOK)
}

// StreamEvents handles GET /api/v1/events/stream[?device=]
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	deviceFilter := r.URL.Query().Get("device")
	if deviceFilter != "" {
		if _, ok := h.relay.Directory().Get(ctx, deviceFilter); !ok {
			h.writeError(w, "Device not found", http.StatusNotFound)
			return
		}
	}

	events, cancel := h.relay.EventLog().Listen(deviceFilter, 64)
	defer cancel()

	// streams outlive the server's write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	scope := "all devices"
	if deviceFilter != "" {
		scope = "device " + deviceFilter
	}
	fmt.Fprintf(w, ": SSE connection established for %s\n\n", scope)
	flush(w)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flush(w)

		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeSSEEvent(w, ev); err != nil {
				h.logger.Debug("SSE client went away", zap.Error(err))
				return
			}
			flush(w)
		}
	}
}

// Image endpoint

// GetImage handles GET /images/{id}
func (h *Handlers) GetImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.images == nil {
		h.writeError(w, "Image not found", http.StatusNotFound)
		return
	}

	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/images/"), imagestore.Extension)
	f, err := h.images.Open(id)
	if errors.Is(err, imagestore.ErrNotFound) || errors.Is(err, imagestore.ErrInvalidID) {
		h.writeError(w, "Image not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, "Failed to open image", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.writeError(w, "Failed to open image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	// ids are never reused
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, id+imagestore.Extension, info.ModTime(), f)
}

// Admin endpoints

// AdminProvisionDevice handles POST /api/v1/admin/devices
func (h *Handlers) AdminProvisionDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.validateJSON(r); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d := &device.VirtualDevice{
		ID:     req.ID,
		Name:   req.Name,
		USN:    req.USN,
		State:  device.MotionInactive,
		Target: req.Target,
	}
	if err := d.Validate(); err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	err := h.relay.Provision(ctx, d)
	switch {
	case errors.Is(err, directory.ErrDuplicateUSN), errors.Is(err, directory.ErrDuplicateID):
		h.writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.writeError(w, fmt.Sprintf("Failed to provision device: %v", err), http.StatusInternalServerError)
		return
	}

	h.logger.Info("Device provisioned via API",
		zap.String("device_id", d.ID),
		zap.String("client_id", GetClientID(r)))

	stored, ok := h.relay.Directory().Get(ctx, d.ID)
	if !ok {
		stored = d
	}
	h.writeJSON(w, h.toDeviceResponse(stored), http.StatusCreated)
}

// AdminDeprovisionDevice handles DELETE /api/v1/admin/devices/{id}
func (h *Handlers) AdminDeprovisionDevice(w http.ResponseWriter, r *http.Request) {
	err := h.relay.Deprovision(r.Context(), GetDeviceID(r))
	if errors.Is(err, directory.ErrDeviceNotFound) {
		h.writeError(w, "Device not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to deprovision device: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminGetStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health, err := h.relay.GetHealth(ctx)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to get stats: %v", err), http.StatusInternalServerError)
		return
	}
	stats, err := h.relay.EventLog().GetStatistics(ctx)
	if err != nil {
		h.writeError(w, fmt.Sprintf("Failed to get stats: %v", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, AdminStatsResponse{
		Devices:        health.Devices,
		ActiveDevices:  health.ActiveDevices,
		Subscriptions:  health.Subscriptions,
		PendingImages:  health.PendingImages,
		TotalEvents:    stats.TotalEvents,
		DroppedEvents:  stats.DroppedEvents,
		Listeners:      stats.Listeners,
		EventsByDevice: stats.DeviceCounts,
	}, http.StatusOK)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.relay.GetHealth(r.Context())
	if err != nil {
		h.writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	h.writeJSON(w, HealthResponse{
		Healthy:       health.Healthy,
		Devices:       health.Devices,
		ActiveDevices: health.ActiveDevices,
		Subscriptions: health.Subscriptions,
		PendingImages: health.PendingImages,
		TotalEvents:   health.TotalEvents,
		Message:       health.Message,
	}, statusCode)
}

// Helper methods

func (h *Handlers) toDeviceResponse(d *device.VirtualDevice) DeviceResponse {
	resp := DeviceResponse{
		ID:        d.ID,
		Name:      d.Name,
		USN:       d.USN,
		State:     d.State,
		Target:    d.Target,
		ImageRef:  d.ImageRef,
		ImageID:   d.ImageID,
		UpdatedAt: d.UpdatedAt,
	}
	if d.ImageID != "" {
		resp.ImageURL = "/images/" + d.ImageID
	}
	if sub, ok := h.relay.Subscription(d.USN); ok {
		resp.Subscription = &SubscriptionInfo{
			Token:          sub.Token,
			CallbackURL:    sub.CallbackURL,
			TimeoutSeconds: int(sub.Timeout / time.Second),
			ExpiresAt:      sub.ExpiresAt,
		}
	}
	return resp
}

// writeError writes an error response as JSON
func (h *Handlers) writeError(w http.ResponseWriter, message string, statusCode int) {
	writeError(w, message, statusCode)
}

// writeJSON writes a JSON response
func (h *Handlers) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	writeJSON(w, data, statusCode)
}

// validateJSON validates that the request has valid JSON content-type
func (h *Handlers) validateJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

// validateAuthRequest validates authentication request fields
func (h *Handlers) validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return fmt.Errorf("clientId must be at least 2 characters")
	}
	return nil
}

// writeSSEEvent writes an attribute event as an SSE message named after its attribute
func (h *Handlers) writeSSEEvent(w http.ResponseWriter, ev *eventlog.AttributeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE message: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %s-%d\nevent: %s\ndata: %s\n\n", ev.DeviceID, ev.Offset, ev.Attribute, data)
	return err
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
