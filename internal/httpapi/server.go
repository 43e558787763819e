package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	relay      RelayService
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	metrics    http.Handler
	server     *http.Server
	logger     *zap.Logger
}

// Config holds server configuration
type Config struct {
	Port      int
	SecretKey string

	// NoAuth bypasses JWT on device endpoints. Admin endpoints always require it.
	NoAuth bool

	// TokenTTL is the lifetime of issued tokens. Zero means DefaultTokenTTL.
	TokenTTL time.Duration

	// KeepAlive is the SSE ping interval. Zero means 15s.
	KeepAlive time.Duration

	// Images serves /images/{id}; nil disables the endpoint.
	Images ImageSource

	// Metrics serves /metrics; nil disables the endpoint.
	Metrics http.Handler

	Logger *zap.Logger
}

// NewServer creates a new HTTP API server
func NewServer(r RelayService, config Config) *Server {
	secretKey := config.SecretKey
	if secretKey == "" {
		secretKey = "motionrelay-secret-key-change-in-production"
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("httpapi")

	jwtAuth := NewJWTAuth(secretKey).WithTTL(config.TokenTTL)
	handlers := NewHandlers(r, config.Images, jwtAuth, logger)
	if config.KeepAlive > 0 {
		handlers.keepAlive = config.KeepAlive
	}
	middleware := NewMiddleware(jwtAuth, logger, config.NoAuth)

	server := &Server{
		relay:      r,
		jwtAuth:    jwtAuth,
		handlers:   handlers,
		middleware: middleware,
		metrics:    config.Metrics,
		logger:     logger,
	}

	server.server = &http.Server{
		Addr:              ":" + strconv.Itoa(config.Port),
		Handler:           server.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	return server
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener. It returns nil after Stop.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("HTTP API listening", zap.String("addr", l.Addr().String()))
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply global middleware
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}
	// raw endpoints set their own content type
	withLogging := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(s.middleware.Logging(handler))
	}

	// Camera push target (no auth)
	mux.Handle("/notify", withLogging(s.handlers.Notify))
	mux.Handle("/notify/", withLogging(s.handlers.Notify))

	// Authentication endpoints (no auth required)
	mux.Handle("/api/v1/auth/login", withMiddleware(s.handlers.Login))

	// Device endpoints (auth required)
	mux.Handle("/api/v1/devices", withMiddleware(s.middleware.AuthRequired(s.handleDevices)))
	mux.Handle("/api/v1/devices/", withMiddleware(s.middleware.AuthRequired(s.handleDeviceByID)))
	mux.Handle("/api/v1/events/stream", withMiddleware(s.middleware.AuthRequired(s.handlers.StreamEvents)))

	// Admin endpoints (admin auth required)
	mux.Handle("/api/v1/admin/devices", withMiddleware(s.middleware.AdminRequired(s.handleAdminDevices)))
	mux.Handle("/api/v1/admin/devices/", withMiddleware(s.middleware.AdminRequired(s.handleAdminDeviceByID)))
	mux.Handle("/api/v1/admin/stats", withMiddleware(s.middleware.AdminRequired(s.methodGET(s.handlers.AdminGetStats))))

	// Stored images (ids are unguessable uuids)
	mux.Handle("/images/", withLogging(s.handlers.GetImage))

	// Health endpoint (no auth required)
	mux.Handle("/api/v1/health", withMiddleware(s.handlers.Health))

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	// Root endpoint with API info
	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// Route handlers that dispatch based on HTTP method

func (s *Server) methodGET(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// handleDevices routes /api/v1/devices
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handlers.ListDevices(w, r)
	default:
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDeviceByID routes /api/v1/devices/{id}[/refresh|/events]
func (s *Server) handleDeviceByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitDevicePath(r.URL.Path, "/api/v1/devices/")
	if !ok {
		s.writeError(w, "Device ID required", http.StatusBadRequest)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), DeviceIDKey, id))

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handlers.GetDevice(w, r)
	case action == "refresh" && r.Method == http.MethodPost:
		s.handlers.RefreshDevice(w, r)
	case action == "events" && r.Method == http.MethodGet:
		s.handlers.ReadDeviceEvents(w, r)
	case action == "" || action == "refresh" || action == "events":
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.writeError(w, "Not found", http.StatusNotFound)
	}
}

// handleAdminDevices routes /api/v1/admin/devices
func (s *Server) handleAdminDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlers.AdminProvisionDevice(w, r)
	case http.MethodGet:
		s.handlers.ListDevices(w, r)
	default:
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAdminDeviceByID routes /api/v1/admin/devices/{id}
func (s *Server) handleAdminDeviceByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitDevicePath(r.URL.Path, "/api/v1/admin/devices/")
	if !ok || action != "" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), DeviceIDKey, id))
	s.handlers.AdminDeprovisionDevice(w, r)
}

// splitDevicePath splits "{prefix}{id}[/{action}]".
func splitDevicePath(path, prefix string) (id, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", "", false
	}
	id, action, _ = strings.Cut(rest, "/")
	return id, action, id != ""
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "motionrelay HTTP API",
		"version":     "1.0.0",
		"description": "Camera motion relay: subscriptions, notifications and device state",
		"endpoints": map[string]interface{}{
			"notify": "POST|NOTIFY /notify{callbackPath}",
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"devices": map[string]string{
				"list":    "GET /api/v1/devices",
				"get":     "GET /api/v1/devices/{id}",
				"refresh": "POST /api/v1/devices/{id}/refresh",
				"events":  "GET /api/v1/devices/{id}/events?offset={offset}&limit={limit}",
			},
			"events": map[string]string{
				"stream": "GET /api/v1/events/stream?device={id}",
			},
			"admin": map[string]string{
				"provision":   "POST /api/v1/admin/devices",
				"deprovision": "DELETE /api/v1/admin/devices/{id}",
				"stats":       "GET /api/v1/admin/stats",
			},
			"images":  "GET /images/{id}",
			"metrics": "GET /metrics",
			"health":  "GET /api/v1/health",
		},
		"authentication": "Bearer JWT token required for /api/v1 endpoints except login and health",
	}

	s.writeJSON(w, info, http.StatusOK)
}

// Helper methods

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	writeError(w, message, statusCode)
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	writeJSON(w, data, statusCode)
}
