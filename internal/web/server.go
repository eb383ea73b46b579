package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"mqtt-go-home/internal/automation"
	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/scheduler"
	"mqtt-go-home/internal/store"
)

// Transport is the connection surface the API exposes. Implemented by the
// MQTT transport.
type Transport interface {
	ControlDevice(id int, on bool, pwm int) error
	Connect(cfg store.MQTTConfig) error
	Disconnect()
	Status() string
	SetAutoReconnect(enabled bool)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAdminPassword enables the admin login endpoint. Without it every
// session has admin privileges, which suits a dashboard on a trusted LAN.
func WithAdminPassword(password string) ServerOption {
	return func(s *Server) {
		s.adminPassword = password
	}
}

// WithAllowedOrigins sets allowed WebSocket/CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

const adminTokenTTL = 12 * time.Hour

// Server is the HTTP surface of the dashboard: a JSON API plus a WebSocket
// event stream.
type Server struct {
	registry  *registry.Registry
	scheduler *scheduler.Engine
	transport Transport
	store     store.Store
	events    *event.Bus
	logger    *slog.Logger
	mux       *http.ServeMux
	wsHub     *WSHub

	adminPassword  string
	allowedOrigins []string
	version        string

	scriptMgr  *automation.Manager
	autoEngine *automation.Engine

	tokenMu sync.Mutex
	tokens  map[string]time.Time // admin token -> expiry

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer creates the web server and starts its WebSocket hub.
func NewServer(reg *registry.Registry, sched *scheduler.Engine, tr Transport, st store.Store, events *event.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		registry:  reg,
		scheduler: sched,
		transport: tr,
		store:     st,
		events:    events,
		logger:    logger.With("component", "web"),
		mux:       http.NewServeMux(),
		tokens:    make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every bus event goes out on the WebSocket stream.
	s.unsubEvents = events.OnAll(func(ev event.Event) {
		s.wsHub.Broadcast(ev)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/login", s.handleLogin)

	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleRenameDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/control", s.handleControlDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/intensity", s.handleSetIntensity)

	s.mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	s.mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	s.mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	s.mux.HandleFunc("GET /api/connection", s.handleConnectionStatus)
	s.mux.HandleFunc("POST /api/connection/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/connection/disconnect", s.handleDisconnect)

	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handleUpdateConfig)

	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleCreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Auth-Token")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin exchanges the admin password for a session token carried in
// the X-Auth-Token header on privileged requests.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.adminPassword == "" {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admin password not configured"})
		return
	}

	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.adminPassword)) != 1 {
		s.logger.Warn("failed admin login", "remote", r.RemoteAddr)
		s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "wrong password"})
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	token := hex.EncodeToString(buf)

	s.tokenMu.Lock()
	s.tokens[token] = time.Now().Add(adminTokenTTL)
	s.tokenMu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// isAdmin reports whether the request carries a live admin token. With no
// admin password configured everything is permitted.
func (s *Server) isAdmin(r *http.Request) bool {
	if s.adminPassword == "" {
		return true
	}
	token := r.Header.Get("X-Auth-Token")
	if token == "" {
		return false
	}

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	expiry, ok := s.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.tokens, token)
		return false
	}
	return true
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// maskSecret hides all but a hint of a stored secret in API responses.
func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 2 {
		return strings.Repeat("*", len(v))
	}
	return v[:1] + strings.Repeat("*", len(v)-2) + v[len(v)-1:]
}
