// Package web serves the JSON HTTP API and the WebSocket event stream.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/matishsiao/goInfo"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/api"
	"zigbee-ncp-host/internal/automation"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the hook script engine and manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP front end of the adapter.
type Server struct {
	api            *api.Service
	adapter        *adapter.Adapter
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	host           VersionInfo
	wg             sync.WaitGroup
	unsubEvents    func()
}

// VersionInfo is the body of /api/version.
type VersionInfo struct {
	Version  string `json:"version"`
	GoOS     string `json:"go_os"`
	Kernel   string `json:"kernel,omitempty"`
	Platform string `json:"platform,omitempty"`
	OS       string `json:"os,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	CPUs     int    `json:"cpus"`
}

// NewServer creates the server and starts forwarding adapter events to
// WebSocket clients. Call Stop to release it.
func NewServer(svc *api.Service, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		api:     svc,
		adapter: svc.Adapter(),
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.host = hostInfo(s.logger)
	s.host.Version = s.version

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Broadcast never blocks, so it is safe on the dispatch path.
	s.unsubEvents = s.adapter.Events().OnAll(func(event adapter.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

func hostInfo(logger *slog.Logger) VersionInfo {
	gi, err := goInfo.GetInfo()
	if err != nil {
		logger.Debug("host info", "err", err)
	}
	return VersionInfo{
		GoOS:     gi.GoOS,
		Kernel:   gi.Kernel,
		Platform: gi.Platform,
		OS:       gi.OS,
		Hostname: gi.Hostname,
		CPUs:     gi.CPUs,
	}
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)
	s.mux.HandleFunc("GET /api/coordinator", s.command("coordinator"))

	s.mux.HandleFunc("GET /api/devices", s.command("devices"))
	s.mux.HandleFunc("GET /api/devices/{id}", s.command("device", "id"))
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.command("device/remove", "id"))
	s.mux.HandleFunc("POST /api/devices/{id}/interview", s.command("device/interview", "id"))
	s.mux.HandleFunc("GET /api/devices/{id}/lqi", s.command("device/lqi", "id"))
	s.mux.HandleFunc("GET /api/devices/{id}/routes", s.command("device/routes", "id"))
	s.mux.HandleFunc("POST /api/devices/{id}/bind", s.command("device/bind", "id"))
	s.mux.HandleFunc("POST /api/devices/{id}/unbind", s.command("device/unbind", "id"))
	s.mux.HandleFunc("POST /api/devices/{id}/zcl", s.command("device/zcl", "id"))
	s.mux.HandleFunc("POST /api/groups/{group}/zcl", s.command("group/zcl", "group"))
	s.mux.HandleFunc("POST /api/broadcast/zcl", s.command("broadcast/zcl"))

	s.mux.HandleFunc("POST /api/permit_join", s.command("permit_join"))
	s.mux.HandleFunc("PUT /api/network/channel", s.command("channel"))
	s.mux.HandleFunc("PUT /api/network/tx_power", s.command("tx_power"))
	s.mux.HandleFunc("POST /api/install_codes", s.command("install_code"))
	s.mux.HandleFunc("GET /api/link_keys", s.command("link_keys"))

	s.mux.HandleFunc("GET /api/backups", s.command("backups"))
	s.mux.HandleFunc("POST /api/backups", s.command("backup"))
	s.mux.HandleFunc("POST /api/backups/{id}/restore_keys", s.command("link_keys/restore", "id"))

	// Every command by name, with the same parameters as the MQTT request topics.
	s.mux.HandleFunc("POST /api/commands/{name...}", s.handleAPICommand)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)
	s.mux.HandleFunc("POST /api/automations/run", s.handleAPIRunCode)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
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

	// Browsers cannot set headers on a WebSocket upgrade, so only /api/ is keyed.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
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

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.host)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
