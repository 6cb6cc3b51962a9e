// Package api serves the connector's local HTTP API: the connection probes
// used by the settings screen, the lifecycle state and a live state stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fdm-monster/fdm-connector/internal/config"
	"github.com/fdm-monster/fdm-connector/internal/coordinator"
	"github.com/fdm-monster/fdm-connector/internal/lifecycle"

	"go.uber.org/zap"
)

const (
	testConnectionPath = "/api/plugin/hub_connector/test_connection"
	testOpenIDPath     = "/api/plugin/hub_connector/test_openid"
	statePath          = "/api/state"
	streamPath         = "/api/state/stream"
	healthPath         = "/health"

	maxBodyBytes = 1 << 20
)

// StateSource exposes the coordinator's read side
type StateSource interface {
	State() lifecycle.State
	LastReport() coordinator.TickReport
	History() []lifecycle.Transition
	Subscribe(fn func(lifecycle.Transition)) (unsubscribe func())
}

// Prober runs the ad hoc hub checks
type Prober interface {
	Version(ctx context.Context, url string) (string, error)
	OpenID(ctx context.Context, url, clientID, clientSecret string) lifecycle.State
}

// SettingsView supplies the hub address shown in the state response
type SettingsView interface {
	Current() config.Settings
}

// Server provides the HTTP API
type Server struct {
	source   StateSource
	probe    Prober
	settings SettingsView
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server that will listen on addr
func NewServer(addr string, source StateSource, probe Prober, settings SettingsView, logger *zap.Logger) *Server {
	s := &Server{
		source:   source,
		probe:    probe,
		settings: settings,
		logger:   logger.Named("api"),
		closing:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc(testConnectionPath, s.handleTestConnection)
	mux.HandleFunc(testOpenIDPath, s.handleTestOpenID)
	mux.HandleFunc(statePath, s.handleGetState)
	mux.HandleFunc(streamPath, s.handleStream)
	mux.HandleFunc(healthPath, s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// VersionResponse answers test_connection
type VersionResponse struct {
	Version string `json:"version"`
}

// OpenIDResponse answers test_openid
type OpenIDResponse struct {
	State lifecycle.State `json:"state"`
}

// StateResponse is the body of GET /api/state
type StateResponse struct {
	State      lifecycle.State         `json:"state"`
	LastReport *coordinator.TickReport `json:"lastReport,omitempty"`
	History    []lifecycle.Transition  `json:"history"`
	HubURL     string                  `json:"hubUrl,omitempty"`
	FaviconURL string                  `json:"faviconUrl,omitempty"`
}

// handleTestConnection checks that a hub answers on the given url
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	url, ok := requireFields(w, body, "url")
	if !ok {
		return
	}

	version, err := s.probe.Version(r.Context(), url[0])
	if err != nil {
		s.logger.Warn("Connection test failed", zap.String("url", url[0]), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.writeJSON(w, http.StatusOK, VersionResponse{Version: version})
}

// handleTestOpenID checks a client id and secret against a hub
func (s *Server) handleTestOpenID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}
	fields, ok := requireFields(w, body, "url", "client_id", "client_secret")
	if !ok {
		return
	}

	state := s.probe.OpenID(r.Context(), fields[0], fields[1], fields[2])
	s.writeJSON(w, http.StatusOK, OpenIDResponse{State: state})
}

// handleGetState returns the lifecycle state, last tick and recent history
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StateResponse{
		State:   s.source.State(),
		History: s.source.History(),
	}
	if report := s.source.LastReport(); !report.FinishedAt.IsZero() {
		response.LastReport = &report
	}
	if s.settings != nil {
		current := s.settings.Current()
		response.HubURL, _ = current.BaseURL()
		response.FaviconURL, _ = current.FaviconURL()
	}

	s.writeJSON(w, http.StatusOK, response)

	s.logger.Debug("State request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var body map[string]interface{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.logger.Debug("Rejected request body", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// requireFields returns the named string fields in order. The first one that
// is absent, not a string or empty is reported as missing.
func requireFields(w http.ResponseWriter, body map[string]interface{}, names ...string) ([]string, bool) {
	values := make([]string, 0, len(names))
	for _, name := range names {
		v, _ := body[name].(string)
		if v == "" {
			http.Error(w, fmt.Sprintf("Expected '%s' parameter", name), http.StatusBadRequest)
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: testConnectionPath, Method: "POST", Description: "Check a hub URL, body {\"url\"}; returns the hub version"},
	{Path: testOpenIDPath, Method: "POST", Description: "Check client credentials, body {\"url\", \"client_id\", \"client_secret\"}"},
	{Path: statePath, Method: "GET", Description: "Lifecycle state, last tick report and transition history"},
	{Path: streamPath, Method: "GET", Description: "WebSocket stream of state transitions"},
	{Path: healthPath, Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	// 404 keeps automation from treating the root as a real resource
	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Hub Connector API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Hub Connector API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "Hub Connector API\n")
		fmt.Fprintf(w, "=================\n\n")
		fmt.Fprintf(w, "Available endpoints:\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-44s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting HTTP API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")
	// Shutdown does not touch hijacked websocket connections
	s.closeOnce.Do(func() { close(s.closing) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
