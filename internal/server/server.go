// Package server provides the read-only HTTP status surface for the
// plugin runtime: runtime health, loaded plugins, and slot registrations
// for the UI shell and operators.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deskforge/plugkit/internal/version"
	"github.com/deskforge/plugkit/pkg/plugin"
)

// RuntimeSource provides the server with runtime state. Defined here
// (consumer-side) rather than importing the concrete registry.
type RuntimeSource interface {
	GetLoadedPlugins() []*plugin.LoadedPlugin
	GetSlotRegistrations(slot plugin.Slot) []plugin.SlotRegistration
	IsPluginsLoading() bool
	LoadError() error
}

// Server is the PlugKit status HTTP server.
type Server struct {
	httpServer *http.Server
	source     RuntimeSource
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server serving the status surface on addr.
func New(addr string, source RuntimeSource, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		source: source,
		logger: logger,
		mux:    mux,
	}
	s.registerRoutes()

	// Middleware chain: outermost listed first.
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/healthz", "/readyz", "/metrics"}),
		VersionHeaderMiddleware,
	)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up all routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned read-only status endpoints.
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/v1/slots/{slot}", s.handleSlot)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting status server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down status server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadyz reports readiness: the last plugin load finished and did
// not fail outright.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.source.IsPluginsLoading() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "loading plugins"})
		return
	}
	if err := s.source.LoadError(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "plugin load failed",
			"error":  err.Error(),
		})
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// StatusResponse is the response for GET /api/v1/status.
type StatusResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Loading bool              `json:"loading"`
	Plugins int               `json:"plugins"`
	Version map[string]string `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:  "ok",
		Service: "plugkit",
		Loading: s.source.IsPluginsLoading(),
		Plugins: len(s.source.GetLoadedPlugins()),
		Version: version.Fields(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// PluginResponse describes one loaded plugin. Secret setting defaults
// are redacted; values never appear on this surface at all.
type PluginResponse struct {
	UUID        string              `json:"uuid"`
	Name        string              `json:"name"`
	DisplayName string              `json:"display_name,omitempty"`
	Version     string              `json:"version"`
	Description string              `json:"description,omitempty"`
	TrustLevel  plugin.TrustLevel   `json:"trust_level"`
	Source      plugin.Source       `json:"source,omitempty"`
	HasBundle   bool                `json:"has_bundle"`
	Components  []string            `json:"components,omitempty"`
	Settings    []plugin.SettingDef `json:"settings,omitempty"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	loaded := s.source.GetLoadedPlugins()
	resp := make([]PluginResponse, 0, len(loaded))
	for _, lp := range loaded {
		p := lp.Plugin
		resp = append(resp, PluginResponse{
			UUID:        p.UUID.String(),
			Name:        p.Name,
			DisplayName: p.DisplayName,
			Version:     p.Version,
			Description: p.Description,
			TrustLevel:  p.TrustLevel,
			Source:      p.Source,
			HasBundle:   p.HasBundle(),
			Components:  lp.Manifest.ComponentNames(),
			Settings:    redactSettings(lp.Manifest.Settings),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// redactSettings blanks the default of any secret setting.
func redactSettings(defs []plugin.SettingDef) []plugin.SettingDef {
	if len(defs) == 0 {
		return nil
	}
	out := make([]plugin.SettingDef, len(defs))
	copy(out, defs)
	for i := range out {
		if out[i].Secret && out[i].Default != nil {
			out[i].Default = "[redacted]"
		}
	}
	return out
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	slot := plugin.Slot(r.PathValue("slot"))
	if !plugin.KnownSlot(slot) {
		BadRequest(w, fmt.Sprintf("unknown slot %q", slot), r.URL.Path)
		return
	}

	regs := s.source.GetSlotRegistrations(slot)
	if regs == nil {
		regs = []plugin.SlotRegistration{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(regs)
}
