// Package web is the HTTP surface of the gateway: the Messages API, the
// monitor stream, the deploy webhook, and the small read-only endpoints.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/joestump/claude-relay/internal/config"
	"github.com/joestump/claude-relay/internal/hub"
	"github.com/joestump/claude-relay/internal/identity"
	"github.com/joestump/claude-relay/internal/session"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg     config.Config
	engine  *session.Engine
	hub     *hub.Hub
	aliases identity.AliasMap
	mux     *http.ServeMux
	server  *http.Server
}

// New creates the server and registers its routes.
func New(cfg config.Config, engine *session.Engine, h *hub.Hub, aliases identity.AliasMap) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		hub:     h,
		aliases: aliases,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.corsMiddleware(s.mux),
		ReadTimeout: 0, // request bodies can trail long-lived SSE responses
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/messages", s.handleMessages)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /events", s.handleMonitor)
	s.mux.HandleFunc("POST /deploy", s.handleDeploy)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler exposes the full middleware-wrapped handler for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving HTTP requests. It blocks until the server shuts down.
func (s *Server) Start() error {
	log.Printf("gateway listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// corsMiddleware answers preflight requests and stamps permissive CORS
// headers on everything else. Browser-based monitor dashboards and chat
// gateways hit this server cross-origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, x-api-key, anthropic-version, x-session-key, x-regenerate")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, apiError{
		Type:  "error",
		Error: apiErrorBody{Type: errType, Message: message},
	})
}
