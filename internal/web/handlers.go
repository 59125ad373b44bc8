package web

import (
	"net/http"

	"github.com/joestump/claude-relay/internal/config"
)

var features = []string{
	"messages",
	"streaming",
	"sessions",
	"identity_migration",
	"regenerate",
	"monitor",
	"deploy",
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        config.Version,
		"features":       features,
		"monitorClients": s.hub.ClientCount(),
	})
}

// handleModels advertises the three model families the CLI accepts. Clients
// pick by family; full ecosystem ids normalize to the same names anyway.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		DisplayName string `json:"display_name"`
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": []model{
			{ID: "opus", Type: "model", DisplayName: "Opus"},
			{ID: "sonnet", Type: "model", DisplayName: "Sonnet"},
			{ID: "haiku", Type: "model", DisplayName: "Haiku"},
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "unknown route: "+r.URL.Path)
}
