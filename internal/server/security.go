package server

import (
	"net/http"

	"github.com/wopr-network/wopr/internal/hub"
	"github.com/wopr-network/wopr/internal/security"
)

func (s *Server) handleSecurityShow(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config": s.deps.Security.Config(),
		// Effective mode folds in the env override; stored does not.
		"effectiveEnforcement": s.deps.Security.EnforcementMode(),
		"storedEnforcement":    s.deps.Security.StoredEnforcement(),
	})
}

func (s *Server) handleSecuritySave(w http.ResponseWriter, r *http.Request) {
	var cfg security.Config
	if err := decode(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !cfg.Enforcement.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid enforcement mode "+string(cfg.Enforcement))
		return
	}
	if err := s.deps.Security.Save(&cfg); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true})
}

func (s *Server) handleTicket(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":    s.deps.Tickets.Issue(),
		"expiresIn": hub.DefaultTicketTTL.Seconds(),
	})
}

func (s *Server) handleBundleList(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Security.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"bundles": cfg.Bundles,
		"active":  cfg.ActiveBundles,
	})
}

func (s *Server) handleBundleDefine(w http.ResponseWriter, r *http.Request) {
	var b security.Bundle
	if err := decode(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if b.Name == "" || len(b.Capabilities) == 0 {
		writeError(w, http.StatusBadRequest, "name and capabilities are required")
		return
	}
	if err := s.deps.Security.DefineBundle(b); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": b.Name})
}

func (s *Server) handleBundleActivate(w http.ResponseWriter, r *http.Request) {
	s.bundleToggle(w, r, s.deps.Security.ActivateBundle)
}

func (s *Server) handleBundleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.bundleToggle(w, r, s.deps.Security.DeactivateBundle)
}

func (s *Server) bundleToggle(w http.ResponseWriter, r *http.Request, op func(string) error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := op(req.Name); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.deps.Security.Config().ActiveBundles,
	})
}
