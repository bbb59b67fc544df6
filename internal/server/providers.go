package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleProviderList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Registry.List()})
}

func (s *Server) handleProviderShow(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Descriptor)
}

// handleProviderUpsert stores a credential named in the body.
func (s *Server) handleProviderUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		APIKey string `json:"apiKey"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.putCredential(w, req.ID, req.APIKey)
}

// handleProviderCredential stores a credential for the provider in the path.
func (s *Server) handleProviderCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.putCredential(w, chi.URLParam(r, "id"), req.APIKey)
}

func (s *Server) putCredential(w http.ResponseWriter, id, apiKey string) {
	if id == "" || apiKey == "" {
		writeError(w, http.StatusBadRequest, "id and apiKey are required")
		return
	}
	if err := s.deps.Creds.Put(id, apiKey); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": id})
}

func (s *Server) handleProviderHealthCheck(w http.ResponseWriter, r *http.Request) {
	results := s.deps.Registry.CheckHealth(r.Context())
	out := map[string]string{}
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   out,
		"providers": s.deps.Registry.List(),
	})
}
