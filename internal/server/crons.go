package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCronList(w http.ResponseWriter, _ *http.Request) {
	crons, oneShots := s.deps.Scheduler.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"crons":    crons,
		"oneShots": oneShots,
	})
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Expr    string `json:"expr"`
		At      int64  `json:"at"`
		Session string `json:"session"`
		Message string `json:"message"`
		Once    bool   `json:"once"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Session == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session and message are required")
		return
	}

	var err error
	switch {
	case req.Expr != "" && req.At != 0:
		writeError(w, http.StatusBadRequest, "expr and at are mutually exclusive")
		return
	case req.Expr != "":
		err = s.deps.Scheduler.AddCron(req.Name, req.Expr, req.Session, req.Message, req.Once)
	case req.At != 0:
		err = s.deps.Scheduler.AddAt(req.Name, req.At, req.Session, req.Message)
	default:
		writeError(w, http.StatusBadRequest, "either expr or at is required")
		return
	}
	if err != nil {
		if strings.Contains(err.Error(), "parse") || strings.Contains(err.Error(), "empty") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name})
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Remove(chi.URLParam(r, "name")); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}
