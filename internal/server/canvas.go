package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleCanvasPage serves the live board shell. The embedded WS ticket lets
// the page authenticate without exposing the API token to the browser.
func (s *Server) handleCanvasPage(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	token := ""
	if s.deps.Tickets != nil {
		token = s.deps.Tickets.Issue()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(s.deps.Canvas.Page(session, token)))
}

func (s *Server) handleCanvasSnapshot(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.deps.Canvas.Snapshot(session),
	})
}

func (s *Server) handleCanvasPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HTML string `json:"html"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HTML == "" {
		writeError(w, http.StatusBadRequest, "html is required")
		return
	}
	item := s.deps.Canvas.Push(chi.URLParam(r, "session"), req.HTML)
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleCanvasRemove(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	id := chi.URLParam(r, "id")
	if !s.deps.Canvas.Remove(session, id) {
		writeError(w, http.StatusNotFound, "unknown canvas item "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleCanvasReset(w http.ResponseWriter, r *http.Request) {
	s.deps.Canvas.Reset(chi.URLParam(r, "session"))
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}
