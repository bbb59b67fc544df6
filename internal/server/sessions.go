package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wopr-network/wopr/internal/store"
	"github.com/wopr-network/wopr/pkg/types"
)

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.deps.Store.List()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string                `json:"name"`
		Context  string                `json:"context"`
		Provider *types.ProviderConfig `json:"provider"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.deps.Store.SetContext(req.Name, req.Context); err != nil {
		fail(w, err)
		return
	}
	if req.Provider != nil {
		if _, err := s.deps.Registry.Get(req.Provider.Name); err != nil {
			fail(w, err)
			return
		}
		if err := s.deps.Store.SetProvider(req.Name, *req.Provider); err != nil {
			fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name})
}

func (s *Server) handleSessionShow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Store.Exists(name) {
		writeError(w, http.StatusNotFound, "unknown session "+strconv.Quote(name))
		return
	}
	context, err := s.deps.Store.Context(name)
	if err != nil {
		fail(w, err)
		return
	}
	provider, err := s.deps.Store.Provider(name)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, store.SessionInfo{
		Name:           name,
		ConversationID: s.deps.Store.SessionID(name),
		Context:        context,
		Provider:       provider,
		CreatedAt:      s.deps.Store.CreatedAt(name),
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Store.Exists(name) {
		writeError(w, http.StatusNotFound, "unknown session "+strconv.Quote(name))
		return
	}
	res, err := s.deps.Store.Delete(name, r.URL.Query().Get("reason"))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    res.Name,
		"history": len(res.History),
	})
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Message   string           `json:"message"`
		From      string           `json:"from"`
		Channel   string           `json:"channel"`
		Images    []types.ImageRef `json:"images"`
		Providers []string         `json:"providers"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.deps.Queue.Inject(r.Context(), name, req.Message, types.InjectOptions{
		From:      req.From,
		Channel:   req.Channel,
		Images:    req.Images,
		Providers: req.Providers,
		Source:    &types.InjectionSource{Type: types.SourceAPI, Origin: r.RemoteAddr},
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"response":  res.Response,
		"sessionId": res.SessionID,
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Message  string `json:"message"`
		From     string `json:"from"`
		Channel  string `json:"channel"`
		SenderID string `json:"senderId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	err := s.deps.Store.Log().LogMessage(name, req.Message, store.LogOptions{
		From:     req.From,
		SenderID: req.SenderID,
		Channel:  req.Channel,
	})
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logged": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.deps.Store.Exists(name) {
		writeError(w, http.StatusNotFound, "unknown session "+strconv.Quote(name))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := s.deps.Store.Log().Read(name, limit)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": s.deps.Queue.CancelActive(name),
	})
}
