package server

import "net/http"

// toggleRequest is shared by the middleware and context-provider routes.
type toggleRequest struct {
	Name     string `json:"name"`
	Enabled  *bool  `json:"enabled"`
	Priority *int   `json:"priority"`
}

func (s *Server) handleMiddlewareList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"middleware": s.deps.Chain.List()})
}

func (s *Server) handleMiddlewareToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || (req.Enabled == nil && req.Priority == nil) {
		writeError(w, http.StatusBadRequest, "name plus enabled or priority required")
		return
	}
	ok := true
	if req.Enabled != nil {
		ok = s.deps.Chain.SetEnabled(req.Name, *req.Enabled) && ok
	}
	if req.Priority != nil {
		ok = s.deps.Chain.SetPriority(req.Name, *req.Priority) && ok
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown middleware "+req.Name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"middleware": s.deps.Chain.List()})
}

func (s *Server) handleContextList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Assembly.List()})
}

func (s *Server) handleContextToggle(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || (req.Enabled == nil && req.Priority == nil) {
		writeError(w, http.StatusBadRequest, "name plus enabled or priority required")
		return
	}
	ok := true
	if req.Enabled != nil {
		ok = s.deps.Assembly.SetEnabled(req.Name, *req.Enabled) && ok
	}
	if req.Priority != nil {
		ok = s.deps.Assembly.SetPriority(req.Name, *req.Priority) && ok
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown context provider "+req.Name)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.deps.Assembly.List()})
}
