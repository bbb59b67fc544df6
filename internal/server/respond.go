package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wopr-network/wopr/internal/registry"
	"github.com/wopr-network/wopr/internal/scheduler"
	"github.com/wopr-network/wopr/internal/security"
	"github.com/wopr-network/wopr/internal/store"
)

// errorBody is the uniform JSON error shape.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// fail maps a domain error onto its HTTP status.
func fail(w http.ResponseWriter, err error) {
	switch {
	case security.IsAccessDenied(err):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrInvalidName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnknownProvider),
		errors.Is(err, scheduler.ErrUnknownTrigger),
		errors.Is(err, security.ErrUnknownBundle):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrDuplicateName):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNoProviderAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decode reads a JSON body, rejecting unknown junk sizes but not fields.
func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
