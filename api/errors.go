package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/keyward/kra"
	"github.com/jmcleod/keyward/profile"
	"github.com/jmcleod/keyward/request"
	"github.com/jmcleod/keyward/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates classified service errors into response codes. The
// distinctions matter: an ownership violation must never read as not-found,
// and a canceled request is gone, not forbidden.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, profile.ErrRejected):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, profile.ErrDuplicatePolicy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, profile.ErrPluginNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, profile.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, kra.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, kra.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, kra.ErrGone):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, kra.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, request.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
