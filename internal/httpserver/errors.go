package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"leadcast/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrAdminKey         = "invalid admin key"
)

const (
	statusSuccess = "success"
	statusError   = "error"
	statusQueued  = "queued"
)

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorText(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Status: statusError, Error: msg})
}

// writeError maps domain error kinds onto HTTP codes. Unclassified errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeErrorText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAuthentication):
		writeErrorText(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeErrorText(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		slog.Error("request failed on configuration", "err", err, "path", r.URL.Path)
		writeErrorText(w, http.StatusInternalServerError, err.Error())
	default:
		slog.Error("request failed", "err", err, "path", r.URL.Path)
		writeErrorText(w, http.StatusInternalServerError, ErrDependency)
	}
}
