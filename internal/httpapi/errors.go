package httpapi

import (
	"errors"
	"net/http"

	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/store"
	"github.com/nextlevelbuilder/loom/internal/tools"
)

// statusFor maps the store/tool/provider error taxonomy to HTTP status
// codes. Backends wrap the sentinels, so errors.Is does the work.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tools.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, providers.ErrNoAccount):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
