package api

import (
	"errors"
	"net/http"

	"github.com/issuesink/issuesink/internal/issuesink"
)

// writeAPIError translates a core-package error into the status-code map
// (spec §6/§7): every HTTP handler funnels its error through this single
// boundary rather than repeating the taxonomy switch inline.
func writeAPIError(w http.ResponseWriter, err error) {
	var blocked *issuesink.BlockedError
	var transition *issuesink.TransitionError

	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error":   blocked.Error(),
			"reason":  blocked.Reason,
			"pattern": blocked.Pattern,
		})
	case errors.As(err, &transition):
		writeError(w, http.StatusBadRequest, transition.Error())
	case errors.Is(err, issuesink.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, issuesink.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, issuesink.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, issuesink.ErrPreconditionFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, issuesink.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, issuesink.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
