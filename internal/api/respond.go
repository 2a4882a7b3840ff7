package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentgate/agentgate/internal/middleware"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
)

const errCodeMethodNotAllowed = "method_not_allowed"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.New(apperrors.ErrCodeInvalidRequest, "Request body too large", http.StatusRequestEntityTooLarge)
		}
		return apperrors.InvalidRequest("invalid JSON body")
	}
	return nil
}

// allowMethods writes 405 and returns false unless r uses one of methods.
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, apperrors.New(errCodeMethodNotAllowed, "Method not allowed", http.StatusMethodNotAllowed))
	return false
}
