package middleware

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/agentgate/agentgate/pkg/errors"
)

// WriteError writes err as a JSON error body. Errors that are not AppErrors
// are reported as internal_error without leaking their text.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.IsAppError(err)
	if !ok {
		appErr = apperrors.ErrInternalError
	}
	if appErr.StatusCode == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="agentgate"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	_ = json.NewEncoder(w).Encode(appErr)
}
