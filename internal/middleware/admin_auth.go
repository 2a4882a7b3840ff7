package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/agentgate/internal/logger"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
)

// AdminKeyHeader carries the operator key.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth checks the operator key against a bcrypt hash.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth creates the middleware. The hash is validated by config.
func NewAdminAuth(hash string) *AdminAuth {
	return &AdminAuth{hash: []byte(hash)}
}

// Authenticate rejects requests without a matching X-Admin-Key.
func (m *AdminAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			WriteError(w, apperrors.ErrUnauthorized)
			return
		}
		if len(m.hash) == 0 || bcrypt.CompareHashAndPassword(m.hash, []byte(key)) != nil {
			logger.Warn(r.Context(), "admin key rejected", "path", r.URL.Path)
			WriteError(w, apperrors.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
