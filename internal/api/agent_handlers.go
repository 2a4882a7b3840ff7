package api

import (
	"net/http"

	"github.com/agentgate/agentgate/internal/app"
	"github.com/agentgate/agentgate/internal/middleware"
)

// RequiredScopeHeader names the scope a forward-auth check is for.
const RequiredScopeHeader = "X-Required-Scope"

// Identity headers returned by forward-auth and set on proxied requests.
const (
	AgentIDHeader     = "X-Agent-Id"
	AgentScopesHeader = "X-Agent-Scopes"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req app.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.svc.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req app.VerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.svc.VerifyRegistration(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req app.AuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := s.svc.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// handleGuardCheck answers forward-auth subrequests: 200 with identity
// headers when the request may proceed, the guard rejection otherwise.
func (s *Server) handleGuardCheck(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	ctx, ok := s.guard.Check(w, r, r.Header.Get(RequiredScopeHeader))
	if !ok {
		return
	}

	agent := middleware.GetAgent(ctx)
	if agent == nil {
		writeJSON(w, http.StatusOK, map[string]any{"passthrough": true})
		return
	}
	setIdentityHeaders(w.Header(), agent)
	writeJSON(w, http.StatusOK, agent)
}
