package api

import (
	"net/http"
	"strings"

	"github.com/agentgate/agentgate/internal/app"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/validation"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
)

// handleAdminAgents routes /admin/agents/{id}[/caps|/spending|/spending/reset|/payments]
func (s *Server) handleAdminAgents(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/agents/")
	agentID, sub, _ := strings.Cut(path, "/")
	if err := validation.ValidateAgentID(agentID); err != nil {
		writeError(w, apperrors.InvalidRequest(err.Error()))
		return
	}

	switch sub {
	case "":
		s.handleAdminAgent(w, r, agentID)
	case "caps":
		s.handleAdminCaps(w, r, agentID)
	case "spending":
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		report, err := s.svc.Spending(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "spending/reset":
		s.handleAdminResetSpending(w, r, agentID)
	case "payments":
		s.handleAdminPayment(w, r, agentID)
	default:
		writeError(w, apperrors.ErrNotFound)
	}
}

func (s *Server) handleAdminAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	switch r.Method {
	case http.MethodGet:
		agent, err := s.svc.GetAgent(r.Context(), agentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)

	case http.MethodPatch:
		var req app.AdminUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		agent, err := s.svc.UpdateAgent(r.Context(), agentID, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)

	case http.MethodDelete:
		if err := s.svc.DeleteAgent(r.Context(), agentID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		allowMethods(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (s *Server) handleAdminCaps(w http.ResponseWriter, r *http.Request, agentID string) {
	switch r.Method {
	case http.MethodPut:
		var req struct {
			Caps []spending.Cap `json:"caps"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		caps, err := s.svc.SetAgentCaps(r.Context(), agentID, req.Caps)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "caps": caps})

	case http.MethodDelete:
		if err := s.svc.RemoveAgentCaps(r.Context(), agentID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		allowMethods(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) handleAdminResetSpending(w http.ResponseWriter, r *http.Request, agentID string) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Period spending.Period `json:"period"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.svc.ResetSpending(r.Context(), agentID, req.Period); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminPayment(w http.ResponseWriter, r *http.Request, agentID string) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	var req app.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.svc.RecordPayment(r.Context(), agentID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
