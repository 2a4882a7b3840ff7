package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/reputation"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/validation"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

// GetAgent returns the full agent record.
func (s *GatewayService) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	agent, err := s.store.GetAgent(sctx, agentID)
	if err != nil {
		return nil, storeFailure(ctx, "get_agent", err)
	}
	if agent == nil {
		return nil, apperrors.AgentNotFound(agentID)
	}
	return agent, nil
}

// AdminUpdateRequest represents an operator change to an agent. Nil fields
// are left untouched.
type AdminUpdateRequest struct {
	Status       *types.AgentStatus `json:"status,omitempty"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	RevokeScopes []string           `json:"revokeScopes,omitempty"`
	Reputation   *float64           `json:"reputation,omitempty"`
	RateLimit    *types.RateLimit   `json:"rateLimit,omitempty"`
}

// UpdateAgent applies an operator change.
func (s *GatewayService) UpdateAgent(ctx context.Context, agentID string, req AdminUpdateRequest) (*types.Agent, error) {
	ctx = logger.WithAgentID(ctx, agentID)

	update := types.AgentUpdate{Metadata: req.Metadata}

	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, apperrors.InvalidRequest(fmt.Sprintf("unknown status %q", *req.Status))
		}
		update.Status = req.Status
	}
	if req.Metadata != nil {
		if err := validation.ValidateMetadata(req.Metadata); err != nil {
			return nil, apperrors.InvalidRequest(fmt.Sprintf("metadata: %v", err))
		}
	}
	if req.Reputation != nil {
		score := s.reputation.Clamp(*req.Reputation)
		update.Reputation = &score
	}
	if req.RateLimit != nil {
		if req.RateLimit.IsZero() {
			return nil, apperrors.InvalidRequest("rateLimit requires positive requests and window")
		}
		update.RateLimit = req.RateLimit
	}

	if len(req.RevokeScopes) > 0 {
		revoke := slices.Clone(req.RevokeScopes)
		update.AdjustScopes = func(current []string) []string {
			return slices.DeleteFunc(current, func(scope string) bool {
				return slices.Contains(revoke, scope)
			})
		}
	}

	sctx, cancel := s.storeCtx(ctx)
	agent, err := s.store.UpdateAgent(sctx, agentID, update)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			return nil, apperrors.AgentNotFound(agentID)
		}
		return nil, storeFailure(ctx, "update_agent", err)
	}

	logger.Info(ctx, "agent updated by operator", "status", agent.Status, "scopes", agent.ScopesGranted)
	return agent, nil
}

// DeleteAgent removes the agent, its pending challenge and its in-process
// quota and spending state.
func (s *GatewayService) DeleteAgent(ctx context.Context, agentID string) error {
	ctx = logger.WithAgentID(ctx, agentID)

	sctx, cancel := s.storeCtx(ctx)
	existed, err := s.store.DeleteAgent(sctx, agentID)
	cancel()
	if err != nil {
		return storeFailure(ctx, "delete_agent", err)
	}
	if !existed {
		return apperrors.AgentNotFound(agentID)
	}

	s.limiter.Reset(agentID)
	for id := range s.scopes {
		s.limiter.Reset(agentID + ":" + id)
	}
	s.spending.ResetSpending(agentID, "")
	s.spending.RemoveAgentCaps(agentID)

	logger.Info(ctx, "agent deleted by operator")
	return nil
}

// SetAgentCaps replaces the default caps for one agent.
func (s *GatewayService) SetAgentCaps(ctx context.Context, agentID string, caps []spending.Cap) ([]spending.Cap, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if err := s.spending.SetAgentCaps(agentID, caps); err != nil {
		return nil, apperrors.InvalidRequest(err.Error())
	}
	return s.spending.CapsFor(agentID), nil
}

// RemoveAgentCaps reverts an agent to the default caps.
func (s *GatewayService) RemoveAgentCaps(ctx context.Context, agentID string) error {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return err
	}
	s.spending.RemoveAgentCaps(agentID)
	return nil
}

// ResetSpending clears one period, or every period when period is empty.
func (s *GatewayService) ResetSpending(ctx context.Context, agentID string, period spending.Period) error {
	if period != "" && !period.Valid() {
		return apperrors.InvalidRequest(fmt.Sprintf("unknown period %q", period))
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return err
	}
	s.spending.ResetSpending(agentID, period)
	return nil
}

// SpendingReport describes an agent's caps and current-period totals.
type SpendingReport struct {
	AgentID string            `json:"agentId"`
	Caps    []spending.Cap    `json:"caps"`
	Records []spending.Record `json:"records"`
}

// Spending returns the agent's spending report.
func (s *GatewayService) Spending(ctx context.Context, agentID string) (*SpendingReport, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	report := &SpendingReport{
		AgentID: agentID,
		Caps:    s.spending.CapsFor(agentID),
		Records: s.spending.Report(agentID),
	}
	if report.Caps == nil {
		report.Caps = []spending.Cap{}
	}
	if report.Records == nil {
		report.Records = []spending.Record{}
	}
	return report, nil
}

// PaymentRequest reports the outcome of a payment made by an agent.
type PaymentRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Success  bool    `json:"success"`
}

// PaymentResponse is the agent state after a payment event.
type PaymentResponse struct {
	Reputation float64            `json:"reputation"`
	TotalSpend map[string]float64 `json:"totalSpend"`
	Records    []spending.Record  `json:"records,omitempty"`
}

// RecordPayment scores a payment and, when it succeeded, records the amount
// against the agent's caps.
func (s *GatewayService) RecordPayment(ctx context.Context, agentID string, req PaymentRequest) (*PaymentResponse, error) {
	ctx = logger.WithAgentID(ctx, agentID)

	if req.Amount <= 0 {
		return nil, apperrors.InvalidRequest("amount must be positive")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}

	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	update := types.AgentUpdate{AdjustReputation: s.reputation.Adjuster(reputation.EventPaymentFailed)}
	if req.Success {
		update.AdjustReputation = s.reputation.Adjuster(reputation.EventPaymentSuccess)
		update.IncrementSpend = map[string]float64{currency: req.Amount}
	}

	sctx, cancel := s.storeCtx(ctx)
	agent, err := s.store.UpdateAgent(sctx, agentID, update)
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			return nil, apperrors.AgentNotFound(agentID)
		}
		return nil, storeFailure(ctx, "update_agent", err)
	}

	// Tracker spend follows the stored spend.
	var records []spending.Record
	if req.Success {
		records = s.spending.RecordSpend(agentID, req.Amount, currency)
		s.metrics.Spend(currency, req.Amount)
	}

	logger.Info(ctx, "payment recorded", "amount", req.Amount, "currency", currency, "success", req.Success)
	return &PaymentResponse{
		Reputation: agent.Reputation,
		TotalSpend: agent.TotalSpend,
		Records:    records,
	}, nil
}
