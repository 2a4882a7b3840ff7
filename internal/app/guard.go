package app

import (
	"context"
	"errors"
	"time"

	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/reputation"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/token"
	"github.com/agentgate/agentgate/pkg/auth"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

// GuardRequest is one protected call. Scope may be empty for routes that
// only require a valid identity.
type GuardRequest struct {
	Credential string
	Scope      string
}

// GuardResult is the outcome of a guard check. It is returned alongside a
// rejection too, so adapters can still emit rate-limit headers.
type GuardResult struct {
	// Agent is nil for passthrough requests.
	Agent       *types.AgentContext
	Passthrough bool

	RateLimit         *ratelimit.Result
	ReputationWarning *reputation.GateResult
	SpendingWarning   *spending.CheckResult
}

// Guard resolves the credential and runs the reputation gate, rate limiter
// and spending tracker in that order. A rejection at any stage stops the
// pipeline before later stages consume quota or record spend.
func (s *GatewayService) Guard(ctx context.Context, req GuardRequest) (result *GuardResult, err error) {
	start := time.Now()
	defer func() { s.metrics.GuardDecision(req.Scope, outcome(err), time.Since(start)) }()

	agent, err := s.resolveCredential(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		if s.opts.Passthrough {
			return &GuardResult{Passthrough: true}, nil
		}
		return nil, apperrors.ErrUnauthorized
	}
	ctx = logger.WithAgentID(ctx, agent.ID)

	if agent.Status != types.AgentStatusActive {
		logger.Warn(ctx, "guard rejected inactive agent", "status", agent.Status)
		return nil, apperrors.AgentInactive(string(agent.Status))
	}

	if req.Scope != "" && !agent.HasScope(req.Scope) {
		logger.Warn(ctx, "guard rejected missing scope", "scope", req.Scope)
		return nil, apperrors.InsufficientScope(req.Scope)
	}

	result = &GuardResult{}

	gate := s.reputation.CheckGate(agent.Reputation, req.Scope)
	if !gate.Allowed {
		s.applyEvent(ctx, agent.ID, reputation.EventRequestBlocked)
		logger.Warn(ctx, "guard rejected by reputation gate", "required", gate.RequiredScore, "current", gate.CurrentScore)
		return result, apperrors.InsufficientReputation(gate.RequiredScore, gate.CurrentScore)
	}
	if gate.Action == reputation.ActionWarn {
		result.ReputationWarning = &gate
	}

	key, quota := s.rateLimitFor(agent, req.Scope)
	rl := s.limiter.Check(key, quota.Requests, quota.Window)
	result.RateLimit = &rl
	if !rl.Allowed {
		s.applyEvent(ctx, agent.ID, reputation.EventRateLimited)
		logger.Warn(ctx, "guard rejected by rate limit", "limit", rl.Limit, "retry_after_ms", rl.RetryAfterMs)
		return result, apperrors.RateLimited(rl.Limit, rl.Remaining, rl.RetryAfterMs)
	}

	var (
		spend   map[string]float64
		charged []spending.Record
		price   float64
	)
	if scope, ok := s.scopes[req.Scope]; ok && scope.Price > 0 {
		currency := scope.Currency
		if currency == "" {
			currency = s.opts.DefaultCurrency
		}
		check, records := s.spending.Charge(agent.ID, scope.Price, currency)
		if !check.Allowed {
			s.applyEvent(ctx, agent.ID, reputation.EventRequestBlocked)
			logger.Warn(ctx, "guard rejected by spending cap", "cap", check.CapAmount, "current", check.CurrentSpend, "currency", check.Currency)
			return result, apperrors.SpendingCapExceeded(check.CapAmount, check.CurrentSpend, check.Currency, string(check.Period))
		}
		if check.Warning {
			result.SpendingWarning = &check
		}
		spend = map[string]float64{currency: scope.Price}
		charged, price = records, scope.Price
	}

	now := s.opts.Now().UTC()
	sctx, cancel := s.storeCtx(ctx)
	updated, err := s.store.UpdateAgent(sctx, agent.ID, types.AgentUpdate{
		LastAuthAt:        &now,
		IncrementRequests: 1,
		IncrementSpend:    spend,
		AdjustReputation:  s.reputation.Adjuster(reputation.EventRequestSuccess),
	})
	cancel()
	if err != nil {
		// Undo the charge of a request that never completed.
		s.spending.Refund(agent.ID, price, charged)
		if errors.Is(err, storage.ErrAgentNotFound) {
			return nil, apperrors.ErrUnauthorized
		}
		return nil, storeFailure(ctx, "update_agent", err)
	}
	for currency, amount := range spend {
		s.metrics.Spend(currency, amount)
	}

	result.Agent = updated.Context()
	return result, nil
}

// resolveCredential maps a bearer credential to its agent. It returns
// (nil, nil) when the credential does not identify anyone.
func (s *GatewayService) resolveCredential(ctx context.Context, credential string) (*types.Agent, error) {
	if credential == "" {
		return nil, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if token.LooksLikeJWT(credential) {
		claims, err := s.tokens.Parse(credential)
		if err != nil {
			logger.Debug(ctx, "token rejected", "error", err)
			return nil, nil
		}
		agent, err := s.store.GetAgent(sctx, claims.Subject)
		if err != nil {
			return nil, storeFailure(ctx, "get_agent", err)
		}
		return agent, nil
	}

	agent, err := s.store.GetAgentByAPIKeyHash(sctx, auth.Hash([]byte(credential)))
	if err != nil {
		return nil, storeFailure(ctx, "get_agent_by_api_key_hash", err)
	}
	return agent, nil
}

// rateLimitFor picks the bucket for a request. A scope with its own quota
// gets a dedicated bucket per agent.
func (s *GatewayService) rateLimitFor(agent *types.Agent, scope string) (string, types.RateLimit) {
	if sc, ok := s.scopes[scope]; ok && sc.RateLimit != nil && !sc.RateLimit.IsZero() {
		return agent.ID + ":" + scope, *sc.RateLimit
	}
	if !agent.RateLimit.IsZero() {
		return agent.ID, agent.RateLimit
	}
	return agent.ID, s.opts.DefaultRateLimit
}

// applyEvent moves the agent's score inside the store's atomic update. The
// rejection it accompanies stands even if the update fails.
func (s *GatewayService) applyEvent(ctx context.Context, agentID string, event reputation.Event) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if _, err := s.store.UpdateAgent(sctx, agentID, types.AgentUpdate{
		AdjustReputation: s.reputation.Adjuster(event),
	}); err != nil {
		logger.Error(ctx, "failed to apply reputation event", "event", event, "error", err)
	}
}
