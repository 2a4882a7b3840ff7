package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/notify"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/reputation"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/token"
	"github.com/agentgate/agentgate/internal/validation"
	"github.com/agentgate/agentgate/pkg/auth"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

// APIKeyPrefix marks long-lived agent credentials.
const APIKeyPrefix = "ag_"

// AgentIDPrefix is the prefix of minted agent identifiers.
const AgentIDPrefix = "agent"

const notifyTimeout = 30 * time.Second

// Options configure a GatewayService.
type Options struct {
	Namespace         string
	Scopes            []types.Scope
	DefaultRateLimit  types.RateLimit
	DefaultCurrency   string
	ChallengeTTL      time.Duration
	MaxAuthAge        time.Duration
	MaxVerifyAttempts int
	Passthrough       bool
	StoreTimeout      time.Duration
	Now               func() time.Time
}

// OptionsFromConfig maps the gateway policy onto service options.
func OptionsFromConfig(gw *config.GatewayConfig, passthrough bool, storeTimeout time.Duration) Options {
	return Options{
		Namespace:         gw.Service.Namespace,
		Scopes:            gw.Scopes,
		DefaultRateLimit:  gw.RateLimit,
		DefaultCurrency:   gw.DefaultCurrency(),
		ChallengeTTL:      gw.Auth.ChallengeTTL,
		MaxAuthAge:        gw.Auth.MaxAuthAge,
		MaxVerifyAttempts: gw.Auth.MaxVerifyAttempts,
		Passthrough:       passthrough,
		StoreTimeout:      storeTimeout,
	}
}

// Deps are the collaborators a GatewayService sequences. Notifier and
// Metrics may be nil.
type Deps struct {
	Store      storage.Store
	Tokens     *token.Issuer
	Reputation *reputation.Manager
	Limiter    *ratelimit.Limiter
	Spending   *spending.Tracker
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
}

// GatewayService runs the registration, authentication and guard flows.
type GatewayService struct {
	store      storage.Store
	protocol   *auth.Protocol
	tokens     *token.Issuer
	reputation *reputation.Manager
	limiter    *ratelimit.Limiter
	spending   *spending.Tracker
	notifier   notify.Notifier
	metrics    *metrics.Metrics

	opts   Options
	scopes map[string]types.Scope

	notifications sync.WaitGroup
}

// NewGatewayService creates a new gateway service
func NewGatewayService(deps Deps, opts Options) (*GatewayService, error) {
	if deps.Store == nil || deps.Tokens == nil || deps.Reputation == nil || deps.Limiter == nil || deps.Spending == nil {
		return nil, fmt.Errorf("gateway: store, tokens, reputation, limiter and spending are required")
	}
	if opts.Namespace == "" {
		opts.Namespace = config.DefaultNamespace
	}
	if opts.DefaultRateLimit.IsZero() {
		opts.DefaultRateLimit = config.DefaultRateLimit
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = config.DefaultCurrency
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = auth.DefaultChallengeTTL
	}
	if opts.MaxAuthAge <= 0 {
		opts.MaxAuthAge = auth.DefaultMaxAuthAge
	}
	if opts.MaxVerifyAttempts <= 0 {
		opts.MaxVerifyAttempts = config.DefaultMaxVerifyAttempts
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	scopes := make(map[string]types.Scope, len(opts.Scopes))
	for _, s := range opts.Scopes {
		scopes[s.ID] = s
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &GatewayService{
		store:      deps.Store,
		protocol:   auth.NewProtocol(opts.Namespace, opts.Now),
		tokens:     deps.Tokens,
		reputation: deps.Reputation,
		limiter:    deps.Limiter,
		spending:   deps.Spending,
		notifier:   notifier,
		metrics:    deps.Metrics,
		opts:       opts,
		scopes:     scopes,
	}, nil
}

// Protocol returns the challenge protocol bound to the service namespace.
func (s *GatewayService) Protocol() *auth.Protocol {
	return s.protocol
}

// Wait blocks until in-flight notifications have finished.
func (s *GatewayService) Wait() {
	s.notifications.Wait()
}

// storeCtx bounds a single store call.
func (s *GatewayService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

// storeFailure logs an infrastructure error and hides it behind
// service_unavailable so it is never mistaken for a missing record.
func storeFailure(ctx context.Context, op string, err error) error {
	logger.Error(ctx, "store operation failed", "op", op, "error", err)
	return apperrors.ErrServiceUnavailable
}

// RegisterRequest represents a request to register an agent
type RegisterRequest struct {
	PublicKey       string         `json:"publicKey"`
	ScopesRequested []string       `json:"scopesRequested"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	PaymentWallet   string         `json:"paymentWallet,omitempty"`
}

// ChallengeView is the part of a challenge revealed to the caller
type ChallengeView struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisterResponse represents the response from starting a registration
type RegisterResponse struct {
	AgentID   string        `json:"agentId"`
	Challenge ChallengeView `json:"challenge"`
}

// Register validates the request and issues a registration challenge. The
// agent record is only created once the challenge is verified.
func (s *GatewayService) Register(ctx context.Context, req RegisterRequest) (resp *RegisterResponse, err error) {
	defer func() { s.metrics.Registration("register", outcome(err)) }()

	if err := validation.ValidatePublicKey(req.PublicKey); err != nil {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("publicKey: %v", err))
	}
	if err := validation.ValidateScopesRequested(req.ScopesRequested); err != nil {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("scopesRequested: %v", err))
	}
	if err := validation.ValidateMetadata(req.Metadata); err != nil {
		return nil, apperrors.InvalidRequest(fmt.Sprintf("metadata: %v", err))
	}
	if req.PaymentWallet != "" {
		if err := validation.ValidatePaymentWallet(req.PaymentWallet); err != nil {
			return nil, apperrors.InvalidRequest(fmt.Sprintf("paymentWallet: %v", err))
		}
	}

	var invalid []string
	for _, scope := range req.ScopesRequested {
		if _, ok := s.scopes[scope]; !ok {
			invalid = append(invalid, scope)
		}
	}
	if len(invalid) > 0 {
		return nil, apperrors.InvalidScopes(invalid)
	}

	sctx, cancel := s.storeCtx(ctx)
	existing, err := s.store.GetAgentByPublicKey(sctx, req.PublicKey)
	cancel()
	if err != nil {
		return nil, storeFailure(ctx, "get_agent_by_public_key", err)
	}
	if existing != nil {
		return nil, apperrors.AlreadyRegistered()
	}

	agentID := auth.RandomID(AgentIDPrefix)
	challenge, err := s.protocol.CreateChallenge(agentID, s.opts.ChallengeTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}
	challenge.Pending = &types.PendingRegistration{
		PublicKey:     req.PublicKey,
		Scopes:        append([]string{}, req.ScopesRequested...),
		Metadata:      req.Metadata,
		PaymentWallet: req.PaymentWallet,
	}

	sctx, cancel = s.storeCtx(ctx)
	err = s.store.CreateChallenge(sctx, challenge)
	cancel()
	if err != nil {
		return nil, storeFailure(ctx, "create_challenge", err)
	}

	logger.Info(ctx, "registration challenge issued", "agent_id", agentID, "scopes", req.ScopesRequested)

	return &RegisterResponse{
		AgentID: agentID,
		Challenge: ChallengeView{
			Nonce:     challenge.Nonce,
			Message:   challenge.Message,
			ExpiresAt: challenge.ExpiresAt,
		},
	}, nil
}

// VerifyRequest represents a signed registration challenge
type VerifyRequest struct {
	AgentID   string `json:"agentId"`
	Signature string `json:"signature"`
}

// VerifyResponse carries the credentials of a newly registered agent. APIKey
// is only ever returned here.
type VerifyResponse struct {
	AgentID        string          `json:"agentId"`
	APIKey         string          `json:"apiKey"`
	ScopesGranted  []string        `json:"scopesGranted"`
	Token          string          `json:"token"`
	TokenExpiresAt time.Time       `json:"tokenExpiresAt"`
	RateLimit      types.RateLimit `json:"rateLimit"`
}

// VerifyRegistration completes a registration. An invalid signature leaves
// the challenge in place for a retry until the attempt bound is reached.
func (s *GatewayService) VerifyRegistration(ctx context.Context, req VerifyRequest) (resp *VerifyResponse, err error) {
	defer func() { s.metrics.Registration("verify", outcome(err)) }()

	if req.AgentID == "" || req.Signature == "" {
		return nil, apperrors.InvalidRequest("agentId and signature are required")
	}
	ctx = logger.WithAgentID(ctx, req.AgentID)

	sctx, cancel := s.storeCtx(ctx)
	challenge, err := s.store.GetChallenge(sctx, req.AgentID)
	cancel()
	if err != nil {
		return nil, storeFailure(ctx, "get_challenge", err)
	}
	if challenge == nil || challenge.Pending == nil {
		return nil, apperrors.ChallengeNotFound(req.AgentID)
	}

	if err := s.protocol.VerifyChallenge(challenge, req.Signature, challenge.Pending.PublicKey); err != nil {
		switch {
		case errors.Is(err, auth.ErrChallengeExpired):
			s.discardChallenge(ctx, req.AgentID)
			return nil, apperrors.ChallengeExpired("challenge expired")
		case errors.Is(err, auth.ErrInvalidSignature):
			return nil, s.recordFailedAttempt(ctx, challenge)
		default:
			return nil, fmt.Errorf("failed to verify challenge: %w", err)
		}
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	pending := challenge.Pending
	sctx, cancel = s.storeCtx(ctx)
	agent, err := s.store.CreateAgent(sctx, types.CreateAgentInput{
		ID:            req.AgentID,
		PublicKey:     pending.PublicKey,
		APIKeyHash:    auth.Hash([]byte(apiKey)),
		ScopesGranted: pending.Scopes,
		RateLimit:     s.opts.DefaultRateLimit,
		Metadata:      pending.Metadata,
		PaymentWallet: pending.PaymentWallet,
	})
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateAgent) {
			s.discardChallenge(ctx, req.AgentID)
			return nil, apperrors.AlreadyRegistered()
		}
		return nil, storeFailure(ctx, "create_agent", err)
	}

	s.discardChallenge(ctx, req.AgentID)

	tok, expiresAt, err := s.tokens.Issue(agent.ID, agent.ScopesGranted)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.notifyRegistered(ctx, agent)
	logger.Info(ctx, "agent registered", "scopes", agent.ScopesGranted)

	return &VerifyResponse{
		AgentID:        agent.ID,
		APIKey:         apiKey,
		ScopesGranted:  agent.ScopesGranted,
		Token:          tok,
		TokenExpiresAt: expiresAt,
		RateLimit:      agent.RateLimit,
	}, nil
}

// recordFailedAttempt counts a bad signature against the challenge and
// retires it once the bound is reached.
func (s *GatewayService) recordFailedAttempt(ctx context.Context, challenge *types.Challenge) error {
	challenge.Attempts++
	logger.Warn(ctx, "registration signature rejected", "attempt", challenge.Attempts)

	if challenge.Attempts >= s.opts.MaxVerifyAttempts {
		s.discardChallenge(ctx, challenge.AgentID)
		return apperrors.ChallengeExpired("too many attempts")
	}

	sctx, cancel := s.storeCtx(ctx)
	err := s.store.CreateChallenge(sctx, challenge)
	cancel()
	if err != nil {
		return storeFailure(ctx, "create_challenge", err)
	}
	return apperrors.InvalidSignature("signature does not match challenge")
}

// discardChallenge deletes a consumed challenge. Failure only delays cleanup.
func (s *GatewayService) discardChallenge(ctx context.Context, agentID string) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.store.DeleteChallenge(sctx, agentID); err != nil {
		logger.Warn(ctx, "failed to delete challenge", "error", err)
	}
}

// notifyRegistered delivers the registration event in the background.
func (s *GatewayService) notifyRegistered(ctx context.Context, agent *types.Agent) {
	event := notify.AgentRegistered{
		Event:         notify.EventAgentRegistered,
		AgentID:       agent.ID,
		PublicKey:     agent.PublicKey,
		Scopes:        append([]string{}, agent.ScopesGranted...),
		Metadata:      agent.Clone().Metadata,
		PaymentWallet: agent.PaymentWallet,
		Timestamp:     agent.CreatedAt,
	}

	bg := context.WithoutCancel(ctx)
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		nctx, cancel := context.WithTimeout(bg, notifyTimeout)
		defer cancel()
		if err := s.notifier.AgentRegistered(nctx, event); err != nil {
			s.metrics.NotifyFailed()
			logger.Warn(nctx, "agent registered notification failed", "error", err)
		}
	}()
}

// AuthRequest represents a signed re-authentication request
type AuthRequest struct {
	AgentID   string `json:"agentId"`
	Timestamp string `json:"timestamp"`
	Signature string `json:"signature"`
}

// AuthResponse carries a fresh short-lived token
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authenticate verifies a timestamped signature from a registered agent and
// issues a new token.
func (s *GatewayService) Authenticate(ctx context.Context, req AuthRequest) (resp *AuthResponse, err error) {
	defer func() { s.metrics.Authentication(outcome(err)) }()

	if req.AgentID == "" || req.Timestamp == "" || req.Signature == "" {
		return nil, apperrors.InvalidRequest("agentId, timestamp and signature are required")
	}
	ctx = logger.WithAgentID(ctx, req.AgentID)

	sctx, cancel := s.storeCtx(ctx)
	agent, err := s.store.GetAgent(sctx, req.AgentID)
	cancel()
	if err != nil {
		return nil, storeFailure(ctx, "get_agent", err)
	}
	if agent == nil {
		return nil, apperrors.AgentNotFound(req.AgentID)
	}

	if err := s.protocol.VerifyAuthRequest(req.AgentID, req.Timestamp, req.Signature, agent.PublicKey, s.opts.MaxAuthAge); err != nil {
		logger.Warn(ctx, "authentication rejected", "error", err)
		if errors.Is(err, auth.ErrTimestampInvalid) {
			return nil, apperrors.TimestampInvalid(err.Error())
		}
		return nil, apperrors.InvalidSignature("signature does not match auth message")
	}

	if agent.Status != types.AgentStatusActive {
		return nil, apperrors.AgentInactive(string(agent.Status))
	}

	tok, expiresAt, err := s.tokens.Issue(agent.ID, agent.ScopesGranted)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	now := s.opts.Now().UTC()
	sctx, cancel = s.storeCtx(ctx)
	_, err = s.store.UpdateAgent(sctx, agent.ID, types.AgentUpdate{LastAuthAt: &now})
	cancel()
	if err != nil {
		if errors.Is(err, storage.ErrAgentNotFound) {
			return nil, apperrors.AgentNotFound(req.AgentID)
		}
		return nil, storeFailure(ctx, "update_agent", err)
	}

	return &AuthResponse{Token: tok, ExpiresAt: expiresAt}, nil
}

// generateAPIKey returns a new long-lived agent credential. It contains no
// dots, so it can never be mistaken for a token.
func generateAPIKey() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(secretBytes), nil
}

// outcome labels an operation result for metrics.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperrors.CodeOf(err)
}
