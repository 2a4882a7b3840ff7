package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentgate/agentgate/internal/app"
	"github.com/agentgate/agentgate/internal/logger"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

type agentContextKey struct{}

// Response headers set on guarded requests.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderReputationWarning  = "X-Reputation-Warning"
	HeaderSpendingWarning    = "X-Spending-Warning"
)

// Guarder runs the guard pipeline for one request.
type Guarder interface {
	Guard(ctx context.Context, req app.GuardRequest) (*app.GuardResult, error)
}

// Guard adapts the gateway guard to net/http.
type Guard struct {
	svc Guarder
}

// NewGuard creates a guard middleware factory
func NewGuard(svc Guarder) *Guard {
	return &Guard{svc: svc}
}

// Require protects next with scope. An empty scope only requires a valid
// identity.
func (g *Guard) Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, ok := g.Check(w, r, scope)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Check runs the guard and writes the outcome headers. On rejection it also
// writes the error response and returns false. On success the returned
// context carries the agent.
func (g *Guard) Check(w http.ResponseWriter, r *http.Request, scope string) (context.Context, bool) {
	ctx := r.Context()
	result, err := g.svc.Guard(ctx, app.GuardRequest{
		Credential: BearerCredential(r),
		Scope:      scope,
	})
	writeGuardHeaders(w, result)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeInternalError {
			logger.Error(ctx, "guard failed", "scope", scope, "error", err)
		}
		WriteError(w, err)
		return ctx, false
	}

	if result.Agent != nil {
		ctx = WithAgent(ctx, result.Agent)
		ctx = logger.WithAgentID(ctx, result.Agent.ID)
	}
	return ctx, true
}

// BearerCredential returns the credential of an "Authorization: Bearer"
// header, or "" when there is none.
func BearerCredential(r *http.Request) string {
	scheme, credential, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}

func writeGuardHeaders(w http.ResponseWriter, result *app.GuardResult) {
	if result == nil {
		return
	}
	h := w.Header()

	if rl := result.RateLimit; rl != nil && rl.Limit > 0 {
		h.Set(HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
		h.Set(HeaderRateLimitRemaining, strconv.Itoa(rl.Remaining))
		h.Set(HeaderRateLimitReset, strconv.FormatInt(rl.ResetAt.Unix(), 10))
		if !rl.Allowed {
			h.Set("Retry-After", strconv.FormatInt(int64(math.Ceil(float64(rl.RetryAfterMs)/1000)), 10))
		}
	}
	if rw := result.ReputationWarning; rw != nil {
		h.Set(HeaderReputationWarning, fmt.Sprintf("reputation %.2f below %.2f", rw.CurrentScore, rw.RequiredScore))
	}
	if sw := result.SpendingWarning; sw != nil {
		h.Set(HeaderSpendingWarning, fmt.Sprintf("%.0f%% of %s %s %s cap used", sw.UsagePercent, sw.Period, sw.CapType, sw.Currency))
	}
}

// WithAgent stores the resolved agent in ctx.
func WithAgent(ctx context.Context, agent *types.AgentContext) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// GetAgent retrieves the agent resolved by the guard, or nil for
// passthrough requests.
func GetAgent(ctx context.Context) *types.AgentContext {
	if a, ok := ctx.Value(agentContextKey{}).(*types.AgentContext); ok {
		return a
	}
	return nil
}
