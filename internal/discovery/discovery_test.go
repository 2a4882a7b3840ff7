package discovery

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/pkg/types"
)

func TestBuild(t *testing.T) {
	cfg := config.DefaultGateway()
	cfg.Service.Name = "Weather API"
	cfg.Service.BaseURL = "https://api.example.com/"
	cfg.Scopes = []types.Scope{
		{ID: "data.read", Description: "Read forecasts"},
		{ID: "data.premium", Description: "Premium", Price: 0.05, Currency: "USDC",
			RateLimit: &types.RateLimit{Requests: 10, Window: time.Minute}},
	}
	cfg.Payment = &config.PaymentConfig{Protocol: "x402", Network: "base", Currency: "USDC"}

	doc := Build(cfg)

	assert.Equal(t, "https://api.example.com/agent/register", doc.Endpoints.Register)
	assert.Equal(t, "https://api.example.com/agent/verify", doc.Endpoints.Verify)
	assert.Equal(t, "https://api.example.com/agent/auth", doc.Endpoints.Auth)
	assert.Equal(t, "agentgate", doc.Service.Namespace)
	assert.Equal(t, []string{AuthMethodChallenge, AuthMethodAPIKey, AuthMethodToken}, doc.AuthMethods)

	require.Len(t, doc.Scopes, 2)
	assert.Empty(t, doc.Scopes[0].Currency)
	assert.Equal(t, "10/minute", doc.Scopes[1].RateLimit)
	assert.Equal(t, "USDC", doc.Scopes[1].Currency)

	assert.Equal(t, "100/minute", doc.RateLimits.Default)
	assert.Equal(t, map[string]string{"data.premium": "10/minute"}, doc.RateLimits.Scopes)

	require.NotNil(t, doc.Payment)
	assert.Equal(t, "x402", doc.Payment.Protocol)
	doc.Payment.Protocol = "changed"
	assert.Equal(t, "x402", cfg.Payment.Protocol)
}

func TestBuildWithoutBaseURL(t *testing.T) {
	doc := Build(config.DefaultGateway())
	assert.Equal(t, "/agent/register", doc.Endpoints.Register)
	assert.Nil(t, doc.Payment)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"payment"`)
	assert.Contains(t, string(raw), `"authMethods"`)
}
