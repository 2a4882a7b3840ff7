// Package discovery renders the public document agents read to learn how to
// register with a gateway.
package discovery

import (
	"strings"

	"github.com/agentgate/agentgate/internal/config"
)

// Version of the document layout.
const Version = "1.0"

// WellKnownPath is where the document is served.
const WellKnownPath = "/.well-known/agent-access.json"

// Auth method identifiers
const (
	AuthMethodChallenge = "ed25519-challenge"
	AuthMethodAPIKey    = "bearer-api-key"
	AuthMethodToken     = "bearer-jwt"
)

// Document is the discovery document.
type Document struct {
	Version     string                `json:"version"`
	Service     Service               `json:"service"`
	Endpoints   Endpoints             `json:"endpoints"`
	Scopes      []Scope               `json:"scopes"`
	AuthMethods []string              `json:"authMethods"`
	Payment     *config.PaymentConfig `json:"payment,omitempty"`
	RateLimits  RateLimits            `json:"rateLimits"`
}

// Service identifies the protected service.
type Service struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Namespace   string `json:"namespace"`
}

// Endpoints are absolute when the service has a base URL, else paths.
type Endpoints struct {
	Register string `json:"register"`
	Verify   string `json:"verify"`
	Auth     string `json:"auth"`
}

// Scope is one advertised capability.
type Scope struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Price       float64 `json:"price,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	RateLimit   string  `json:"rateLimit,omitempty"`
}

// RateLimits summarises quotas as "<n>/<window>" strings.
type RateLimits struct {
	Default string            `json:"default"`
	Scopes  map[string]string `json:"scopes,omitempty"`
}

// Build derives the document from the gateway policy.
func Build(cfg *config.GatewayConfig) *Document {
	base := strings.TrimRight(cfg.Service.BaseURL, "/")
	doc := &Document{
		Version: Version,
		Service: Service{
			Name:        cfg.Service.Name,
			Description: cfg.Service.Description,
			Namespace:   cfg.Service.Namespace,
		},
		Endpoints: Endpoints{
			Register: base + "/agent/register",
			Verify:   base + "/agent/verify",
			Auth:     base + "/agent/auth",
		},
		Scopes:      make([]Scope, 0, len(cfg.Scopes)),
		AuthMethods: []string{AuthMethodChallenge, AuthMethodAPIKey, AuthMethodToken},
		RateLimits:  RateLimits{Default: cfg.RateLimit.String()},
	}

	for _, s := range cfg.Scopes {
		entry := Scope{
			ID:          s.ID,
			Description: s.Description,
			Price:       s.Price,
		}
		if s.Price > 0 {
			entry.Currency = s.Currency
		}
		if s.RateLimit != nil {
			entry.RateLimit = s.RateLimit.String()
			if doc.RateLimits.Scopes == nil {
				doc.RateLimits.Scopes = make(map[string]string)
			}
			doc.RateLimits.Scopes[s.ID] = entry.RateLimit
		}
		doc.Scopes = append(doc.Scopes, entry)
	}

	if cfg.Payment != nil {
		p := *cfg.Payment
		doc.Payment = &p
	}
	return doc
}
