package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentgate/agentgate/internal/reputation"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/validation"
	"github.com/agentgate/agentgate/pkg/auth"
	"github.com/agentgate/agentgate/pkg/types"
)

// Gateway defaults
const (
	DefaultNamespace         = "agentgate"
	DefaultCurrency          = "USD"
	DefaultMaxVerifyAttempts = 5
)

// DefaultRateLimit applies to agents when the policy names none.
var DefaultRateLimit = types.RateLimit{Requests: 100, Window: time.Minute}

// GatewayConfig is the operator policy loaded from YAML.
type GatewayConfig struct {
	Service    ServiceConfig     `yaml:"service"`
	Scopes     []types.Scope     `yaml:"scopes"`
	Auth       AuthConfig        `yaml:"auth"`
	RateLimit  types.RateLimit   `yaml:"rateLimit"`
	Reputation reputation.Config `yaml:"reputation"`
	Spending   spending.Config   `yaml:"spending"`
	Payment    *PaymentConfig    `yaml:"payment"`
	Routes     []Route           `yaml:"routes"`
}

// ServiceConfig describes the protected service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Namespace   string `yaml:"namespace"`
	BaseURL     string `yaml:"baseUrl"`
}

// AuthConfig tunes the challenge protocol and token lifetimes.
type AuthConfig struct {
	ChallengeTTL      time.Duration `yaml:"challengeTTL"`
	TokenTTL          time.Duration `yaml:"tokenTTL"`
	MaxAuthAge        time.Duration `yaml:"maxAuthAge"`
	MaxVerifyAttempts int           `yaml:"maxVerifyAttempts"`
}

// PaymentConfig is advertised in the discovery document.
type PaymentConfig struct {
	Protocol    string `yaml:"protocol" json:"protocol"`
	Network     string `yaml:"network" json:"network"`
	Currency    string `yaml:"currency" json:"currency"`
	Facilitator string `yaml:"facilitator" json:"facilitator,omitempty"`
}

// Route proxies a path prefix to an upstream behind the guard.
type Route struct {
	Prefix      string `yaml:"prefix"`
	Scope       string `yaml:"scope"`
	Upstream    string `yaml:"upstream"`
	StripPrefix bool   `yaml:"stripPrefix"`
}

// DefaultGateway is used when no policy file is configured.
func DefaultGateway() *GatewayConfig {
	cfg := &GatewayConfig{
		Service: ServiceConfig{
			Name:        "agentgate",
			Description: "Agent identity and access gateway",
		},
		Scopes: []types.Scope{
			{ID: "api.access", Description: "Access the protected API"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadGateway reads and validates the policy at path. An empty path yields
// DefaultGateway.
func LoadGateway(path string) (*GatewayConfig, error) {
	if path == "" {
		return DefaultGateway(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gateway config: %w", err)
	}
	defer f.Close()
	return ParseGateway(f)
}

// ParseGateway decodes a YAML policy. Unknown fields are rejected.
func ParseGateway(r io.Reader) (*GatewayConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}

	var cfg GatewayConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	return &cfg, nil
}

func (g *GatewayConfig) applyDefaults() {
	if g.Service.Name == "" {
		g.Service.Name = "agentgate"
	}
	if g.Service.Namespace == "" {
		g.Service.Namespace = DefaultNamespace
	}
	if g.Auth.ChallengeTTL == 0 {
		g.Auth.ChallengeTTL = auth.DefaultChallengeTTL
	}
	if g.Auth.MaxAuthAge == 0 {
		g.Auth.MaxAuthAge = auth.DefaultMaxAuthAge
	}
	if g.Auth.TokenTTL == 0 {
		g.Auth.TokenTTL = time.Hour
	}
	if g.Auth.MaxVerifyAttempts == 0 {
		g.Auth.MaxVerifyAttempts = DefaultMaxVerifyAttempts
	}
	if g.RateLimit.IsZero() {
		g.RateLimit = DefaultRateLimit
	}
	if g.Payment != nil {
		g.Payment.Currency = strings.ToUpper(g.Payment.Currency)
	}
	for i := range g.Scopes {
		if g.Scopes[i].Price > 0 && g.Scopes[i].Currency == "" {
			g.Scopes[i].Currency = g.DefaultCurrency()
		}
		g.Scopes[i].Currency = strings.ToUpper(g.Scopes[i].Currency)
	}
}

// DefaultCurrency is the payment block currency, or USD.
func (g *GatewayConfig) DefaultCurrency() string {
	if g.Payment != nil && g.Payment.Currency != "" {
		return strings.ToUpper(g.Payment.Currency)
	}
	return DefaultCurrency
}

// Scope returns the catalogue entry for id.
func (g *GatewayConfig) Scope(id string) (types.Scope, bool) {
	for _, s := range g.Scopes {
		if s.ID == id {
			return s, true
		}
	}
	return types.Scope{}, false
}

// Validate checks the policy for internal consistency.
func (g *GatewayConfig) Validate() error {
	if g.Service.Namespace == "" {
		return fmt.Errorf("service.namespace cannot be empty")
	}
	if strings.Contains(g.Service.Namespace, ":") {
		return fmt.Errorf("service.namespace %q cannot contain ':'", g.Service.Namespace)
	}

	if len(g.Scopes) == 0 {
		return fmt.Errorf("at least one scope must be defined")
	}
	seen := make(map[string]struct{}, len(g.Scopes))
	for _, s := range g.Scopes {
		if err := validation.ValidateScopeID(s.ID); err != nil {
			return fmt.Errorf("scopes: %w", err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("scopes: duplicate scope %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Price < 0 {
			return fmt.Errorf("scopes: %s has a negative price", s.ID)
		}
		if s.RateLimit != nil && s.RateLimit.IsZero() {
			return fmt.Errorf("scopes: %s has an empty rate limit", s.ID)
		}
	}

	if g.Auth.ChallengeTTL < 0 || g.Auth.TokenTTL < 0 || g.Auth.MaxAuthAge < 0 {
		return fmt.Errorf("auth durations cannot be negative")
	}
	if g.Auth.MaxVerifyAttempts < 0 {
		return fmt.Errorf("auth.maxVerifyAttempts cannot be negative")
	}

	if _, err := reputation.NewManager(g.Reputation); err != nil {
		return err
	}
	if _, err := spending.NewTracker(g.Spending, nil); err != nil {
		return err
	}

	if g.Payment != nil && g.Payment.Protocol == "" {
		return fmt.Errorf("payment.protocol cannot be empty")
	}

	prefixes := make(map[string]struct{}, len(g.Routes))
	for _, r := range g.Routes {
		if !strings.HasPrefix(r.Prefix, "/") || !strings.HasSuffix(r.Prefix, "/") {
			return fmt.Errorf("routes: prefix %q must start and end with '/'", r.Prefix)
		}
		if reservedPrefix(r.Prefix) {
			return fmt.Errorf("routes: prefix %q overlaps a gateway endpoint", r.Prefix)
		}
		if _, dup := prefixes[r.Prefix]; dup {
			return fmt.Errorf("routes: duplicate prefix %q", r.Prefix)
		}
		prefixes[r.Prefix] = struct{}{}
		if _, ok := seen[r.Scope]; !ok {
			return fmt.Errorf("routes: %s requires unknown scope %q", r.Prefix, r.Scope)
		}
		u, err := url.Parse(r.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("routes: %s has invalid upstream %q", r.Prefix, r.Upstream)
		}
	}

	return nil
}

func reservedPrefix(prefix string) bool {
	for _, p := range []string{"/agent/", "/admin/", "/v1/guard/", "/.well-known/", "/health/", "/metrics/"} {
		if strings.HasPrefix(prefix, p) || strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
