package types

import (
	"maps"
	"slices"
	"time"
)

// AgentStatus is the administrative overlay on an agent identity.
type AgentStatus string

// Status constants
const (
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusBanned    AgentStatus = "banned"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusSuspended, AgentStatusBanned:
		return true
	}
	return false
}

// Agent is the durable identity record of a registered automated caller.
type Agent struct {
	ID            string             `json:"id"`
	PublicKey     string             `json:"publicKey"`
	APIKeyHash    string             `json:"-"`
	ScopesGranted []string           `json:"scopesGranted"`
	RateLimit     RateLimit          `json:"rateLimit"`
	Reputation    float64            `json:"reputation"`
	Status        AgentStatus        `json:"status"`
	Metadata      map[string]any     `json:"metadata"`
	PaymentWallet string             `json:"paymentWallet,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	LastAuthAt    *time.Time         `json:"lastAuthAt,omitempty"`
	TotalRequests int64              `json:"totalRequests"`
	TotalSpend    map[string]float64 `json:"totalSpend"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	cp.ScopesGranted = slices.Clone(a.ScopesGranted)
	cp.Metadata = maps.Clone(a.Metadata)
	cp.TotalSpend = maps.Clone(a.TotalSpend)
	if a.LastAuthAt != nil {
		t := *a.LastAuthAt
		cp.LastAuthAt = &t
	}
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	if cp.TotalSpend == nil {
		cp.TotalSpend = map[string]float64{}
	}
	return &cp
}

// HasScope reports whether scope was granted at registration.
func (a *Agent) HasScope(scope string) bool {
	return slices.Contains(a.ScopesGranted, scope)
}

// Context projects the agent onto the record handed to downstream handlers.
func (a *Agent) Context() *AgentContext {
	return &AgentContext{
		ID:        a.ID,
		PublicKey: a.PublicKey,
		Scopes:    slices.Clone(a.ScopesGranted),
		Metadata:  maps.Clone(a.Metadata),
	}
}

// AgentContext is the resolved identity handed to request handling after a
// successful guard check.
type AgentContext struct {
	ID        string         `json:"id"`
	PublicKey string         `json:"publicKey"`
	Scopes    []string       `json:"scopes"`
	Metadata  map[string]any `json:"metadata"`
}

// CreateAgentInput is the payload a store needs to persist a new agent.
// Reputation, status, counters and timestamps are assigned by the store.
type CreateAgentInput struct {
	ID            string
	PublicKey     string
	APIKeyHash    string
	ScopesGranted []string
	RateLimit     RateLimit
	Metadata      map[string]any
	PaymentWallet string
}

// AgentUpdate is a partial update. Nil fields are left untouched; Metadata is
// merged key-wise; the Increment* fields are deltas applied atomically against
// the stored value; AdjustReputation and AdjustScopes, when set, are applied to
// the stored values inside the same atomic section.
type AgentUpdate struct {
	Status            *AgentStatus
	ScopesGranted     []string
	RateLimit         *RateLimit
	Reputation        *float64
	AdjustReputation  func(current float64) float64
	AdjustScopes      func(current []string) []string
	Metadata          map[string]any
	LastAuthAt        *time.Time
	IncrementRequests int64
	IncrementSpend    map[string]float64
}

// Apply mutates a in place according to the update semantics.
func (u AgentUpdate) Apply(a *Agent) {
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.ScopesGranted != nil {
		a.ScopesGranted = slices.Clone(u.ScopesGranted)
	}
	if u.RateLimit != nil {
		a.RateLimit = *u.RateLimit
	}
	if u.Reputation != nil {
		a.Reputation = *u.Reputation
	}
	if u.AdjustReputation != nil {
		a.Reputation = u.AdjustReputation(a.Reputation)
	}
	if u.AdjustScopes != nil {
		a.ScopesGranted = u.AdjustScopes(slices.Clone(a.ScopesGranted))
		if a.ScopesGranted == nil {
			a.ScopesGranted = []string{}
		}
	}
	if len(u.Metadata) > 0 {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			a.Metadata[k] = v
		}
	}
	if u.LastAuthAt != nil {
		t := *u.LastAuthAt
		a.LastAuthAt = &t
	}
	a.TotalRequests += u.IncrementRequests
	if len(u.IncrementSpend) > 0 {
		if a.TotalSpend == nil {
			a.TotalSpend = make(map[string]float64, len(u.IncrementSpend))
		}
		for currency, amount := range u.IncrementSpend {
			a.TotalSpend[currency] += amount
		}
	}
}
