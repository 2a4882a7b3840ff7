// Package reputation scores agents and enforces minimum-score gates.
package reputation

import (
	"fmt"
	"math"
	"strings"
)

// Event is something an agent did that moves its score.
type Event string

// Scored events
const (
	EventRequestSuccess Event = "request_success"
	EventRequestBlocked Event = "request_blocked"
	EventPaymentSuccess Event = "payment_success"
	EventPaymentFailed  Event = "payment_failed"
	EventRateLimited    Event = "rate_limited"
)

// DefaultDeltas is the stock event table.
func DefaultDeltas() map[Event]float64 {
	return map[Event]float64{
		EventRequestSuccess: 0.1,
		EventRequestBlocked: -0.5,
		EventPaymentSuccess: 2,
		EventPaymentFailed:  -5,
		EventRateLimited:    -1,
	}
}

// Action is what a failing gate does to the request.
type Action string

// Gate actions
const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
)

// Gate is a minimum score requirement. Scopes filters which requested scopes
// it applies to; entries may end in ".*" to match a whole family. An empty
// filter applies to every request.
type Gate struct {
	MinReputation float64  `yaml:"minReputation" json:"minReputation"`
	Scopes        []string `yaml:"scopes" json:"scopes,omitempty"`
	Action        Action   `yaml:"action" json:"action"`
}

// Matches reports whether the gate applies to a request for scope.
func (g Gate) Matches(scope string) bool {
	if len(g.Scopes) == 0 {
		return true
	}
	for _, s := range g.Scopes {
		if s == "*" || s == scope {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, ".*"); ok && scope != "" && strings.HasPrefix(scope, prefix+".") {
			return true
		}
	}
	return false
}

// Config holds bounds, deltas and gates.
type Config struct {
	Default float64           `yaml:"default"`
	Min     float64           `yaml:"min"`
	Max     float64           `yaml:"max"`
	Deltas  map[Event]float64 `yaml:"deltas"`
	Gates   []Gate            `yaml:"gates"`
}

// DefaultConfig returns a 0-100 scale starting at 50 with no gates.
func DefaultConfig() Config {
	return Config{
		Default: 50,
		Min:     0,
		Max:     100,
		Deltas:  DefaultDeltas(),
	}
}

// Manager applies the score table and gates. It holds no per-agent state.
type Manager struct {
	cfg Config
}

// NewManager validates cfg. Deltas missing from cfg fall back to the stock
// table.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Min == 0 && cfg.Max == 0 {
		cfg.Min, cfg.Max = 0, 100
	}
	if cfg.Min >= cfg.Max {
		return nil, fmt.Errorf("reputation: min %.2f must be below max %.2f", cfg.Min, cfg.Max)
	}
	if cfg.Default == 0 {
		cfg.Default = DefaultConfig().Default
	}
	if cfg.Default < cfg.Min || cfg.Default > cfg.Max {
		return nil, fmt.Errorf("reputation: default %.2f outside [%.2f, %.2f]", cfg.Default, cfg.Min, cfg.Max)
	}

	deltas := DefaultDeltas()
	for event, delta := range cfg.Deltas {
		if _, known := deltas[event]; !known {
			return nil, fmt.Errorf("reputation: unknown event %q in deltas", event)
		}
		deltas[event] = delta
	}
	cfg.Deltas = deltas

	cfg.Gates = append([]Gate(nil), cfg.Gates...)
	for i, g := range cfg.Gates {
		switch g.Action {
		case ActionBlock, ActionWarn:
		case "":
			cfg.Gates[i].Action = ActionBlock
		default:
			return nil, fmt.Errorf("reputation: gate %d has unknown action %q", i, g.Action)
		}
	}

	return &Manager{cfg: cfg}, nil
}

// Default is the score new agents start with.
func (m *Manager) Default() float64 {
	return m.cfg.Default
}

// Gates returns the configured gates.
func (m *Manager) Gates() []Gate {
	return append([]Gate(nil), m.cfg.Gates...)
}

// Clamp bounds score to the configured range.
func (m *Manager) Clamp(score float64) float64 {
	return math.Min(m.cfg.Max, math.Max(m.cfg.Min, score))
}

// Delta returns the score change for event.
func (m *Manager) Delta(event Event) float64 {
	return m.cfg.Deltas[event]
}

// CalculateScore applies event to current and clamps the result.
func (m *Manager) CalculateScore(current float64, event Event) float64 {
	return m.Clamp(current + m.cfg.Deltas[event])
}

// Adjuster returns the event as a function of the stored score, for use
// inside a store's atomic update.
func (m *Manager) Adjuster(event Event) func(float64) float64 {
	return func(current float64) float64 {
		return m.CalculateScore(current, event)
	}
}

// GateResult is the combined outcome of every gate matching a request.
// Action is empty when no gate fired.
type GateResult struct {
	Allowed       bool    `json:"allowed"`
	Action        Action  `json:"action,omitempty"`
	RequiredScore float64 `json:"requiredScore,omitempty"`
	CurrentScore  float64 `json:"currentScore"`
}

// CheckGate evaluates all gates matching scope against score. A failing block
// gate wins over any warn gate; among gates of the same action the highest
// threshold is reported.
func (m *Manager) CheckGate(score float64, scope string) GateResult {
	result := GateResult{Allowed: true, CurrentScore: score}

	var blockAt, warnAt float64
	blocked, warned := false, false
	for _, g := range m.cfg.Gates {
		if !g.Matches(scope) || score >= g.MinReputation {
			continue
		}
		switch g.Action {
		case ActionBlock:
			if !blocked || g.MinReputation > blockAt {
				blockAt = g.MinReputation
			}
			blocked = true
		case ActionWarn:
			if !warned || g.MinReputation > warnAt {
				warnAt = g.MinReputation
			}
			warned = true
		}
	}

	switch {
	case blocked:
		result.Allowed = false
		result.Action = ActionBlock
		result.RequiredScore = blockAt
	case warned:
		result.Action = ActionWarn
		result.RequiredScore = warnAt
	}
	return result
}
