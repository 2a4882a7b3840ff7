package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Challenge is ephemeral proof-of-possession state. At most one challenge
// exists per agent id; creating another overwrites it.
type Challenge struct {
	AgentID   string    `json:"agentId"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`

	// Pending is present only during registration: the unconfirmed payload
	// that becomes an Agent once the challenge is verified.
	Pending *PendingRegistration `json:"pending,omitempty"`
}

// Expired reports whether the challenge is past its TTL at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Clone returns a deep copy of c.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Pending != nil {
		p := *c.Pending
		p.Scopes = slices.Clone(c.Pending.Scopes)
		p.Metadata = maps.Clone(c.Pending.Metadata)
		cp.Pending = &p
	}
	return &cp
}

// PendingRegistration is the requested identity carried by a registration
// challenge until verification.
type PendingRegistration struct {
	PublicKey     string         `json:"publicKey"`
	Scopes        []string       `json:"scopes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PaymentWallet string         `json:"paymentWallet,omitempty"`
}

// Scope is one entry of the service's capability catalogue.
type Scope struct {
	ID          string     `json:"id" yaml:"id"`
	Description string     `json:"description" yaml:"description"`
	Price       float64    `json:"price,omitempty" yaml:"price"`
	Currency    string     `json:"currency,omitempty" yaml:"currency"`
	RateLimit   *RateLimit `json:"rateLimit,omitempty" yaml:"rateLimit"`
}

// RateLimit is a request quota over a fixed window.
type RateLimit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"windowMs"`
}

// MarshalJSON encodes the window in milliseconds.
func (r RateLimit) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"requests":%d,"windowMs":%d}`, r.Requests, r.Window.Milliseconds())), nil
}

// UnmarshalJSON decodes the window from milliseconds.
func (r *RateLimit) UnmarshalJSON(data []byte) error {
	var raw struct {
		Requests int   `json:"requests"`
		WindowMs int64 `json:"windowMs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Requests = raw.Requests
	r.Window = time.Duration(raw.WindowMs) * time.Millisecond
	return nil
}

// UnmarshalYAML accepts the "100/minute" summary grammar.
func (r *RateLimit) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRateLimit(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// IsZero reports whether no quota is configured.
func (r RateLimit) IsZero() bool {
	return r.Requests <= 0 || r.Window <= 0
}

var windowNames = []struct {
	name string
	d    time.Duration
}{
	{"second", time.Second},
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// String renders the summary form used by the discovery document.
func (r RateLimit) String() string {
	for _, w := range windowNames {
		if r.Window == w.d {
			return fmt.Sprintf("%d/%s", r.Requests, w.name)
		}
	}
	return fmt.Sprintf("%d/%s", r.Requests, r.Window)
}

// ParseRateLimit parses "<n>/<second|minute|hour|day|go-duration>".
func ParseRateLimit(s string) (RateLimit, error) {
	count, window, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return RateLimit{}, fmt.Errorf("rate limit %q: expected <requests>/<window>", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: requests must be a positive integer", s)
	}
	window = strings.ToLower(strings.TrimSpace(window))
	for _, w := range windowNames {
		if window == w.name || window == w.name+"s" {
			return RateLimit{Requests: n, Window: w.d}, nil
		}
	}
	d, err := time.ParseDuration(window)
	if err != nil || d <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: unknown window %q", s, window)
	}
	return RateLimit{Requests: n, Window: d}, nil
}
