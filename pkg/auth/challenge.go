package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/types"
)

// Message actions
const (
	ActionRegister = "register"
	ActionAuth     = "auth"
)

// Protocol defaults
const (
	DefaultChallengeTTL = 5 * time.Minute
	DefaultMaxAuthAge   = 5 * time.Minute
	MaxClockSkew        = 30 * time.Second
)

var (
	// ErrChallengeExpired is returned for a challenge past its expiry.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrTimestampInvalid is returned for unparsable, stale or future timestamps.
	ErrTimestampInvalid = errors.New("invalid timestamp")
)

// Protocol builds and verifies the registration and authentication messages
// for one namespace.
type Protocol struct {
	namespace string
	now       func() time.Time
}

// NewProtocol creates a protocol bound to namespace. now may be nil.
func NewProtocol(namespace string, now func() time.Time) *Protocol {
	if now == nil {
		now = time.Now
	}
	return &Protocol{namespace: namespace, now: now}
}

// Namespace returns the message namespace.
func (p *Protocol) Namespace() string {
	return p.namespace
}

// RegistrationMessage builds <ns>:register:<agentId>:<unixSeconds>:<nonce>.
func (p *Protocol) RegistrationMessage(agentID string, unixSeconds int64, nonce string) string {
	return strings.Join([]string{p.namespace, ActionRegister, agentID, strconv.FormatInt(unixSeconds, 10), nonce}, ":")
}

// AuthMessage builds <ns>:auth:<agentId>:<isoTimestamp>.
func (p *Protocol) AuthMessage(agentID, timestamp string) string {
	return strings.Join([]string{p.namespace, ActionAuth, agentID, timestamp}, ":")
}

// CreateChallenge issues a fresh registration challenge for agentID.
func (p *Protocol) CreateChallenge(agentID string, expiry time.Duration) (*types.Challenge, error) {
	if expiry <= 0 {
		expiry = DefaultChallengeTTL
	}
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	now := p.now()
	return &types.Challenge{
		AgentID:   agentID,
		Nonce:     nonce,
		Message:   p.RegistrationMessage(agentID, now.Unix(), nonce),
		ExpiresAt: now.Add(expiry),
		CreatedAt: now,
	}, nil
}

// VerifyChallenge checks expiry before the signature, so an expired challenge
// is rejected even with a valid signature. It never mutates c.
func (p *Protocol) VerifyChallenge(c *types.Challenge, signature, publicKey string) error {
	if c.Expired(p.now()) {
		return ErrChallengeExpired
	}
	if !Verify([]byte(c.Message), signature, publicKey) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyAuthRequest rebuilds the auth message from the caller-supplied
// timestamp and verifies it. Timestamp failures wrap ErrTimestampInvalid and
// signature failures are ErrInvalidSignature.
func (p *Protocol) VerifyAuthRequest(agentID, timestamp, signature, publicKey string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAuthAge
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return fmt.Errorf("%w: unparsable", ErrTimestampInvalid)
	}
	now := p.now()
	if now.Sub(ts) > maxAge {
		return fmt.Errorf("%w: older than %s", ErrTimestampInvalid, maxAge)
	}
	if ts.Sub(now) > MaxClockSkew {
		return fmt.Errorf("%w: more than %s in the future", ErrTimestampInvalid, MaxClockSkew)
	}
	if !Verify([]byte(p.AuthMessage(agentID, timestamp)), signature, publicKey) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsedMessage is the decomposition of a challenge or auth message.
type ParsedMessage struct {
	Namespace string
	Action    string
	AgentID   string
	Timestamp time.Time
	Nonce     string
}

// ParseChallengeMessage decomposes a registration or auth message. It returns
// nil for any malformed input.
func ParseChallengeMessage(message string) *ParsedMessage {
	parts := strings.Split(message, ":")
	if len(parts) < 4 {
		return nil
	}
	ns, action, agentID := parts[0], parts[1], parts[2]
	if ns == "" || agentID == "" {
		return nil
	}

	switch action {
	case ActionRegister:
		if len(parts) != 5 || parts[4] == "" {
			return nil
		}
		secs, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil
		}
		return &ParsedMessage{
			Namespace: ns,
			Action:    action,
			AgentID:   agentID,
			Timestamp: time.Unix(secs, 0).UTC(),
			Nonce:     parts[4],
		}
	case ActionAuth:
		// ISO timestamps contain colons of their own.
		ts, err := time.Parse(time.RFC3339Nano, strings.Join(parts[3:], ":"))
		if err != nil {
			return nil
		}
		return &ParsedMessage{
			Namespace: ns,
			Action:    action,
			AgentID:   agentID,
			Timestamp: ts,
		}
	}
	return nil
}
