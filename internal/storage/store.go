// Package storage persists agents and in-flight challenges. Every backend
// implements Store with identical observable behaviour; the storagetest
// package holds the conformance suite they are all run against.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentgate/agentgate/pkg/types"
)

var (
	// ErrDuplicateAgent is returned when an id, public key or API-key hash is
	// already bound to an agent.
	ErrDuplicateAgent = errors.New("agent already exists")

	// ErrAgentNotFound is returned by UpdateAgent for an unknown id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Store is the agent and challenge persistence contract.
//
// Lookups that find nothing return (nil, nil). Any non-nil error is an
// infrastructure failure and must not be read as "not found".
type Store interface {
	// CreateAgent persists a new agent. Uniqueness of id, public key and
	// API-key hash is enforced atomically with the insert.
	CreateAgent(ctx context.Context, in types.CreateAgentInput) (*types.Agent, error)

	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	GetAgentByPublicKey(ctx context.Context, publicKey string) (*types.Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*types.Agent, error)

	// UpdateAgent applies a partial update atomically relative to the
	// stored record and returns the result.
	UpdateAgent(ctx context.Context, id string, update types.AgentUpdate) (*types.Agent, error)

	// DeleteAgent removes the agent and any pending challenge for it.
	DeleteAgent(ctx context.Context, id string) (bool, error)

	// CreateChallenge upserts the single challenge for c.AgentID.
	CreateChallenge(ctx context.Context, c *types.Challenge) error

	// GetChallenge returns the stored challenge, expired or not; callers
	// check expiry themselves.
	GetChallenge(ctx context.Context, agentID string) (*types.Challenge, error)

	DeleteChallenge(ctx context.Context, agentID string) error

	// CleanExpiredChallenges removes challenges past expiry and returns how
	// many were removed.
	CleanExpiredChallenges(ctx context.Context) (int, error)

	// Close releases backend resources. It is idempotent.
	Close() error
}

// DefaultReputation is the score assigned to newly created agents.
const DefaultReputation = 50

// Options configure behaviour shared by all backends.
type Options struct {
	DefaultReputation float64
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DefaultReputation == 0 {
		o.DefaultReputation = DefaultReputation
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// newAgent builds the initial record for in.
func newAgent(in types.CreateAgentInput, opts Options) *types.Agent {
	agent := &types.Agent{
		ID:            in.ID,
		PublicKey:     in.PublicKey,
		APIKeyHash:    in.APIKeyHash,
		ScopesGranted: append([]string{}, in.ScopesGranted...),
		RateLimit:     in.RateLimit,
		Reputation:    opts.DefaultReputation,
		Status:        types.AgentStatusActive,
		Metadata:      map[string]any{},
		PaymentWallet: in.PaymentWallet,
		CreatedAt:     opts.Now().UTC().Truncate(time.Millisecond),
		TotalSpend:    map[string]float64{},
	}
	for k, v := range in.Metadata {
		agent.Metadata[k] = v
	}
	return agent
}
