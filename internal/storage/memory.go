package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentgate/agentgate/pkg/types"
	"go.uber.org/atomic"
)

// MemoryStore is an in-process Store. There is no store-wide lock: secondary
// indexes are reserved with LoadOrStore so uniqueness checks are atomic with
// the insert, and each agent record carries its own mutex.
type MemoryStore struct {
	opts Options

	agents       sync.Map // id -> *memoryAgent
	byPublicKey  sync.Map // public key -> id
	byAPIKeyHash sync.Map // api key hash -> id
	challenges   sync.Map // agent id -> *types.Challenge

	closed atomic.Bool
}

type memoryAgent struct {
	mu      sync.Mutex
	agent   *types.Agent
	deleted bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{opts: opts.withDefaults()}
}

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// CreateAgent implements Store.
func (s *MemoryStore) CreateAgent(ctx context.Context, in types.CreateAgentInput) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if in.ID == "" || in.PublicKey == "" {
		return nil, fmt.Errorf("agent id and public key are required")
	}

	if _, loaded := s.byPublicKey.LoadOrStore(in.PublicKey, in.ID); loaded {
		return nil, ErrDuplicateAgent
	}
	if in.APIKeyHash != "" {
		if _, loaded := s.byAPIKeyHash.LoadOrStore(in.APIKeyHash, in.ID); loaded {
			s.byPublicKey.CompareAndDelete(in.PublicKey, in.ID)
			return nil, ErrDuplicateAgent
		}
	}

	entry := &memoryAgent{agent: newAgent(in, s.opts)}
	if _, loaded := s.agents.LoadOrStore(in.ID, entry); loaded {
		s.byPublicKey.CompareAndDelete(in.PublicKey, in.ID)
		if in.APIKeyHash != "" {
			s.byAPIKeyHash.CompareAndDelete(in.APIKeyHash, in.ID)
		}
		return nil, ErrDuplicateAgent
	}

	return entry.agent.Clone(), nil
}

func (s *MemoryStore) load(id string) *memoryAgent {
	v, ok := s.agents.Load(id)
	if !ok {
		return nil
	}
	return v.(*memoryAgent)
}

func (s *MemoryStore) snapshot(id string) *types.Agent {
	entry := s.load(id)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil
	}
	return entry.agent.Clone()
}

// GetAgent implements Store.
func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.snapshot(id), nil
}

// GetAgentByPublicKey implements Store.
func (s *MemoryStore) GetAgentByPublicKey(ctx context.Context, publicKey string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	id, ok := s.byPublicKey.Load(publicKey)
	if !ok {
		return nil, nil
	}
	return s.snapshot(id.(string)), nil
}

// GetAgentByAPIKeyHash implements Store.
func (s *MemoryStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, nil
	}
	id, ok := s.byAPIKeyHash.Load(hash)
	if !ok {
		return nil, nil
	}
	return s.snapshot(id.(string)), nil
}

// UpdateAgent implements Store.
func (s *MemoryStore) UpdateAgent(ctx context.Context, id string, update types.AgentUpdate) (*types.Agent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	entry := s.load(id)
	if entry == nil {
		return nil, ErrAgentNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, ErrAgentNotFound
	}
	update.Apply(entry.agent)
	return entry.agent.Clone(), nil
}

// DeleteAgent implements Store.
func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.challenges.Delete(id)

	entry := s.load(id)
	if entry == nil {
		return false, nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return false, nil
	}
	entry.deleted = true
	s.agents.CompareAndDelete(id, entry)
	s.byPublicKey.CompareAndDelete(entry.agent.PublicKey, id)
	if entry.agent.APIKeyHash != "" {
		s.byAPIKeyHash.CompareAndDelete(entry.agent.APIKeyHash, id)
	}
	return true, nil
}

// CreateChallenge implements Store.
func (s *MemoryStore) CreateChallenge(ctx context.Context, c *types.Challenge) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.challenges.Store(c.AgentID, c.Clone())
	return nil
}

// GetChallenge implements Store.
func (s *MemoryStore) GetChallenge(ctx context.Context, agentID string) (*types.Challenge, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	v, ok := s.challenges.Load(agentID)
	if !ok {
		return nil, nil
	}
	return v.(*types.Challenge).Clone(), nil
}

// DeleteChallenge implements Store.
func (s *MemoryStore) DeleteChallenge(ctx context.Context, agentID string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.challenges.Delete(agentID)
	return nil
}

// CleanExpiredChallenges implements Store. A challenge replaced concurrently
// by a fresh one is left alone.
func (s *MemoryStore) CleanExpiredChallenges(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	now := s.opts.Now()
	removed := 0
	s.challenges.Range(func(key, value any) bool {
		if value.(*types.Challenge).Expired(now) && s.challenges.CompareAndDelete(key, value) {
			removed++
		}
		return true
	})
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

var _ Store = (*MemoryStore)(nil)
