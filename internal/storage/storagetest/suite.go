// Package storagetest holds the behavioural contract every storage.Store
// backend is run against.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T, opts storage.Options) storage.Store

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var seq struct {
	sync.Mutex
	n int
}

func uniq(prefix string) string {
	seq.Lock()
	defer seq.Unlock()
	seq.n++
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), seq.n)
}

func newInput() types.CreateAgentInput {
	return types.CreateAgentInput{
		ID:            uniq("agent"),
		PublicKey:     uniq("pk"),
		APIKeyHash:    uniq("hash"),
		ScopesGranted: []string{"read", "write"},
		RateLimit:     types.RateLimit{Requests: 10, Window: time.Minute},
		Metadata:      map[string]any{"name": "crawler"},
	}
}

// Run executes the conformance suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()
	start := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	newStore := func(t *testing.T) (storage.Store, *Clock) {
		clock := NewClock(start)
		s := factory(t, storage.Options{Now: clock.Now})
		t.Cleanup(func() { _ = s.Close() })
		return s, clock
	}

	t.Run("CreateAndLookup", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()

		created, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, in.ID, created.ID)
		assert.Equal(t, float64(storage.DefaultReputation), created.Reputation)
		assert.Equal(t, types.AgentStatusActive, created.Status)
		assert.Equal(t, int64(0), created.TotalRequests)
		assert.Empty(t, created.TotalSpend)
		assert.Nil(t, created.LastAuthAt)
		assert.True(t, start.Equal(created.CreatedAt))

		byID, err := s.GetAgent(ctx, in.ID)
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, in.PublicKey, byID.PublicKey)
		assert.Equal(t, in.APIKeyHash, byID.APIKeyHash)
		assert.Equal(t, []string{"read", "write"}, byID.ScopesGranted)
		assert.Equal(t, in.RateLimit, byID.RateLimit)
		assert.Equal(t, "crawler", byID.Metadata["name"])
		assert.True(t, start.Equal(byID.CreatedAt))

		byKey, err := s.GetAgentByPublicKey(ctx, in.PublicKey)
		require.NoError(t, err)
		require.NotNil(t, byKey)
		assert.Equal(t, in.ID, byKey.ID)

		byHash, err := s.GetAgentByAPIKeyHash(ctx, in.APIKeyHash)
		require.NoError(t, err)
		require.NotNil(t, byHash)
		assert.Equal(t, in.ID, byHash.ID)
	})

	t.Run("MissingLookupsReturnNil", func(t *testing.T) {
		s, _ := newStore(t)

		a, err := s.GetAgent(ctx, "agent_missing")
		assert.NoError(t, err)
		assert.Nil(t, a)

		a, err = s.GetAgentByPublicKey(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, a)

		a, err = s.GetAgentByAPIKeyHash(ctx, "missing")
		assert.NoError(t, err)
		assert.Nil(t, a)

		a, err = s.GetAgentByAPIKeyHash(ctx, "")
		assert.NoError(t, err)
		assert.Nil(t, a)

		c, err := s.GetChallenge(ctx, "agent_missing")
		assert.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("AgentsWithoutAPIKeyDoNotCollide", func(t *testing.T) {
		s, _ := newStore(t)
		for i := 0; i < 3; i++ {
			in := newInput()
			in.APIKeyHash = ""
			_, err := s.CreateAgent(ctx, in)
			require.NoError(t, err)
		}
	})

	t.Run("DuplicatesRejected", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()
		_, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)

		sameID := newInput()
		sameID.ID = in.ID
		_, err = s.CreateAgent(ctx, sameID)
		assert.ErrorIs(t, err, storage.ErrDuplicateAgent)

		sameKey := newInput()
		sameKey.PublicKey = in.PublicKey
		_, err = s.CreateAgent(ctx, sameKey)
		assert.ErrorIs(t, err, storage.ErrDuplicateAgent)

		sameHash := newInput()
		sameHash.APIKeyHash = in.APIKeyHash
		_, err = s.CreateAgent(ctx, sameHash)
		assert.ErrorIs(t, err, storage.ErrDuplicateAgent)

		// A rejected insert must not leave its other keys reserved.
		reuse := newInput()
		reuse.PublicKey = sameHash.PublicKey
		_, err = s.CreateAgent(ctx, reuse)
		assert.NoError(t, err)
	})

	t.Run("ConcurrentCreateSamePublicKey", func(t *testing.T) {
		s, _ := newStore(t)
		publicKey := uniq("pk")

		const workers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				in := newInput()
				in.PublicKey = publicKey
				_, err := s.CreateAgent(ctx, in)
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, storage.ErrDuplicateAgent)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
	})

	t.Run("UpdateSemantics", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()
		in.Metadata = map[string]any{"name": "crawler", "owner": "ops"}
		_, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)

		suspended := types.AgentStatusSuspended
		authAt := start.Add(time.Minute)
		updated, err := s.UpdateAgent(ctx, in.ID, types.AgentUpdate{
			Status:            &suspended,
			Metadata:          map[string]any{"owner": "platform", "tier": "gold"},
			LastAuthAt:        &authAt,
			IncrementRequests: 2,
			IncrementSpend:    map[string]float64{"USD": 1.5},
			AdjustReputation:  func(cur float64) float64 { return cur + 5 },
		})
		require.NoError(t, err)
		assert.Equal(t, types.AgentStatusSuspended, updated.Status)
		assert.Equal(t, 55.0, updated.Reputation)
		assert.Equal(t, int64(2), updated.TotalRequests)

		got, err := s.GetAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, types.AgentStatusSuspended, got.Status)
		assert.Equal(t, "crawler", got.Metadata["name"])
		assert.Equal(t, "platform", got.Metadata["owner"])
		assert.Equal(t, "gold", got.Metadata["tier"])
		require.NotNil(t, got.LastAuthAt)
		assert.WithinDuration(t, authAt, *got.LastAuthAt, time.Millisecond)
		assert.InDelta(t, 1.5, got.TotalSpend["USD"], 1e-9)
		assert.Equal(t, []string{"read", "write"}, got.ScopesGranted)

		score := 10.0
		got, err = s.UpdateAgent(ctx, in.ID, types.AgentUpdate{Reputation: &score})
		require.NoError(t, err)
		assert.Equal(t, 10.0, got.Reputation)
		assert.Equal(t, int64(2), got.TotalRequests)
	})

	t.Run("UpdateUnknownAgent", func(t *testing.T) {
		s, _ := newStore(t)
		_, err := s.UpdateAgent(ctx, "agent_missing", types.AgentUpdate{IncrementRequests: 1})
		assert.ErrorIs(t, err, storage.ErrAgentNotFound)
	})

	t.Run("ConcurrentIncrementsAreNotLost", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()
		_, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateAgent(ctx, in.ID, types.AgentUpdate{
					IncrementRequests: 1,
					IncrementSpend:    map[string]float64{"USD": 0.5},
					AdjustReputation:  func(cur float64) float64 { return cur + 1 },
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.TotalRequests)
		assert.InDelta(t, 10.0, got.TotalSpend["USD"], 1e-9)
		assert.Equal(t, float64(storage.DefaultReputation+workers), got.Reputation)
	})

	t.Run("ConcurrentScopeAdjustmentsCompose", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()
		_, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, scope := range in.ScopesGranted {
			wg.Add(1)
			go func(revoked string) {
				defer wg.Done()
				_, err := s.UpdateAgent(ctx, in.ID, types.AgentUpdate{
					AdjustScopes: func(current []string) []string {
						kept := current[:0]
						for _, sc := range current {
							if sc != revoked {
								kept = append(kept, sc)
							}
						}
						return kept
					},
				})
				assert.NoError(t, err)
			}(scope)
		}
		wg.Wait()

		got, err := s.GetAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ScopesGranted)
		assert.NotNil(t, got.ScopesGranted)
	})

	t.Run("ReturnedAgentsAreCopies", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()
		created, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)

		created.Metadata["name"] = "mutated"
		created.ScopesGranted[0] = "admin"

		got, err := s.GetAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, "crawler", got.Metadata["name"])
		assert.Equal(t, "read", got.ScopesGranted[0])
	})

	t.Run("DeletePurgesAgentAndChallenge", func(t *testing.T) {
		s, _ := newStore(t)
		in := newInput()
		_, err := s.CreateAgent(ctx, in)
		require.NoError(t, err)
		require.NoError(t, s.CreateChallenge(ctx, &types.Challenge{
			AgentID:   in.ID,
			Nonce:     "n",
			Message:   "m",
			CreatedAt: start,
			ExpiresAt: start.Add(time.Minute),
		}))

		deleted, err := s.DeleteAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.DeleteAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.False(t, deleted)

		a, err := s.GetAgent(ctx, in.ID)
		require.NoError(t, err)
		assert.Nil(t, a)
		a, err = s.GetAgentByPublicKey(ctx, in.PublicKey)
		require.NoError(t, err)
		assert.Nil(t, a)
		a, err = s.GetAgentByAPIKeyHash(ctx, in.APIKeyHash)
		require.NoError(t, err)
		assert.Nil(t, a)

		c, err := s.GetChallenge(ctx, in.ID)
		require.NoError(t, err)
		assert.Nil(t, c)

		// Keys are free again once the owner is gone.
		again := newInput()
		again.PublicKey = in.PublicKey
		again.APIKeyHash = in.APIKeyHash
		_, err = s.CreateAgent(ctx, again)
		assert.NoError(t, err)
	})

	t.Run("ChallengeUpsert", func(t *testing.T) {
		s, _ := newStore(t)
		agentID := uniq("agent")

		first := &types.Challenge{
			AgentID:   agentID,
			Nonce:     "first",
			Message:   "ns:register:" + agentID + ":1:first",
			CreatedAt: start,
			ExpiresAt: start.Add(5 * time.Minute),
		}
		require.NoError(t, s.CreateChallenge(ctx, first))

		second := &types.Challenge{
			AgentID:   agentID,
			Nonce:     "second",
			Message:   "ns:register:" + agentID + ":2:second",
			CreatedAt: start.Add(time.Second),
			ExpiresAt: start.Add(6 * time.Minute),
			Attempts:  2,
			Pending: &types.PendingRegistration{
				PublicKey:     "pk",
				Scopes:        []string{"read"},
				Metadata:      map[string]any{"name": "bot"},
				PaymentWallet: "0x52908400098527886E0F7030069857D2E4169EE7",
			},
		}
		require.NoError(t, s.CreateChallenge(ctx, second))

		got, err := s.GetChallenge(ctx, agentID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second", got.Nonce)
		assert.Equal(t, second.Message, got.Message)
		assert.Equal(t, 2, got.Attempts)
		assert.WithinDuration(t, second.ExpiresAt, got.ExpiresAt, time.Millisecond)
		require.NotNil(t, got.Pending)
		assert.Equal(t, "pk", got.Pending.PublicKey)
		assert.Equal(t, []string{"read"}, got.Pending.Scopes)
		assert.Equal(t, "bot", got.Pending.Metadata["name"])
		assert.Equal(t, second.Pending.PaymentWallet, got.Pending.PaymentWallet)

		require.NoError(t, s.DeleteChallenge(ctx, agentID))
		got, err = s.GetChallenge(ctx, agentID)
		require.NoError(t, err)
		assert.Nil(t, got)

		// Deleting an absent challenge is not an error.
		assert.NoError(t, s.DeleteChallenge(ctx, agentID))
	})

	t.Run("GetChallengeReturnsExpired", func(t *testing.T) {
		s, clock := newStore(t)
		agentID := uniq("agent")
		require.NoError(t, s.CreateChallenge(ctx, &types.Challenge{
			AgentID:   agentID,
			Nonce:     "n",
			Message:   "m",
			CreatedAt: start,
			ExpiresAt: start.Add(time.Minute),
		}))
		clock.Advance(2 * time.Minute)

		got, err := s.GetChallenge(ctx, agentID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Expired(clock.Now()))
	})

	t.Run("CleanExpiredChallenges", func(t *testing.T) {
		s, clock := newStore(t)
		short, long := uniq("agent"), uniq("agent")
		require.NoError(t, s.CreateChallenge(ctx, &types.Challenge{
			AgentID: short, Nonce: "a", Message: "a", CreatedAt: start, ExpiresAt: start.Add(time.Minute),
		}))
		require.NoError(t, s.CreateChallenge(ctx, &types.Challenge{
			AgentID: long, Nonce: "b", Message: "b", CreatedAt: start, ExpiresAt: start.Add(time.Hour),
		}))

		n, err := s.CleanExpiredChallenges(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		clock.Advance(2 * time.Minute)
		n, err = s.CleanExpiredChallenges(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		c, err := s.GetChallenge(ctx, short)
		require.NoError(t, err)
		assert.Nil(t, c)
		c, err = s.GetChallenge(ctx, long)
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s, _ := newStore(t)
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.GetAgent(canceled, "agent_x")
		assert.Error(t, err)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		s, _ := newStore(t)
		require.NoError(t, s.Close())
		assert.NoError(t, s.Close())

		_, err := s.GetAgent(ctx, "agent_x")
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}
