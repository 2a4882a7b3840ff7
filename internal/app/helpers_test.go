package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/notify"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/reputation"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/storage/storagetest"
	"github.com/agentgate/agentgate/internal/token"
	"github.com/agentgate/agentgate/pkg/auth"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

var epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type setup struct {
	scopes      []types.Scope
	rateLimit   types.RateLimit
	reputation  reputation.Config
	spending    spending.Config
	passthrough bool
	maxAttempts int
	notifier    notify.Notifier
	wrap        func(storage.Store) storage.Store
}

type harness struct {
	svc     *GatewayService
	store   storage.Store
	clock   *storagetest.Clock
	limiter *ratelimit.Limiter
	tracker *spending.Tracker
}

func newHarness(t *testing.T, configure func(*setup)) *harness {
	t.Helper()

	st := &setup{
		scopes: []types.Scope{
			{ID: "data.read", Description: "Read data"},
			{ID: "data.write", Description: "Write data"},
		},
		reputation: reputation.DefaultConfig(),
	}
	if configure != nil {
		configure(st)
	}

	clock := storagetest.NewClock(epoch)
	var store storage.Store = storage.NewMemoryStore(storage.Options{Now: clock.Now})
	if st.wrap != nil {
		store = st.wrap(store)
	}
	t.Cleanup(func() { store.Close() })

	tokens, err := token.NewIssuer([]byte(strings.Repeat("k", token.MinSecretSize)), "agentgate", time.Hour, clock.Now)
	require.NoError(t, err)
	rep, err := reputation.NewManager(st.reputation)
	require.NoError(t, err)
	tracker, err := spending.NewTracker(st.spending, clock.Now)
	require.NoError(t, err)
	limiter := ratelimit.New(clock.Now)

	svc, err := NewGatewayService(Deps{
		Store:      store,
		Tokens:     tokens,
		Reputation: rep,
		Limiter:    limiter,
		Spending:   tracker,
		Notifier:   st.notifier,
	}, Options{
		Namespace:         "agentgate",
		Scopes:            st.scopes,
		DefaultRateLimit:  st.rateLimit,
		MaxVerifyAttempts: st.maxAttempts,
		Passthrough:       st.passthrough,
		Now:               clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Wait)

	return &harness{svc: svc, store: store, clock: clock, limiter: limiter, tracker: tracker}
}

type registered struct {
	agentID    string
	apiKey     string
	token      string
	publicKey  string
	privateKey string
}

// register runs the full challenge flow for scopes.
func (h *harness) register(t *testing.T, scopes ...string) registered {
	t.Helper()
	pub, priv, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	reg, err := h.svc.Register(context.Background(), RegisterRequest{PublicKey: pub, ScopesRequested: scopes})
	require.NoError(t, err)
	sig, err := auth.Sign([]byte(reg.Challenge.Message), priv)
	require.NoError(t, err)

	ver, err := h.svc.VerifyRegistration(context.Background(), VerifyRequest{AgentID: reg.AgentID, Signature: sig})
	require.NoError(t, err)

	return registered{agentID: reg.AgentID, apiKey: ver.APIKey, token: ver.Token, publicKey: pub, privateKey: priv}
}

func (h *harness) agent(t *testing.T, id string) *types.Agent {
	t.Helper()
	a, err := h.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func (h *harness) setReputation(t *testing.T, id string, score float64) {
	t.Helper()
	_, err := h.store.UpdateAgent(context.Background(), id, types.AgentUpdate{Reputation: &score})
	require.NoError(t, err)
}

func requireCode(t *testing.T, err error, code string) *apperrors.AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok, "expected AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
	return appErr
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.AgentRegistered
	err    error
}

func (r *recordingNotifier) AgentRegistered(_ context.Context, e notify.AgentRegistered) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingNotifier) Events() []notify.AgentRegistered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.AgentRegistered(nil), r.events...)
}

var errStoreDown = errors.New("connection refused")

// flakyStore fails selected operations with an infrastructure error.
type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	fail map[string]bool
}

func newFlakyStore(inner storage.Store) *flakyStore {
	return &flakyStore{Store: inner, fail: map[string]bool{}}
}

func (f *flakyStore) Fail(op string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = on
}

func (f *flakyStore) failing(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail[op]
}

func (f *flakyStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	if f.failing("GetAgent") {
		return nil, errStoreDown
	}
	return f.Store.GetAgent(ctx, id)
}

func (f *flakyStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*types.Agent, error) {
	if f.failing("GetAgentByAPIKeyHash") {
		return nil, errStoreDown
	}
	return f.Store.GetAgentByAPIKeyHash(ctx, hash)
}

func (f *flakyStore) GetAgentByPublicKey(ctx context.Context, key string) (*types.Agent, error) {
	if f.failing("GetAgentByPublicKey") {
		return nil, errStoreDown
	}
	return f.Store.GetAgentByPublicKey(ctx, key)
}

func (f *flakyStore) UpdateAgent(ctx context.Context, id string, update types.AgentUpdate) (*types.Agent, error) {
	if f.failing("UpdateAgent") {
		return nil, errStoreDown
	}
	return f.Store.UpdateAgent(ctx, id, update)
}

func (f *flakyStore) CleanExpiredChallenges(ctx context.Context) (int, error) {
	if f.failing("CleanExpiredChallenges") {
		return 0, errStoreDown
	}
	return f.Store.CleanExpiredChallenges(ctx)
}
