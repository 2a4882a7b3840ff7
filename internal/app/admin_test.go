package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/pkg/auth"
	apperrors "github.com/agentgate/agentgate/pkg/errors"
	"github.com/agentgate/agentgate/pkg/types"
)

func TestAdminGetAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.register(t, "data.read")

	got, err := h.svc.GetAgent(ctx, a.agentID)
	require.NoError(t, err)
	assert.Equal(t, a.publicKey, got.PublicKey)

	_, err = h.svc.GetAgent(ctx, auth.RandomID(AgentIDPrefix))
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
}

func TestAdminUpdateAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.register(t, "data.read", "data.write")

	suspended := types.AgentStatusSuspended
	score := 150.0
	limit := types.RateLimit{Requests: 5, Window: time.Hour}
	updated, err := h.svc.UpdateAgent(ctx, a.agentID, AdminUpdateRequest{
		Status:       &suspended,
		Metadata:     map[string]any{"owner": "ops"},
		RevokeScopes: []string{"data.write"},
		Reputation:   &score,
		RateLimit:    &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusSuspended, updated.Status)
	assert.Equal(t, "ops", updated.Metadata["owner"])
	assert.Equal(t, []string{"data.read"}, updated.ScopesGranted)
	assert.Equal(t, 100.0, updated.Reputation, "score is clamped")
	assert.Equal(t, limit, updated.RateLimit)

	_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.read"})
	requireCode(t, err, apperrors.ErrCodeAgentInactive)

	active := types.AgentStatusActive
	_, err = h.svc.UpdateAgent(ctx, a.agentID, AdminUpdateRequest{Status: &active})
	require.NoError(t, err)
	_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.write"})
	requireCode(t, err, apperrors.ErrCodeInsufficientScope)

	res, err := h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.read"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.RateLimit.Limit)
}

func TestAdminUpdateAgentRejects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.register(t, "data.read")

	bogus := types.AgentStatus("retired")
	_, err := h.svc.UpdateAgent(ctx, a.agentID, AdminUpdateRequest{Status: &bogus})
	requireCode(t, err, apperrors.ErrCodeInvalidRequest)

	_, err = h.svc.UpdateAgent(ctx, a.agentID, AdminUpdateRequest{RateLimit: &types.RateLimit{}})
	requireCode(t, err, apperrors.ErrCodeInvalidRequest)

	_, err = h.svc.UpdateAgent(ctx, a.agentID, AdminUpdateRequest{Metadata: map[string]any{"": 1}})
	requireCode(t, err, apperrors.ErrCodeInvalidRequest)

	suspended := types.AgentStatusSuspended
	_, err = h.svc.UpdateAgent(ctx, auth.RandomID(AgentIDPrefix), AdminUpdateRequest{Status: &suspended})
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)

	_, err = h.svc.UpdateAgent(ctx, auth.RandomID(AgentIDPrefix), AdminUpdateRequest{RevokeScopes: []string{"data.read"}})
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
}

func TestAdminDeleteAgent(t *testing.T) {
	h := newHarness(t, pricedSetup(spending.CapHard))
	ctx := context.Background()
	a := h.register(t, "data.premium")

	_, err := h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.premium"})
	require.NoError(t, err)
	require.Equal(t, 1, h.limiter.Len())
	_, err = h.svc.SetAgentCaps(ctx, a.agentID, []spending.Cap{{Amount: 1, Currency: "usd", Period: spending.PeriodHourly}})
	require.NoError(t, err)

	require.NoError(t, h.svc.DeleteAgent(ctx, a.agentID))
	assert.Equal(t, 0, h.limiter.Len())
	assert.Empty(t, h.tracker.Report(a.agentID))
	assert.Equal(t, spending.PeriodDaily, h.tracker.CapsFor(a.agentID)[0].Period, "override removed")

	err = h.svc.DeleteAgent(ctx, a.agentID)
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
}

func TestAdminSpendingCaps(t *testing.T) {
	h := newHarness(t, pricedSetup(spending.CapHard))
	ctx := context.Background()
	a := h.register(t, "data.premium")

	caps, err := h.svc.SetAgentCaps(ctx, a.agentID, []spending.Cap{{Amount: 5, Currency: "usd", Period: spending.PeriodHourly}})
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, "USD", caps[0].Currency)
	assert.Equal(t, spending.CapHard, caps[0].Type)

	_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.premium"})
	require.NoError(t, err)
	_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.premium"})
	requireCode(t, err, apperrors.ErrCodeSpendingCapExceeded)

	report, err := h.svc.Spending(ctx, a.agentID)
	require.NoError(t, err)
	assert.Equal(t, caps, report.Caps)
	require.Len(t, report.Records, 1)
	assert.Equal(t, 4.0, report.Records[0].Amount)

	require.NoError(t, h.svc.ResetSpending(ctx, a.agentID, spending.PeriodHourly))
	report, err = h.svc.Spending(ctx, a.agentID)
	require.NoError(t, err)
	assert.Empty(t, report.Records)

	require.NoError(t, h.svc.RemoveAgentCaps(ctx, a.agentID))
	report, err = h.svc.Spending(ctx, a.agentID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, report.Caps[0].Amount)

	_, err = h.svc.SetAgentCaps(ctx, a.agentID, []spending.Cap{{Amount: -1, Currency: "USD", Period: spending.PeriodDaily}})
	requireCode(t, err, apperrors.ErrCodeInvalidRequest)
	err = h.svc.ResetSpending(ctx, a.agentID, "yearly")
	requireCode(t, err, apperrors.ErrCodeInvalidRequest)

	unknown := auth.RandomID(AgentIDPrefix)
	_, err = h.svc.SetAgentCaps(ctx, unknown, caps)
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
	_, err = h.svc.Spending(ctx, unknown)
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
	err = h.svc.RemoveAgentCaps(ctx, unknown)
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
}

func TestRecordPayment(t *testing.T) {
	h := newHarness(t, pricedSetup(spending.CapHard))
	ctx := context.Background()
	a := h.register(t, "data.premium")

	resp, err := h.svc.RecordPayment(ctx, a.agentID, PaymentRequest{Amount: 6, Currency: "usd", Success: true})
	require.NoError(t, err)
	assert.Equal(t, 52.0, resp.Reputation)
	assert.Equal(t, 6.0, resp.TotalSpend["USD"])
	require.Len(t, resp.Records, 1)
	assert.Equal(t, 6.0, resp.Records[0].Amount)

	// Recorded payments count against the cap.
	_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.premium"})
	require.NoError(t, err)
	_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.premium"})
	requireCode(t, err, apperrors.ErrCodeSpendingCapExceeded)

	resp, err = h.svc.RecordPayment(ctx, a.agentID, PaymentRequest{Amount: 3, Success: false})
	require.NoError(t, err)
	assert.InDelta(t, 52.0+0.1-0.5-5, resp.Reputation, 1e-9)
	assert.Equal(t, 10.0, resp.TotalSpend["USD"])
	assert.Empty(t, resp.Records)

	_, err = h.svc.RecordPayment(ctx, a.agentID, PaymentRequest{Amount: 0, Success: true})
	requireCode(t, err, apperrors.ErrCodeInvalidRequest)
	_, err = h.svc.RecordPayment(ctx, auth.RandomID(AgentIDPrefix), PaymentRequest{Amount: 1, Success: true})
	requireCode(t, err, apperrors.ErrCodeAgentNotFound)
}

func TestRecordPaymentStoreFailureLeavesTrackerUntouched(t *testing.T) {
	var flaky *flakyStore
	h := newHarness(t, func(s *setup) {
		pricedSetup(spending.CapHard)(s)
		s.wrap = func(inner storage.Store) storage.Store {
			flaky = newFlakyStore(inner)
			return flaky
		}
	})
	ctx := context.Background()
	a := h.register(t, "data.premium")

	flaky.Fail("UpdateAgent", true)
	_, err := h.svc.RecordPayment(ctx, a.agentID, PaymentRequest{Amount: 6, Success: true})
	requireCode(t, err, apperrors.ErrCodeServiceUnavailable)
	assert.Empty(t, h.tracker.Report(a.agentID))

	flaky.Fail("UpdateAgent", false)
	for i := 0; i < 2; i++ {
		_, err = h.svc.Guard(ctx, GuardRequest{Credential: a.apiKey, Scope: "data.premium"})
		require.NoError(t, err)
	}
	assert.Equal(t, 8.0, h.agent(t, a.agentID).TotalSpend["USD"])
}
