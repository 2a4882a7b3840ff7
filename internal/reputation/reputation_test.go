package reputation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, gates ...Gate) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Gates = gates
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestCalculateScore(t *testing.T) {
	m := newManager(t)

	assert.InDelta(t, 50.1, m.CalculateScore(50, EventRequestSuccess), 1e-9)
	assert.InDelta(t, 49.5, m.CalculateScore(50, EventRequestBlocked), 1e-9)
	assert.InDelta(t, 52, m.CalculateScore(50, EventPaymentSuccess), 1e-9)
	assert.InDelta(t, 45, m.CalculateScore(50, EventPaymentFailed), 1e-9)
	assert.InDelta(t, 49, m.CalculateScore(50, EventRateLimited), 1e-9)
	assert.Equal(t, 50.0, m.CalculateScore(50, Event("unknown")))
}

func TestScoreIsClamped(t *testing.T) {
	m := newManager(t)

	score := 3.0
	for i := 0; i < 10; i++ {
		score = m.CalculateScore(score, EventPaymentFailed)
		assert.GreaterOrEqual(t, score, 0.0)
	}
	assert.Equal(t, 0.0, score)

	score = 97
	for i := 0; i < 10; i++ {
		score = m.CalculateScore(score, EventPaymentSuccess)
		assert.LessOrEqual(t, score, 100.0)
	}
	assert.Equal(t, 100.0, score)
}

func TestAdjuster(t *testing.T) {
	m := newManager(t)
	adjust := m.Adjuster(EventRequestBlocked)
	assert.InDelta(t, 24.5, adjust(25), 1e-9)
	assert.Equal(t, 0.0, adjust(0.2))
}

func TestCheckGate(t *testing.T) {
	t.Run("no gates always allowed", func(t *testing.T) {
		r := newManager(t).CheckGate(0, "data.read")
		assert.True(t, r.Allowed)
		assert.Empty(t, r.Action)
	})

	t.Run("block below threshold", func(t *testing.T) {
		m := newManager(t, Gate{MinReputation: 60, Action: ActionBlock})
		r := m.CheckGate(25, "data.read")
		assert.False(t, r.Allowed)
		assert.Equal(t, ActionBlock, r.Action)
		assert.Equal(t, 60.0, r.RequiredScore)
		assert.Equal(t, 25.0, r.CurrentScore)
	})

	t.Run("score at threshold passes", func(t *testing.T) {
		m := newManager(t, Gate{MinReputation: 60, Action: ActionBlock})
		assert.True(t, m.CheckGate(60, "").Allowed)
	})

	t.Run("warn only", func(t *testing.T) {
		m := newManager(t, Gate{MinReputation: 40, Action: ActionWarn})
		r := m.CheckGate(30, "data.read")
		assert.True(t, r.Allowed)
		assert.Equal(t, ActionWarn, r.Action)
		assert.Equal(t, 40.0, r.RequiredScore)
	})

	t.Run("block wins over warn", func(t *testing.T) {
		m := newManager(t,
			Gate{MinReputation: 90, Action: ActionWarn},
			Gate{MinReputation: 30, Action: ActionBlock},
		)
		r := m.CheckGate(20, "")
		assert.False(t, r.Allowed)
		assert.Equal(t, ActionBlock, r.Action)
		assert.Equal(t, 30.0, r.RequiredScore)
	})

	t.Run("most restrictive block reported", func(t *testing.T) {
		m := newManager(t,
			Gate{MinReputation: 30, Action: ActionBlock},
			Gate{MinReputation: 70, Action: ActionBlock},
		)
		r := m.CheckGate(20, "")
		assert.Equal(t, 70.0, r.RequiredScore)
	})

	t.Run("scope filters", func(t *testing.T) {
		m := newManager(t,
			Gate{MinReputation: 80, Scopes: []string{"payments.*"}, Action: ActionBlock},
			Gate{MinReputation: 60, Scopes: []string{"data.write"}, Action: ActionBlock},
		)
		assert.True(t, m.CheckGate(50, "data.read").Allowed)
		assert.False(t, m.CheckGate(50, "data.write").Allowed)
		assert.False(t, m.CheckGate(50, "payments.send").Allowed)
		assert.True(t, m.CheckGate(50, "paymentsx").Allowed)
		assert.True(t, m.CheckGate(50, "").Allowed)
	})
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{Min: 10, Max: 5})
	assert.Error(t, err)

	_, err = NewManager(Config{Min: 0, Max: 100, Default: 150})
	assert.Error(t, err)

	_, err = NewManager(Config{Gates: []Gate{{MinReputation: 10, Action: "explode"}}})
	assert.Error(t, err)

	_, err = NewManager(Config{Deltas: map[Event]float64{"made_up": 1}})
	assert.Error(t, err)

	m, err := NewManager(Config{Deltas: map[Event]float64{EventRequestBlocked: -3}})
	require.NoError(t, err)
	assert.Equal(t, -3.0, m.Delta(EventRequestBlocked))
	assert.Equal(t, 0.1, m.Delta(EventRequestSuccess))
	assert.Equal(t, 50.0, m.Default())

	m, err = NewManager(Config{Gates: []Gate{{MinReputation: 10}}})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, m.Gates()[0].Action)
}
