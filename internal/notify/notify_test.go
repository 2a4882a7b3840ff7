package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(url string) WebhookConfig {
	cfg := DefaultWebhookConfig(url)
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 5 * time.Millisecond
	return cfg
}

func TestWebhookDeliversEvent(t *testing.T) {
	var got AgentRegistered
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, EventAgentRegistered, r.Header.Get("X-Agentgate-Event"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(fastConfig(srv.URL))
	require.NoError(t, err)

	err = n.AgentRegistered(context.Background(), AgentRegistered{
		AgentID: "agent_1",
		Scopes:  []string{"data.read"},
	})
	require.NoError(t, err)
	assert.Equal(t, EventAgentRegistered, got.Event)
	assert.Equal(t, "agent_1", got.AgentID)
	assert.Equal(t, []string{"data.read"}, got.Scopes)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(fastConfig(srv.URL))
	require.NoError(t, err)

	require.NoError(t, n.AgentRegistered(context.Background(), AgentRegistered{AgentID: "agent_1"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.RetryMax = 2
	n, err := NewWebhookNotifier(cfg)
	require.NoError(t, err)

	assert.Error(t, n.AgentRegistered(context.Background(), AgentRegistered{AgentID: "agent_1"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(fastConfig(srv.URL))
	require.NoError(t, err)

	err = n.AgentRegistered(context.Background(), AgentRegistered{AgentID: "agent_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhookNotifierRequiresURL(t *testing.T) {
	_, err := NewWebhookNotifier(WebhookConfig{})
	assert.Error(t, err)
}

type failing struct{ err error }

func (f failing) AgentRegistered(context.Context, AgentRegistered) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{Nop{}, failing{err: boom}, Nop{}}
	assert.ErrorIs(t, m.AgentRegistered(context.Background(), AgentRegistered{}), boom)

	assert.NoError(t, Multi{Nop{}}.AgentRegistered(context.Background(), AgentRegistered{}))
}
