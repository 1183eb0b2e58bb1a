package workers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaykit/gateway/internal/adapter"
	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/logpipeline"
	"github.com/relaykit/gateway/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeKey_SuccessClearsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := health.NewTracker()
	g := registry.Group{ID: "g1", ProviderKind: registry.KindOpenAICompatChat, BaseURL: srv.URL}
	a, err := adapter.ForKind(g.ProviderKind)
	require.NoError(t, err)

	probeKey(context.Background(), srv.Client(), a, g, "sk-key", tracker, true)

	rec := tracker.Get("g1", registry.HashKey("sk-key"))
	assert.Equal(t, health.StateHealthy, rec.State)
}

func TestProbeKey_401MarksUnhealthySticky(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tracker := health.NewTracker()
	g := registry.Group{ID: "g1", ProviderKind: registry.KindOpenAICompatChat, BaseURL: srv.URL}
	a, err := adapter.ForKind(g.ProviderKind)
	require.NoError(t, err)

	probeKey(context.Background(), srv.Client(), a, g, "sk-key", tracker, true)

	rec := tracker.Get("g1", registry.HashKey("sk-key"))
	assert.Equal(t, health.StateUnhealthy, rec.State)
	assert.True(t, rec.StickyAuthError)
}

func TestProbeKey_RecoveryProbeDoesNotRecordFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tracker := health.NewTracker()
	g := registry.Group{ID: "g1", ProviderKind: registry.KindOpenAICompatChat, BaseURL: srv.URL}
	a, err := adapter.ForKind(g.ProviderKind)
	require.NoError(t, err)

	tracker.Observe("g1", registry.HashKey("sk-key"), health.ObsServerError, 503)
	before := tracker.Get("g1", registry.HashKey("sk-key"))

	probeKey(context.Background(), srv.Client(), a, g, "sk-key", tracker, false)

	after := tracker.Get("g1", registry.HashKey("sk-key"))
	assert.Equal(t, before.ConsecutiveFailures, after.ConsecutiveFailures)
	assert.Equal(t, before.State, after.State)
}

func TestProbeCatalog_RecordsProviderAndModelHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	}))
	defer srv.Close()

	tracker := health.NewTracker()
	g := registry.Group{
		ID:           "g1",
		ProviderKind: registry.KindOpenAICompatChat,
		BaseURL:      srv.URL,
		Keys:         []string{"sk-key"},
		Models:       []string{"gpt-4o", "gpt-4-turbo"},
	}
	a, err := adapter.ForKind(g.ProviderKind)
	require.NoError(t, err)

	probeCatalog(context.Background(), srv.Client(), a, g, tracker)

	rec, ok := tracker.GetProvider("g1")
	require.True(t, ok)
	assert.True(t, rec.Healthy)
	assert.True(t, tracker.ModelUsable("g1", "gpt-4o"))
}

func TestProbeCatalog_UpstreamDownMarksProviderUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tracker := health.NewTracker()
	g := registry.Group{
		ID:           "g1",
		ProviderKind: registry.KindOpenAICompatChat,
		BaseURL:      srv.URL,
		Keys:         []string{"sk-key"},
		Models:       []string{"gpt-4o"},
	}
	a, err := adapter.ForKind(g.ProviderKind)
	require.NoError(t, err)

	probeCatalog(context.Background(), srv.Client(), a, g, tracker)

	rec, ok := tracker.GetProvider("g1")
	require.True(t, ok)
	assert.False(t, rec.Healthy)
}

type emptyStore struct {
	registry.Store
}

func (emptyStore) ListGroups(_ context.Context) ([]registry.Group, error) {
	return nil, nil
}

func TestHealthProber_ExitsOnContextCancel(t *testing.T) {
	prober := &HealthProber{
		Store:   emptyStore{},
		Tracker: health.NewTracker(),
		Pool:    httpclient.NewPool(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		prober.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not exit after context cancellation")
	}
}

func TestKeyRecovery_ExitsOnContextCancel(t *testing.T) {
	kr := &KeyRecovery{
		Store:   emptyStore{},
		Tracker: health.NewTracker(),
		Pool:    httpclient.NewPool(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		kr.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("key recovery worker did not exit after context cancellation")
	}
}

func TestLogCleanup_EmptySinkDeletesNothing(t *testing.T) {
	sink, err := logpipeline.NewSQLiteSink(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	cleanup := &LogCleanup{Sink: sink, RetentionDays: 30}
	n, err := sink.DeleteOlderThan(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	_ = cleanup
}
