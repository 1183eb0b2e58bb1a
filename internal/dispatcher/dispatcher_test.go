package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/logpipeline"
	"github.com/relaykit/gateway/internal/registry"
	"github.com/relaykit/gateway/internal/selector"
)

// fakeStore is a minimal in-memory registry.Store double: embedding the nil
// interface and overriding only what a dispatch actually calls keeps this
// test from having to implement every CRUD method the admin surface needs.
type fakeStore struct {
	registry.Store
	groups    []registry.Group
	proxyKeys map[string]registry.ProxyKey // secret -> key
}

func (f *fakeStore) ListGroups(_ context.Context) ([]registry.Group, error) {
	return f.groups, nil
}

func (f *fakeStore) GetGroup(_ context.Context, id string) (registry.Group, error) {
	for _, g := range f.groups {
		if g.ID == id {
			return g, nil
		}
	}
	return registry.Group{}, registry.ErrNotFound
}

func (f *fakeStore) ProxyKeyBySecret(_ context.Context, secret string) (registry.ProxyKey, bool, error) {
	pk, ok := f.proxyKeys[secret]
	return pk, ok, nil
}

// memSink is an in-memory logpipeline.Sink double for assembling a real
// Pipeline without a database.
type memSink struct {
	mu    sync.Mutex
	items []logpipeline.Item
}

func (m *memSink) WriteBatch(_ context.Context, items []logpipeline.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, items...)
	return nil
}

func (m *memSink) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) { return 0, nil }
func (m *memSink) Close() error                                                  { return nil }

func newTestDispatcher(groups []registry.Group, proxyKeys map[string]registry.ProxyKey) (*Dispatcher, *memSink) {
	sink := &memSink{}
	pipeline := logpipeline.New(logpipeline.Config{ProcessingInterval: 5 * time.Millisecond, BatchSize: 50}, sink)
	go pipeline.Run(context.Background())

	tracker := health.NewTracker()
	return &Dispatcher{
		Store:    &fakeStore{groups: groups, proxyKeys: proxyKeys},
		Selector: selector.New(tracker),
		Tracker:  tracker,
		Pool:     httpclient.NewPool(),
		Pipeline: pipeline,
	}, sink
}

func chatGroup(id, baseURL string) registry.Group {
	return registry.Group{
		ID: id, Name: id, ProviderKind: registry.KindOpenAICompatChat, BaseURL: baseURL,
		Keys: []string{"sk-real-upstream-key"}, Models: []string{"gpt-4o"},
		Enabled: true, Policy: registry.PolicyRoundRobin,
	}
}

func TestDispatcher_ChatCompletions_InjectsUpstreamAuth(t *testing.T) {
	var receivedAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}},
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer sk-real-upstream-key", receivedAuth)
}

func TestDispatcher_MissingProxyKey_Returns401(t *testing.T) {
	d, _ := newTestDispatcher(nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Contains(t, body, "error")
}

func TestDispatcher_DisabledProxyKey_Returns401(t *testing.T) {
	d, _ := newTestDispatcher(nil, map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: false}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDispatcher_UnknownModel_Returns400(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}},
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"no-such-model"}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatcher_MalformedJSON_Returns400(t *testing.T) {
	d, _ := newTestDispatcher(nil, map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{not json`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatcher_ProxyKeyRestrictedToOtherGroup_NoViableGroup(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true, AllowedGroupIDs: []string{"some-other-group"}}},
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatcher_UpstreamErrorStatus_MarksKeyUnhealthy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}},
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	rec := d.Tracker.Get("g1", registry.HashKey("sk-real-upstream-key"))
	assert.Equal(t, health.StateUnhealthy, rec.State)
	assert.True(t, rec.StickyAuthError)
}

func TestDispatcher_Forbidden403_CountsFailureButNotSticky(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}},
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	rec := d.Tracker.Get("g1", registry.HashKey("sk-real-upstream-key"))
	assert.Equal(t, health.StateWarning, rec.State)
	assert.False(t, rec.StickyAuthError)
	assert.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestDispatcher_OtherClientErrorStatus_DoesNotResetFailureStreak(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	d, _ := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}},
	)
	d.Tracker.Observe("g1", registry.HashKey("sk-real-upstream-key"), health.ObsServerError, 503)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4o"}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	rec := d.Tracker.Get("g1", registry.HashKey("sk-real-upstream-key"))
	assert.Equal(t, 2, rec.ConsecutiveFailures)
}

func TestDispatcher_ClaudeMessages_UsesAPIKeyHeader(t *testing.T) {
	var receivedKey, receivedVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedKey = r.Header.Get("x-api-key")
		receivedVersion = r.Header.Get("Anthropic-Version")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	g := registry.Group{
		ID: "g1", ProviderKind: registry.KindAnthropicNative, BaseURL: upstream.URL,
		Keys: []string{"sk-ant-real"}, Models: []string{"claude-3-opus"}, Enabled: true,
	}
	d, _ := newTestDispatcher([]registry.Group{g}, map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}})

	req := httptest.NewRequest(http.MethodPost, "/claude/v1/messages", strings.NewReader(`{"model":"claude-3-opus"}`))
	req.Header.Set("x-api-key", "rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sk-ant-real", receivedKey)
	assert.Equal(t, "2023-06-01", receivedVersion)
}

func TestDispatcher_GeminiStreamingRoute_ForwardsToStreamSuffix(t *testing.T) {
	var gotPath, gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	g := registry.Group{
		ID: "g1", ProviderKind: registry.KindGeminiNative, BaseURL: upstream.URL,
		Keys: []string{"gem-real-key"}, Models: []string{"gemini-1.5-pro"}, Enabled: true,
	}
	d, _ := newTestDispatcher([]registry.Group{g}, map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}})

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-1.5-pro:streamGenerateContent", strings.NewReader(`{}`))
	req.Header.Set("x-goog-api-key", "rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gem-real-key", gotKey)
	assert.Contains(t, gotPath, ":streamGenerateContent")
}

func TestDispatcher_ListModels_AggregatesAcrossGroups(t *testing.T) {
	g1 := chatGroup("g1", "http://unused.invalid")
	g1.Models = []string{"gpt-4o"}
	g2 := chatGroup("g2", "http://unused.invalid")
	g2.Models = []string{"gpt-4o-mini"}

	d, _ := newTestDispatcher([]registry.Group{g1, g2}, map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer rk-test")
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	ids := map[string]bool{}
	for _, m := range body.Data {
		ids[m.ID] = true
	}
	assert.True(t, ids["gpt-4o"])
	assert.True(t, ids["gpt-4o-mini"])
}

func TestDispatcher_EnqueuesRequestLogEntry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	d, sink := newTestDispatcher(
		[]registry.Group{chatGroup("g1", upstream.URL)},
		map[string]registry.ProxyKey{"rk-test": {ID: "pk1", Enabled: true}},
	)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","tools":[{"type":"function"}]}`))
	req.Header.Set("Authorization", "Bearer rk-test")
	req.Header.Set("User-Agent", "test-client/1.0")
	req.RemoteAddr = "203.0.113.7:54321"
	w := httptest.NewRecorder()

	d.Routes().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.items) >= 2 // insert + update
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	insert := sink.items[0]
	assert.Equal(t, "pk1", insert.ProxyKeyID)
	assert.Equal(t, "203.0.113.7", insert.ClientIP)
	assert.Equal(t, "test-client/1.0", insert.UserAgent)
	assert.True(t, insert.HasTools)
	assert.Equal(t, string(registry.KindOpenAICompatChat), insert.ProviderKind)
}
