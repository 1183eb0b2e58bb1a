package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/registry"
)

// fakeStore implements registry.Store over an in-memory group map, enough to
// exercise the admin handlers without a real database.
type fakeStore struct {
	registry.Store
	groups map[string]registry.Group
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: make(map[string]registry.Group)}
}

func (f *fakeStore) ListGroups(ctx context.Context) ([]registry.Group, error) {
	var out []registry.Group
	for _, g := range f.groups {
		if !g.Deleted {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) GetGroup(ctx context.Context, id string) (registry.Group, error) {
	g, ok := f.groups[id]
	if !ok || g.Deleted {
		return registry.Group{}, registry.ErrNotFound
	}
	return g, nil
}

func (f *fakeStore) CreateGroup(ctx context.Context, g registry.Group) (registry.Group, error) {
	if g.ID == "" {
		g.ID = "grp-" + g.Name
	}
	g.CreatedAt = time.Now()
	f.groups[g.ID] = g
	return g, nil
}

func (f *fakeStore) UpdateGroup(ctx context.Context, g registry.Group) (registry.Group, error) {
	existing, ok := f.groups[g.ID]
	if !ok {
		return registry.Group{}, registry.ErrNotFound
	}
	g.Keys = existing.Keys
	g.UpdatedAt = time.Now()
	f.groups[g.ID] = g
	return g, nil
}

func (f *fakeStore) DeleteGroup(ctx context.Context, id string) error {
	g, ok := f.groups[id]
	if !ok {
		return registry.ErrNotFound
	}
	g.Deleted = true
	f.groups[id] = g
	return nil
}

func (f *fakeStore) AddKeys(ctx context.Context, groupID string, keys []string) (registry.AddKeysResult, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return registry.AddKeysResult{}, registry.ErrNotFound
	}
	var result registry.AddKeysResult
	for _, k := range keys {
		dup := false
		for _, existing := range g.Keys {
			if existing == k {
				dup = true
				break
			}
		}
		if dup {
			result.Skipped++
			continue
		}
		g.Keys = append(g.Keys, k)
		result.Added++
	}
	f.groups[groupID] = g
	return result, nil
}

func (f *fakeStore) RemoveKeysByHash(ctx context.Context, groupID string, hashes []string) (int, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return 0, registry.ErrNotFound
	}
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	var kept []string
	removed := 0
	for _, k := range g.Keys {
		if want[registry.HashKey(k)] {
			removed++
			continue
		}
		kept = append(kept, k)
	}
	g.Keys = kept
	f.groups[groupID] = g
	return removed, nil
}

func newTestAPI() (*API, *fakeStore) {
	store := newFakeStore()
	a := &API{
		Store:     store,
		Tracker:   health.NewTracker(),
		Pool:      httpclient.NewPool(),
		JWTSecret: []byte("test-secret"),
		TokenTTL:  time.Hour,
		BootToken: "boot-secret",
	}
	return a, store
}

func loginAndGetToken(t *testing.T, a *API) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"token": "boot-secret"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestAdmin_Login_WrongBootToken_Returns401(t *testing.T) {
	a, _ := newTestAPI()
	body, _ := json.Marshal(map[string]string{"token": "nope"})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_Login_DisabledWhenBootTokenBlank(t *testing.T) {
	a, _ := newTestAPI()
	a.BootToken = ""
	body, _ := json.Marshal(map[string]string{"token": ""})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_ProtectedRoute_NoToken_Returns401(t *testing.T) {
	a, _ := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/groups", nil)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_CreateAndListGroups(t *testing.T) {
	a, _ := newTestAPI()
	tok := loginAndGetToken(t, a)

	createBody, _ := json.Marshal(map[string]any{
		"Name":         "openai-pool",
		"ProviderKind": "openai-compatible-chat",
		"BaseURL":      "https://api.openai.com",
		"Enabled":      true,
	})
	req := httptest.NewRequest(http.MethodPost, "/groups", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/groups", nil)
	listReq.Header.Set("Authorization", "Bearer "+tok)
	listRec := httptest.NewRecorder()
	a.Routes().ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var groups []groupView
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "openai-pool", groups[0].Name)
}

func TestAdmin_ClearInvalidKeys_RemovesOnlyStickyAuthErrorKeys(t *testing.T) {
	a, store := newTestAPI()
	tok := loginAndGetToken(t, a)

	g, err := store.CreateGroup(context.Background(), registry.Group{
		ID:      "grp-test",
		Name:    "test",
		Keys:    []string{"sk-bad", "sk-good"},
		Enabled: true,
	})
	require.NoError(t, err)

	a.Tracker.Observe(g.ID, registry.HashKey("sk-bad"), health.ObsClientError, http.StatusUnauthorized)
	a.Tracker.Observe(g.ID, registry.HashKey("sk-good"), health.ObsSuccess, http.StatusOK)

	req := httptest.NewRequest(http.MethodPost, "/groups/"+g.ID+"/keys/clear-invalid", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Removed int `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Removed)

	updated, err := store.GetGroup(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-good"}, updated.Keys)
}

func TestAdmin_GroupUsagePlaceholder_IsExplicitlyUnsupported(t *testing.T) {
	a, store := newTestAPI()
	tok := loginAndGetToken(t, a)
	g, err := store.CreateGroup(context.Background(), registry.Group{ID: "grp-x", Name: "x"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/groups/"+g.ID+"/usage", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Supported bool `json:"supported"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Supported)
}

func TestAdmin_DiscoverModels_ReturnsUpstreamCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"}]}`))
	}))
	defer srv.Close()

	a, store := newTestAPI()
	tok := loginAndGetToken(t, a)
	g, err := store.CreateGroup(context.Background(), registry.Group{
		ID:           "grp-openai",
		Name:         "openai-pool",
		ProviderKind: registry.KindOpenAICompatChat,
		BaseURL:      srv.URL,
		Keys:         []string{"sk-key"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/groups/"+g.ID+"/discover-models", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []string `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"gpt-4o"}, resp.Models)
}

func TestAdmin_DiscoverModels_NoKeysReturnsUnprocessable(t *testing.T) {
	a, store := newTestAPI()
	tok := loginAndGetToken(t, a)
	g, err := store.CreateGroup(context.Background(), registry.Group{ID: "grp-empty", Name: "empty"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/groups/"+g.ID+"/discover-models", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
