package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaykit/gateway/internal/adapter"
	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/registry"
)

// API is the admin HTTP surface: group/proxy-key CRUD over a registry.Store,
// health-record inspection over a health.Tracker, and its own session-token
// auth layer. Construct one with every field populated and mount Routes().
type API struct {
	Store   registry.Store
	Tracker *health.Tracker
	// Pool supplies HTTP clients for the model-discovery endpoint.
	Pool *httpclient.Pool

	// JWTSecret signs issued session tokens.
	JWTSecret []byte
	// TokenTTL is how long an issued session token remains valid.
	TokenTTL time.Duration
	// BootToken is the shared operator secret exchanged for a session
	// token at /login. A blank value disables the entire admin surface.
	BootToken string
}

// Routes returns the admin API's router: /login is public, everything else
// requires a valid session token.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/login", a.login)

	r.Group(func(r chi.Router) {
		r.Use(a.requireSession)

		r.Get("/groups", a.listGroups)
		r.Post("/groups", a.createGroup)
		r.Get("/groups/{id}", a.getGroup)
		r.Put("/groups/{id}", a.updateGroup)
		r.Delete("/groups/{id}", a.deleteGroup)
		r.Post("/groups/{id}/keys", a.addKeys)
		r.Delete("/groups/{id}/keys", a.removeKey)
		r.Post("/groups/{id}/keys/clear-invalid", a.clearInvalidKeys)
		r.Get("/groups/{id}/health", a.groupHealth)
		r.Get("/groups/{id}/usage", a.groupUsagePlaceholder)
		r.Get("/groups/{id}/discover-models", a.discoverModels)

		r.Get("/proxy-keys", a.listProxyKeys)
		r.Post("/proxy-keys", a.createProxyKey)
		r.Post("/proxy-keys/{id}/enable", a.setProxyKeyEnabled(true))
		r.Post("/proxy-keys/{id}/disable", a.setProxyKeyEnabled(false))

		r.Post("/keys/clear-invalid", a.clearInvalidKeysGlobal)

		r.Get("/export", a.export)
		r.Post("/import", a.importGroups)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// groupView is a group rendered for the admin API: raw key material is never
// serialized, only each key's masked form and its tracked health state.
type groupView struct {
	registry.Group
	Keys       []string           `json:"-"` // never serialize raw keys
	KeyHealth  []keyHealthView    `json:"key_health"`
}

type keyHealthView struct {
	Masked          string       `json:"masked_key"`
	KeyHash         string       `json:"key_hash"`
	State           health.State `json:"state"`
	StickyAuthError bool         `json:"sticky_auth_error"`
	LastStatusCode  int          `json:"last_status_code"`
}

func (a *API) renderGroup(g registry.Group) groupView {
	v := groupView{Group: g}
	for _, k := range g.Keys {
		hash := registry.HashKey(k)
		rec := a.Tracker.Get(g.ID, hash)
		v.KeyHealth = append(v.KeyHealth, keyHealthView{
			Masked:          registry.MaskKey(k),
			KeyHash:         hash,
			State:           rec.State,
			StickyAuthError: rec.StickyAuthError,
			LastStatusCode:  rec.LastStatusCode,
		})
	}
	return v
}

func (a *API) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Store.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, a.renderGroup(g))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := a.Store.GetGroup(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.renderGroup(g))
}

func (a *API) createGroup(w http.ResponseWriter, r *http.Request) {
	var g registry.Group
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := a.Store.CreateGroup(r.Context(), g)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a.renderGroup(created))
}

func (a *API) updateGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var g registry.Group
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	g.ID = id
	updated, err := a.Store.UpdateGroup(r.Context(), g)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.renderGroup(updated))
}

func (a *API) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.DeleteGroup(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := a.Store.AddKeys(r.Context(), id, body.Keys)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) removeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.Store.RemoveKey(r.Context(), id, body.Key); err != nil {
		writeStoreError(w, err)
		return
	}
	a.Tracker.Forget(id, registry.HashKey(body.Key))
	w.WriteHeader(http.StatusNoContent)
}

// clearInvalidKeys removes every key in the group whose health record has a
// sticky 401 recorded against it. The health tracker, not the registry,
// owns the notion of "invalid" here, so the candidate set is computed from
// Tracker and only the removal is delegated to the store.
func (a *API) clearInvalidKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hashes := a.Tracker.InvalidKeyHashes(id)
	if len(hashes) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"removed": 0})
		return
	}
	n, err := a.Store.RemoveKeysByHash(r.Context(), id, hashes)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	for _, h := range hashes {
		a.Tracker.Forget(id, h)
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// clearInvalidKeysGlobal is the operator-wide form of the "clear invalid"
// action: it removes every key carrying a sticky 401 (one not since cleared
// by a successful probe), across every group, rather than requiring one
// call per group.
func (a *API) clearInvalidKeysGlobal(w http.ResponseWriter, r *http.Request) {
	groups, err := a.Store.ListGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	removed := 0
	for _, g := range groups {
		hashes := a.Tracker.InvalidKeyHashes(g.ID)
		if len(hashes) == 0 {
			continue
		}
		n, err := a.Store.RemoveKeysByHash(r.Context(), g.ID, hashes)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for _, h := range hashes {
			a.Tracker.Forget(g.ID, h)
		}
		removed += n
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *API) groupHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records := a.Tracker.GroupRecords(id)
	writeJSON(w, http.StatusOK, records)
}

// groupUsagePlaceholder answers the per-group token/usage statistics
// endpoint: this gateway doesn't parse provider response bodies on the hot
// path, so it has no token counts to report. Rather than silently
// returning zeroes that could be mistaken for real data, the payload says
// so explicitly.
func (a *API) groupUsagePlaceholder(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"supported": false,
		"reason":    "usage/token accounting requires parsing provider response bodies, which this gateway deliberately never does on the forwarding hot path",
	})
}

// discoverModels lists the models a group's upstream currently serves,
// using the group's first key. It is the same Discover
// call the health prober uses for its provider-level probe, just invoked
// on demand instead of on a ticker.
func (a *API) discoverModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, err := a.Store.GetGroup(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(g.Keys) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "group has no keys to discover models with")
		return
	}
	ad, err := adapter.ForKind(g.ProviderKind)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	client, err := a.Pool.Client(httpclient.DerefProxy(g.Proxy), g.ConnectTimeout())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids, err := adapter.Discover(r.Context(), client, ad, g.BaseURL, g.Keys[0])
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": ids})
}

func (a *API) listProxyKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := a.Store.ListProxyKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (a *API) createProxyKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name            string   `json:"name"`
		AllowedGroupIDs []string `json:"allowed_group_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pk, secret, err := a.Store.CreateProxyKey(r.Context(), body.Name, body.AllowedGroupIDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// The raw secret is only ever available at this moment; the store
	// persists just its hash.
	writeJSON(w, http.StatusCreated, map[string]any{
		"proxy_key": pk,
		"secret":    secret,
	})
}

func (a *API) setProxyKeyEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := a.Store.SetProxyKeyEnabled(r.Context(), id, enabled); err != nil {
			writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) export(w http.ResponseWriter, r *http.Request) {
	groupIDs := r.URL.Query()["group_id"]
	blob, err := a.Store.Export(r.Context(), groupIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="groups-export.json"`)
	_, _ = w.Write(blob)
}

func (a *API) importGroups(w http.ResponseWriter, r *http.Request) {
	blob, err := readAll(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	result, err := a.Store.Import(r.Context(), blob)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func readAll(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}
