// Package dispatcher implements the gateway's public HTTP surface:
// authenticate the caller's proxy key, select a group and key, forward the
// request to the upstream provider as a transparent byte pipe, and record
// health observations and a request log entry. Request and response bodies
// are never parsed or rewritten on this path, only a shallow scan for
// "model", "stream" and "tools" fields, the minimum needed to route, decide
// whether to stream the reply, and label the log entry.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaykit/gateway/internal/adapter"
	"github.com/relaykit/gateway/internal/gwerrors"
	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/logging"
	"github.com/relaykit/gateway/internal/logpipeline"
	"github.com/relaykit/gateway/internal/metrics"
	"github.com/relaykit/gateway/internal/registry"
	"github.com/relaykit/gateway/internal/selector"
)

// Dispatcher wires the registry, selector, health tracker, HTTP client pool
// and log pipeline into the request path.
type Dispatcher struct {
	Store        registry.Store
	Selector     *selector.Selector
	Tracker      *health.Tracker
	Pool         *httpclient.Pool
	Pipeline     *logpipeline.Pipeline
	MaxBodyBytes int64
}

// route describes one public endpoint's dialect-specific wiring.
type route struct {
	kind    registry.ProviderKind
	dialect gwerrors.Dialect
	suffix  string // upstream path suffix appended to the group's base URL
	auth    authMode
}

type authMode int

const (
	authBearer authMode = iota // "Authorization: Bearer <proxy key>"
	authAPIKey                 // "x-api-key: <proxy key>" (Claude dialect convention)
	authGoogle                 // "x-goog-api-key: <proxy key>"
)

// Routes builds the chi router for the public surface.
func (d *Dispatcher) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Post("/v1/chat/completions", d.handle(route{kind: registry.KindOpenAICompatChat, dialect: gwerrors.DialectOpenAI, suffix: "/chat/completions", auth: authBearer}))
	r.Post("/v1/responses", d.handle(route{kind: registry.KindOpenAICompatResponses, dialect: gwerrors.DialectOpenAI, suffix: "/responses", auth: authBearer}))
	r.Get("/v1/responses/{id}", d.handleByPathModel(route{kind: registry.KindOpenAICompatResponses, dialect: gwerrors.DialectOpenAI, auth: authBearer}, "/responses/{id}"))
	r.Delete("/v1/responses/{id}", d.handleByPathModel(route{kind: registry.KindOpenAICompatResponses, dialect: gwerrors.DialectOpenAI, auth: authBearer}, "/responses/{id}"))
	r.Post("/v1/responses/{id}/cancel", d.handleByPathModel(route{kind: registry.KindOpenAICompatResponses, dialect: gwerrors.DialectOpenAI, auth: authBearer}, "/responses/{id}/cancel"))
	r.Get("/v1/models", d.handleListModels(registry.KindOpenAICompatChat, gwerrors.DialectOpenAI, authBearer))

	r.Post("/claude/v1/messages", d.handle(route{kind: registry.KindAnthropicNative, dialect: gwerrors.DialectAnthropic, suffix: "/v1/messages", auth: authAPIKey}))
	r.Get("/claude/v1/models", d.handleListModels(registry.KindAnthropicNative, gwerrors.DialectAnthropic, authAPIKey))

	r.Post("/v1beta/models/{model}:generateContent", d.handleGemini(false))
	r.Post("/v1beta/models/{model}:streamGenerateContent", d.handleGemini(true))
	r.Get("/v1beta/models", d.handleListModels(registry.KindGeminiNative, gwerrors.DialectGemini, authGoogle))

	return r
}

// proxyKeyFromRequest extracts the caller's proxy key per the route's auth
// convention: each dialect keeps its native credential header, repurposed
// to carry the gateway's own opaque proxy key.
func proxyKeyFromRequest(r *http.Request, mode authMode) string {
	switch mode {
	case authAPIKey:
		return r.Header.Get("x-api-key")
	case authGoogle:
		if v := r.Header.Get("x-goog-api-key"); v != "" {
			return v
		}
		return r.URL.Query().Get("key")
	default:
		return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
}

func (d *Dispatcher) authenticate(r *http.Request, mode authMode) (registry.ProxyKey, error) {
	secret := proxyKeyFromRequest(r, mode)
	if secret == "" {
		return registry.ProxyKey{}, gwerrors.New(gwerrors.KindAuthMissing, "missing proxy key credential")
	}
	pk, ok, err := d.Store.ProxyKeyBySecret(r.Context(), secret)
	if err != nil {
		return registry.ProxyKey{}, gwerrors.Wrap(gwerrors.KindInternal, "proxy key lookup failed", err)
	}
	if !ok || !pk.Enabled {
		return registry.ProxyKey{}, gwerrors.New(gwerrors.KindAuthInvalid, "invalid or disabled proxy key")
	}
	return pk, nil
}

// candidateGroups returns every group of the given kind the proxy key may
// route to.
func (d *Dispatcher) candidateGroups(ctx context.Context, pk registry.ProxyKey, kind registry.ProviderKind) ([]registry.Group, error) {
	all, err := d.Store.ListGroups(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "list groups failed", err)
	}
	var out []registry.Group
	for _, g := range all {
		if g.ProviderKind == kind && pk.AllowsGroup(g.ID) {
			out = append(out, g)
		}
	}
	return out, nil
}

// handle wires one POST-with-JSON-body route.
func (d *Dispatcher) handle(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.serve(w, r, rt, rt.suffix, extractModelFromBody)
	}
}

// handleByPathModel wires a route whose upstream suffix is templated with a
// chi URL param (e.g. "/responses/{id}") and which, lacking a JSON body to
// read "model" from, resolves its group from the X-Gateway-Group header, a
// convention for the async Responses lifecycle endpoints since GET/DELETE/
// cancel calls have no body to carry a model hint.
func (d *Dispatcher) handleByPathModel(rt route, suffixTemplate string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		suffix := strings.ReplaceAll(suffixTemplate, "{id}", id)
		rt.suffix = suffix
		d.serveWithGroupHeader(w, r, rt)
	}
}

func (d *Dispatcher) serveWithGroupHeader(w http.ResponseWriter, r *http.Request, rt route) {
	pk, err := d.authenticate(r, rt.auth)
	if err != nil {
		gwerrors.WriteHTTP(w, rt.dialect, err)
		return
	}
	groupID := r.Header.Get("X-Gateway-Group")
	if groupID == "" {
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.New(gwerrors.KindInvalidRequest, "X-Gateway-Group header is required for this endpoint"))
		return
	}
	g, err := d.Store.GetGroup(r.Context(), groupID)
	if err != nil || !pk.AllowsGroup(g.ID) || !g.Usable() {
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.New(gwerrors.KindNoViableGroup, "group not found or not usable"))
		return
	}

	sel, err := d.Selector.Select([]registry.Group{g}, "")
	if err != nil {
		sel = selector.Selection{Group: g, Key: g.Keys[0], KeyHash: registry.HashKey(g.Keys[0])}
	}
	d.forward(w, r, rt, sel, nil, pk.ID)
}

// handleListModels wires a /models-style discovery route: it authenticates
// the proxy key, then aggregates the configured model ids (and their
// aliases) across every usable group of kind the key may route to. Unlike
// the forwarding routes this never calls upstream. It answers from the
// registry's own configuration, since a group's model list is curated by
// whoever set the group up, not discovered live per request.
func (d *Dispatcher) handleListModels(kind registry.ProviderKind, dialect gwerrors.Dialect, auth authMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pk, err := d.authenticate(r, auth)
		if err != nil {
			gwerrors.WriteHTTP(w, dialect, err)
			return
		}
		groups, err := d.candidateGroups(r.Context(), pk, kind)
		if err != nil {
			gwerrors.WriteHTTP(w, dialect, err)
			return
		}

		seen := map[string]bool{}
		var ids []string
		for _, g := range groups {
			if !g.Usable() {
				continue
			}
			for _, m := range g.Models {
				if !seen[m] {
					seen[m] = true
					ids = append(ids, m)
				}
			}
			for alias := range g.Aliases {
				if !seen[alias] {
					seen[alias] = true
					ids = append(ids, alias)
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		writeModelList(w, dialect, ids)
	}
}

func writeModelList(w http.ResponseWriter, dialect gwerrors.Dialect, ids []string) {
	switch dialect {
	case gwerrors.DialectGemini:
		type model struct {
			Name string `json:"name"`
		}
		models := make([]model, 0, len(ids))
		for _, id := range ids {
			models = append(models, model{Name: "models/" + id})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"models": models})
	case gwerrors.DialectAnthropic:
		type model struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		models := make([]model, 0, len(ids))
		for _, id := range ids {
			models = append(models, model{ID: id, Type: "model"})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": models})
	default: // DialectOpenAI
		type model struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		}
		models := make([]model, 0, len(ids))
		for _, id := range ids {
			models = append(models, model{ID: id, Object: "model"})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": models})
	}
}

// handleGemini wires Gemini's path-encoded model + streaming suffix.
func (d *Dispatcher) handleGemini(streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		suffix := "/v1beta/models/" + model + ":generateContent"
		if streaming {
			suffix = "/v1beta/models/" + model + ":streamGenerateContent"
		}
		rt := route{kind: registry.KindGeminiNative, dialect: gwerrors.DialectGemini, suffix: suffix, auth: authGoogle}
		d.serve(w, r, rt, suffix, func(_ []byte) string { return model })
	}
}

func (d *Dispatcher) serve(w http.ResponseWriter, r *http.Request, rt route, suffix string, modelOf func([]byte) string) {
	pk, err := d.authenticate(r, rt.auth)
	if err != nil {
		gwerrors.WriteHTTP(w, rt.dialect, err)
		return
	}

	body, err := readBody(r, d.maxBody())
	if err != nil {
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.Wrap(gwerrors.KindInvalidRequest, "failed to read request body", err))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.New(gwerrors.KindInvalidRequest, "request body is not well-formed JSON"))
		return
	}

	modelRequested := modelOf(body)

	groups, err := d.candidateGroups(r.Context(), pk, rt.kind)
	if err != nil {
		gwerrors.WriteHTTP(w, rt.dialect, err)
		return
	}

	sel, err := d.Selector.Select(groups, modelRequested)
	if err != nil {
		if errors.Is(err, selector.ErrNoViableKey) {
			metrics.SelectorNoViableKey.WithLabelValues("").Inc()
			gwerrors.WriteHTTP(w, rt.dialect, gwerrors.New(gwerrors.KindNoViableKey, err.Error()))
			return
		}
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.New(gwerrors.KindNoViableGroup, err.Error()))
		return
	}
	rt.suffix = suffix

	d.forward(w, r, rt, sel, body, pk.ID)
}

func (d *Dispatcher) maxBody() int64 {
	if d.MaxBodyBytes > 0 {
		return d.MaxBodyBytes
	}
	return 16 << 20 // 16MiB default ceiling
}

func readBody(r *http.Request, max int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, max+1))
}

func extractModelFromBody(body []byte) string {
	var partial struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(body, &partial) != nil {
		return ""
	}
	return partial.Model
}

// hasTools reports whether body carries a non-empty "tools" array, the same
// shallow scan used for "model" and "stream" — no full-body parse.
func hasTools(body []byte) bool {
	var partial struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if json.Unmarshal(body, &partial) != nil {
		return false
	}
	return len(partial.Tools) > 0
}

// clientIP returns the request's caller address as resolved by the
// RealIP middleware, stripping any port.
func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}

// forward performs the actual transparent proxy call: build the upstream
// request, inject credentials, pipe the response through unmodified, and
// record health + request-log outcomes.
func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, rt route, sel selector.Selection, body []byte, proxyKeyID string) {
	requestID := logging.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = logging.NewRequestID()
	}
	log := logging.FromContext(r.Context())

	a, err := adapter.ForKind(rt.kind)
	if err != nil {
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.Wrap(gwerrors.KindInternal, "no adapter for provider kind", err))
		return
	}

	streaming := a.IsStreaming(rt.suffix, body)

	d.Pipeline.Enqueue(r.Context(), logpipeline.Item{
		Kind: logpipeline.KindInsert, RequestID: requestID, GroupID: sel.Group.ID, ProxyKeyID: proxyKeyID,
		Model: extractModelFromBody(body), CanonicalModel: sel.CanonicalModel, KeyHash: sel.KeyHash,
		Method: r.Method, Path: r.URL.Path, Streaming: streaming, HasTools: hasTools(body),
		ProviderKind: string(rt.kind), ClientIP: clientIP(r), UserAgent: r.UserAgent(),
		CreatedAt: time.Now().UTC(),
	})

	client, err := d.Pool.Client(httpclient.DerefProxy(sel.Group.Proxy), sel.Group.ConnectTimeout())
	if err != nil {
		d.finish(r.Context(), requestID, sel, 0, streaming, gwerrors.Wrap(gwerrors.KindInternal, "transport build failed", err))
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.Wrap(gwerrors.KindInternal, "transport build failed", err))
		return
	}

	url := a.BuildURL(sel.Group.BaseURL, rt.suffix)
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	ctx, cancel := httpclient.CancelCtx(r.Context(), sel.Group.Timeout())
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		d.finish(r.Context(), requestID, sel, 0, streaming, gwerrors.Wrap(gwerrors.KindInternal, "build upstream request failed", err))
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.Wrap(gwerrors.KindInternal, "build upstream request failed", err))
		return
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	headers := map[string][]string{}
	a.InjectAuth(headers, sel.Key)
	for k, vs := range headers {
		upstreamReq.Header[k] = vs
	}
	for k, v := range sel.Group.ExtraHeaders {
		upstreamReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(upstreamReq)
	if err != nil {
		if ctx.Err() == context.Canceled && r.Context().Err() != nil {
			d.finish(r.Context(), requestID, sel, 0, streaming, gwerrors.New(gwerrors.KindClientDisconnect, "client disconnected"))
			return
		}
		kind := gwerrors.KindUpstreamNetwork
		obs := health.ObsNetwork
		if ctx.Err() != nil {
			kind = gwerrors.KindUpstreamTimeout
			obs = health.ObsTimeout
		}
		d.Tracker.Observe(sel.Group.ID, sel.KeyHash, obs, 0)
		d.finish(r.Context(), requestID, sel, 0, streaming, gwerrors.Wrap(kind, "upstream request failed", err))
		gwerrors.WriteHTTP(w, rt.dialect, gwerrors.Wrap(kind, "upstream request failed", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	observeStatus(d.Tracker, sel, resp.StatusCode)

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if streaming {
		streamBody(w, resp.Body, log)
	} else {
		_, _ = io.Copy(w, resp.Body)
	}

	metrics.DispatchTotal.WithLabelValues(sel.Group.ID, string(rt.kind), outcomeLabel(resp.StatusCode)).Inc()
	metrics.DispatchDuration.WithLabelValues(sel.Group.ID, string(rt.kind)).Observe(time.Since(start).Seconds())

	d.Pipeline.Enqueue(r.Context(), logpipeline.Item{
		Kind: logpipeline.KindUpdate, RequestID: requestID, StatusCode: resp.StatusCode,
		Streaming: streaming, DurationMS: time.Since(start).Milliseconds(),
	})
}

func (d *Dispatcher) finish(ctx context.Context, requestID string, sel selector.Selection, status int, streaming bool, err *gwerrors.Error) {
	d.Pipeline.Enqueue(ctx, logpipeline.Item{
		Kind: logpipeline.KindUpdate, RequestID: requestID, StatusCode: status, Streaming: streaming,
		ErrorKind: string(err.Kind), ErrorMessage: err.Message,
	})
	metrics.DispatchTotal.WithLabelValues(sel.Group.ID, string(sel.Group.ProviderKind), "error").Inc()
}

func observeStatus(tracker *health.Tracker, sel selector.Selection, status int) {
	switch {
	case status == http.StatusUnauthorized:
		tracker.Observe(sel.Group.ID, sel.KeyHash, health.ObsClientError, status)
	case status == http.StatusForbidden:
		tracker.Observe(sel.Group.ID, sel.KeyHash, health.ObsForbidden, status)
	case status == http.StatusTooManyRequests:
		tracker.Observe(sel.Group.ID, sel.KeyHash, health.ObsRateLimited, status)
	case status >= 500:
		tracker.Observe(sel.Group.ID, sel.KeyHash, health.ObsServerError, status)
	case status >= 200 && status < 400:
		tracker.Observe(sel.Group.ID, sel.KeyHash, health.ObsSuccess, status)
	default:
		tracker.Observe(sel.Group.ID, sel.KeyHash, health.ObsBadRequest, status)
	}
}

func outcomeLabel(status int) string {
	if status >= 200 && status < 400 {
		return "success"
	}
	return "error"
}

// hopByHopHeaders must never be copied from the upstream response to the
// client (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// streamBody copies resp.Body to w, flushing after every chunk so SSE/NDJSON
// streams reach the client incrementally instead of being buffered whole.
func streamBody(w http.ResponseWriter, body io.Reader, log *slog.Logger) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Warn("stream write failed", "error", werr)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warn("stream read failed", "error", err)
			}
			return
		}
	}
}
