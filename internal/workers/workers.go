// Package workers runs the gateway's periodic background jobs: a health
// prober, a key-recovery probe, and a request-log cleanup sweep. Each
// observes its own interval and a startup grace period so a gateway that's
// still warming up doesn't immediately hammer every configured upstream.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaykit/gateway/internal/adapter"
	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/logging"
	"github.com/relaykit/gateway/internal/logpipeline"
	"github.com/relaykit/gateway/internal/registry"
)

const startupGrace = 30 * time.Second

// HealthProber periodically probes every key of every enabled,
// health-check-enabled group and records the outcome (30min default
// interval).
type HealthProber struct {
	Store               registry.Store
	Tracker             *health.Tracker
	Pool                *httpclient.Pool
	Interval            time.Duration
	MaxConcurrentGroups int
}

// Run blocks until ctx is canceled, probing on Interval after an initial
// startup grace period.
func (h *HealthProber) Run(ctx context.Context) {
	interval := h.Interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	log := logging.FromContext(ctx)

	select {
	case <-ctx.Done():
		return
	case <-time.After(startupGrace):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.probeAll(ctx); err != nil {
			log.Error("health probe sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthProber) probeAll(ctx context.Context) error {
	groups, err := h.Store.ListGroups(ctx)
	if err != nil {
		return err
	}

	maxConcurrent := h.MaxConcurrentGroups
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, grp := range groups {
		grp := grp
		if !grp.Usable() || !grp.HealthCheckEnabled {
			continue
		}
		g.Go(func() error {
			h.probeGroup(gctx, grp)
			return nil
		})
	}
	return g.Wait()
}

func (h *HealthProber) probeGroup(ctx context.Context, g registry.Group) {
	a, err := adapter.ForKind(g.ProviderKind)
	if err != nil {
		return
	}

	client, err := h.Pool.Client(httpclient.DerefProxy(g.Proxy), g.ConnectTimeout())
	if err != nil {
		return
	}

	probeCatalog(ctx, client, a, g, h.Tracker)

	for _, key := range g.Keys {
		probeKey(ctx, client, a, g, key, h.Tracker, true)
	}
}

// probeCatalog runs the group-level provider probe and the per-configured-
// model probe off one shared models-list call using the group's first key:
// the provider is healthy iff the catalog fetch itself succeeds, and each
// configured model is healthy iff it's present in that catalog. Sharing the
// fetch means a group with declared models still only costs the prober one
// discovery call.
func probeCatalog(ctx context.Context, client *http.Client, a adapter.Adapter, g registry.Group, tracker *health.Tracker) {
	if len(g.Keys) == 0 {
		return
	}
	ids, err := adapter.Discover(ctx, client, a, g.BaseURL, g.Keys[0])
	if err != nil {
		var unavailable *adapter.ErrUpstreamUnavailable
		statusCode := 0
		if errors.As(err, &unavailable) {
			statusCode = unavailable.Status
		}
		tracker.ObserveProvider(g.ID, false, statusCode)
		for _, m := range g.Models {
			tracker.ObserveModel(g.ID, m, false)
		}
		return
	}
	tracker.ObserveProvider(g.ID, true, http.StatusOK)

	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	for _, m := range g.Models {
		tracker.ObserveModel(g.ID, m, present[m])
	}
}

// probeKey performs a lightweight models-list probe against one key and
// records the result. A status outside 200-399, or a network failure, is
// fed through the same
// Observe path a live dispatch would use, so the prober and the dispatcher
// converge on one health record per key. recordFailures controls whether a
// failed probe increments the key's failure counters: the full prober
// always records, but a recovery re-probe of an already-unhealthy key
// leaves its counters untouched on failure, since incrementing them again
// would only delay recovery further.
func probeKey(ctx context.Context, client *http.Client, a adapter.Adapter, g registry.Group, key string, tracker *health.Tracker, recordFailures bool) {
	keyHash := registry.HashKey(key)

	url := a.BuildURL(g.BaseURL, a.ModelsPath())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	headers := map[string][]string{}
	a.InjectAuth(headers, key)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if recordFailures {
			tracker.Observe(g.ID, keyHash, health.ObsNetwork, 0)
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		if recordFailures {
			tracker.Observe(g.ID, keyHash, health.ObsClientError, resp.StatusCode)
		}
	case resp.StatusCode == http.StatusForbidden:
		if recordFailures {
			tracker.Observe(g.ID, keyHash, health.ObsForbidden, resp.StatusCode)
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		if recordFailures {
			tracker.Observe(g.ID, keyHash, health.ObsRateLimited, resp.StatusCode)
		}
	case resp.StatusCode >= 500:
		if recordFailures {
			tracker.Observe(g.ID, keyHash, health.ObsServerError, resp.StatusCode)
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		tracker.ProbeSuccess(g.ID, keyHash)
	default:
		if recordFailures {
			tracker.Observe(g.ID, keyHash, health.ObsBadRequest, resp.StatusCode)
		}
	}
}

// KeyRecovery re-probes only keys currently marked unhealthy, on a tighter
// interval than the full health prober (5min default), so a key fixed at
// the provider side comes back quickly without waiting a full health-check
// cycle.
type KeyRecovery struct {
	Store    registry.Store
	Tracker  *health.Tracker
	Pool     *httpclient.Pool
	Interval time.Duration
}

func (k *KeyRecovery) Run(ctx context.Context) {
	interval := k.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	log := logging.FromContext(ctx)

	select {
	case <-ctx.Done():
		return
	case <-time.After(startupGrace):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := k.recoverAll(ctx); err != nil {
			log.Error("key recovery sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (k *KeyRecovery) recoverAll(ctx context.Context) error {
	groups, err := k.Store.ListGroups(ctx)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if !g.Usable() {
			continue
		}
		a, err := adapter.ForKind(g.ProviderKind)
		if err != nil {
			continue
		}
		client, err := k.Pool.Client(httpclient.DerefProxy(g.Proxy), g.ConnectTimeout())
		if err != nil {
			continue
		}
		for _, key := range g.Keys {
			rec := k.Tracker.Get(g.ID, registry.HashKey(key))
			if rec.State != health.StateUnhealthy {
				continue
			}
			probeKey(ctx, client, a, g, key, k.Tracker, false)
		}
	}
	return nil
}

// LogCleanup periodically deletes request log rows past their retention
// window (24h default interval).
type LogCleanup struct {
	Sink           logpipeline.Sink
	Interval       time.Duration
	RetentionDays  int
	CleanupOnStart bool
}

func (c *LogCleanup) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	log := logging.FromContext(ctx)

	if c.CleanupOnStart {
		c.sweep(ctx, log)
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(startupGrace):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx, log)
		}
	}
}

func (c *LogCleanup) sweep(ctx context.Context, log *slog.Logger) {
	retention := c.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retention)
	n, err := c.Sink.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Error("log cleanup sweep failed", "error", err)
		return
	}
	if n > 0 {
		log.Info("log cleanup removed old request logs", "rows", n, "cutoff", cutoff)
	}
}
