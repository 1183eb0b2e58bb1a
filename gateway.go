// Package gateway is the multi-tenant LLM reverse-proxy gateway. Gateway is
// the main entry point: construct one with New, mount its HTTP surface with
// Handler, and start its background workers with StartWorkers.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaykit/gateway/internal/dispatcher"
	"github.com/relaykit/gateway/internal/health"
	"github.com/relaykit/gateway/internal/httpclient"
	"github.com/relaykit/gateway/internal/logging"
	"github.com/relaykit/gateway/internal/logpipeline"
	"github.com/relaykit/gateway/internal/registry"
	"github.com/relaykit/gateway/internal/selector"
	"github.com/relaykit/gateway/internal/workers"
)

// Gateway wires the registry, health tracker, selector, HTTP client pool,
// log pipeline, dispatcher and background workers into one runnable unit.
type Gateway struct {
	config   Config
	store    registry.Store
	sink     logpipeline.Sink
	tracker  *health.Tracker
	pool     *httpclient.Pool
	pipeline *logpipeline.Pipeline
	dispatch *dispatcher.Dispatcher

	prober   *workers.HealthProber
	recovery *workers.KeyRecovery
	cleanup  *workers.LogCleanup
}

// New constructs a Gateway from cfg, opening its configured store and log
// sink. Call StartWorkers to begin background health probing, key recovery
// and log cleanup, and Close to release the underlying database handles.
func New(cfg Config) (*Gateway, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening registry store: %w", err)
	}

	sink, err := openSink(cfg.Database)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("opening request log sink: %w", err)
	}

	tracker := health.NewTracker()
	pool := httpclient.NewPool()
	pipeline := logpipeline.New(logPipelineConfig(cfg.RequestLogging), sink)
	sel := selector.New(tracker)

	disp := &dispatcher.Dispatcher{
		Store:        store,
		Selector:     sel,
		Tracker:      tracker,
		Pool:         pool,
		Pipeline:     pipeline,
		// MaxBodyBytes left zero: the dispatcher falls back to its own
		// 16MiB ceiling. Request and response bodies are never persisted to
		// the log sink.
	}

	g := &Gateway{
		config: cfg, store: store, sink: sink, tracker: tracker,
		pool: pool, pipeline: pipeline, dispatch: disp,
	}

	if cfg.HealthCheck.Enabled {
		g.prober = &workers.HealthProber{
			Store: store, Tracker: tracker, Pool: pool,
			Interval:            time.Duration(cfg.HealthCheck.IntervalMinutes) * time.Minute,
			MaxConcurrentGroups: cfg.HealthCheck.MaxConcurrentGroups,
		}
	}
	if cfg.KeyHealthCheck.Enabled {
		g.recovery = &workers.KeyRecovery{
			Store: store, Tracker: tracker, Pool: pool,
			Interval: time.Duration(cfg.KeyHealthCheck.IntervalMinutes) * time.Minute,
		}
	}
	if cfg.LogCleanup.Enabled {
		g.cleanup = &workers.LogCleanup{
			Sink:           sink,
			Interval:       time.Duration(cfg.LogCleanup.IntervalHours) * time.Hour,
			RetentionDays:  cfg.LogCleanup.RetentionDays,
			CleanupOnStart: cfg.LogCleanup.CleanupOnStartup,
		}
	}

	return g, nil
}

func openStore(db DatabaseConfig) (registry.Store, error) {
	switch db.Driver {
	case "", "sqlite":
		dsn := db.DSN
		if dsn == "" {
			dsn = "gateway.db"
		}
		return registry.NewSQLiteStore(dsn)
	case "postgres":
		return registry.NewPostgresStore(db.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func openSink(db DatabaseConfig) (logpipeline.Sink, error) {
	switch db.Driver {
	case "", "sqlite":
		dsn := db.DSN
		if dsn == "" {
			dsn = "gateway.db"
		}
		return logpipeline.NewSQLiteSink(dsn)
	case "postgres":
		return logpipeline.NewPostgresSink(db.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func logPipelineConfig(cfg RequestLoggingConfig) logpipeline.Config {
	return logpipeline.Config{
		MaxCapacity:             cfg.Queue.MaxCapacity,
		BatchSize:               cfg.Queue.BatchSize,
		ProcessingInterval:      time.Duration(cfg.Queue.ProcessingIntervalMS) * time.Millisecond,
		MaxRetries:              cfg.Queue.MaxRetries,
		RetryDelay:              time.Duration(cfg.Queue.RetryDelayMS) * time.Millisecond,
		GracefulShutdownTimeout: time.Duration(cfg.Queue.GracefulShutdownTimeoutMS) * time.Millisecond,
		FullStrategy:            logpipeline.BackpressurePolicy(cfg.Queue.FullStrategy),
	}
}

// Handler returns the gateway's public HTTP surface.
func (g *Gateway) Handler() http.Handler {
	return g.dispatch.Routes()
}

// Store exposes the registry for admin-surface wiring.
func (g *Gateway) Store() registry.Store { return g.store }

// Tracker exposes the health tracker for admin-surface wiring.
func (g *Gateway) Tracker() *health.Tracker { return g.tracker }

// Pool returns the gateway's shared HTTP client pool, reused by the admin
// API's model-discovery endpoint so it dials upstreams through the same
// per-proxy client cache as the dispatcher and background workers.
func (g *Gateway) Pool() *httpclient.Pool { return g.pool }

// StartWorkers launches the log pipeline and every enabled background
// worker, blocking until ctx is canceled. Call it in its own goroutine.
func (g *Gateway) StartWorkers(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("starting gateway background workers")

	go g.pipeline.Run(ctx)
	if g.prober != nil {
		go g.prober.Run(ctx)
	}
	if g.recovery != nil {
		go g.recovery.Run(ctx)
	}
	if g.cleanup != nil {
		go g.cleanup.Run(ctx)
	}

	<-ctx.Done()
	g.pipeline.Wait()
}

// Close releases the gateway's underlying store and sink resources. Call
// after StartWorkers' context has been canceled and it has returned.
func (g *Gateway) Close() error {
	sinkErr := g.sink.Close()
	storeErr := g.store.Close()
	if storeErr != nil {
		return storeErr
	}
	return sinkErr
}
