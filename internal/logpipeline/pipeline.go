package logpipeline

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/gateway/internal/logging"
	"github.com/relaykit/gateway/internal/metrics"
)

// Config tunes queue capacity, batching, retry, and shutdown behavior.
type Config struct {
	MaxCapacity             int
	BatchSize               int
	ProcessingInterval      time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	GracefulShutdownTimeout time.Duration
	FullStrategy            BackpressurePolicy
}

// Stats is a point-in-time snapshot of pipeline health.
type Stats struct {
	Pending         int
	Processed       int64
	Failed          int64
	Dropped         int64
	LastProcessedAt time.Time
	AvgBatchMS      float64
	Health          string
}

// Pipeline is the bounded async log queue and its batch worker.
type Pipeline struct {
	cfg  Config
	sink Sink

	mu      sync.Mutex
	queue   []Item
	closed  bool

	wake chan struct{}
	done chan struct{}

	processed int64
	failed    int64
	dropped   int64
	lastAt    time.Time
	avgMS     float64
}

// New constructs a Pipeline. Call Run in a goroutine to start the worker.
func New(cfg Config, sink Sink) *Pipeline {
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = 100 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.FullStrategy == "" {
		cfg.FullStrategy = PolicyDropOldest
	}
	return &Pipeline{
		cfg:  cfg,
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item onto the queue, applying the configured
// backpressure policy when the queue is at capacity.
func (p *Pipeline) Enqueue(ctx context.Context, item Item) {
	item.EnqueuedAt = time.Now()

	p.mu.Lock()
	if len(p.queue) >= p.cfg.MaxCapacity {
		switch p.cfg.FullStrategy {
		case PolicyRejectNew:
			p.dropped++
			p.mu.Unlock()
			metrics.LogQueueDropped.Inc()
			logging.FromContext(ctx).Warn("log queue full, rejecting new item", "request_id", item.RequestID)
			return
		case PolicyBlock:
			for len(p.queue) >= p.cfg.MaxCapacity {
				p.mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Millisecond):
				}
				p.mu.Lock()
			}
		default: // drop_oldest
			p.queue = p.queue[1:]
			p.dropped++
			metrics.LogQueueDropped.Inc()
		}
	}
	p.queue = append(p.queue, item)
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.LogQueueDepth.Set(float64(depth))
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the batch worker until ctx is canceled, then drains the
// remaining queue (bounded by GracefulShutdownTimeout) before returning.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain(p.shutdownContext())
			return
		case <-ticker.C:
			p.flush(ctx)
		case <-p.wake:
			p.flush(ctx)
		}
	}
}

func (p *Pipeline) shutdownContext() context.Context {
	timeout := p.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	_ = cancel // lifetime bounded by timeout; drain loop exits on its own
	return ctx
}

// drain flushes everything currently queued, respecting ctx's deadline.
func (p *Pipeline) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		empty := len(p.queue) == 0
		p.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
			p.flush(ctx)
		}
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	batch := p.takeBatch()
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	var err error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		err = p.sink.WriteBatch(ctx, batch)
		if err == nil {
			break
		}
		if attempt < p.cfg.MaxRetries {
			delay := p.cfg.RetryDelay
			if delay <= 0 {
				delay = 500 * time.Millisecond
			}
			time.Sleep(delay)
		}
	}
	elapsed := time.Since(start)

	p.mu.Lock()
	if err != nil {
		p.failed += int64(len(batch))
	} else {
		p.processed += int64(len(batch))
		p.lastAt = time.Now()
		if p.avgMS == 0 {
			p.avgMS = float64(elapsed.Milliseconds())
		} else {
			p.avgMS = p.avgMS*0.8 + float64(elapsed.Milliseconds())*0.2
		}
	}
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.LogQueueDepth.Set(float64(depth))
	if err != nil {
		logging.FromContext(ctx).Error("log batch write failed after retries", "error", err, "batch_size", len(batch))
	}
}

func (p *Pipeline) takeBatch() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.cfg.BatchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	if n == 0 {
		return nil
	}
	batch := make([]Item, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	return batch
}

// Stats returns a point-in-time snapshot of queue/worker health.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	health := "healthy"
	if float64(len(p.queue)) > float64(p.cfg.MaxCapacity)*0.8 {
		health = "degraded"
	}
	if p.failed > 0 && p.processed == 0 {
		health = "unhealthy"
	}

	return Stats{
		Pending:         len(p.queue),
		Processed:       p.processed,
		Failed:          p.failed,
		Dropped:         p.dropped,
		LastProcessedAt: p.lastAt,
		AvgBatchMS:      p.avgMS,
		Health:          health,
	}
}

// Wait blocks until Run has returned (i.e. shutdown drain completed).
func (p *Pipeline) Wait() {
	<-p.done
}
