package logpipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	batches  [][]Item
	failNext int
	deleted  int64
}

func (f *fakeSink) WriteBatch(_ context.Context, items []Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return assert.AnError
	}
	cp := make([]Item, len(items))
	copy(cp, items)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return f.deleted, nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) itemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestPipeline_EnqueueAndFlush(t *testing.T) {
	sink := &fakeSink{}
	p := New(Config{BatchSize: 10, ProcessingInterval: 5 * time.Millisecond}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	for i := 0; i < 5; i++ {
		p.Enqueue(ctx, Item{Kind: KindInsert, RequestID: "r1"})
	}

	require.Eventually(t, func() bool { return sink.itemCount() == 5 }, time.Second, time.Millisecond)

	cancel()
	p.Wait()
}

func TestPipeline_DropOldestUnderPressure(t *testing.T) {
	sink := &fakeSink{}
	p := New(Config{BatchSize: 1, ProcessingInterval: time.Hour, MaxCapacity: 2, FullStrategy: PolicyDropOldest}, sink)

	ctx := context.Background()
	p.Enqueue(ctx, Item{RequestID: "a"})
	p.Enqueue(ctx, Item{RequestID: "b"})
	p.Enqueue(ctx, Item{RequestID: "c"}) // queue full, drops "a"

	stats := p.Stats()
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestPipeline_RejectNewUnderPressure(t *testing.T) {
	sink := &fakeSink{}
	p := New(Config{BatchSize: 1, ProcessingInterval: time.Hour, MaxCapacity: 1, FullStrategy: PolicyRejectNew}, sink)

	ctx := context.Background()
	p.Enqueue(ctx, Item{RequestID: "a"})
	p.Enqueue(ctx, Item{RequestID: "b"})

	stats := p.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestPipeline_RetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failNext: 1}
	p := New(Config{BatchSize: 10, ProcessingInterval: 5 * time.Millisecond, MaxRetries: 2, RetryDelay: time.Millisecond}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	p.Enqueue(ctx, Item{RequestID: "retry-me"})

	require.Eventually(t, func() bool { return p.Stats().Processed == 1 }, time.Second, time.Millisecond)

	cancel()
	p.Wait()
}

func TestPipeline_GracefulShutdownDrains(t *testing.T) {
	sink := &fakeSink{}
	p := New(Config{BatchSize: 2, ProcessingInterval: time.Hour, GracefulShutdownTimeout: time.Second}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	for i := 0; i < 10; i++ {
		p.Enqueue(ctx, Item{RequestID: "drain"})
	}

	cancel()
	p.Wait()

	assert.Equal(t, 10, sink.itemCount())
}
