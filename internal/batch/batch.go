// Package batch implements the accumulate-then-flush stages shared by every
// writer: per-key value batches and per-key counters, both flushed on a size
// threshold and unconditionally on tick.
package batch

import (
	"context"
	"time"

	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Flusher is the capability every accumulation stage offers. Accumulate
// never performs I/O; Tick flushes every buffered key and empties the stage.
type Flusher[K comparable, V any] interface {
	Accumulate(key K, value V)
	Tick()
	Len() int
}

// Sink receives one key's buffered values
type Sink[K comparable, V any] interface {
	Flush(ctx context.Context, key K, values []V) error
}

// BulkSink receives a whole counter table in one call
type BulkSink[K comparable] interface {
	FlushAll(ctx context.Context, counts map[K]int64) error
}

// SinkFunc adapts a function to Sink
type SinkFunc[K comparable, V any] func(ctx context.Context, key K, values []V) error

func (f SinkFunc[K, V]) Flush(ctx context.Context, key K, values []V) error {
	return f(ctx, key, values)
}

// BulkSinkFunc adapts a function to BulkSink
type BulkSinkFunc[K comparable] func(ctx context.Context, counts map[K]int64) error

func (f BulkSinkFunc[K]) FlushAll(ctx context.Context, counts map[K]int64) error {
	return f(ctx, counts)
}

// dispatcher runs flushes on a pool when one is configured, inline otherwise.
// Failures are logged and the data is dropped.
type dispatcher struct {
	stage string
	pool  *Pool
	log   *logrus.Entry
}

func newDispatcher(stage string, pool *Pool) dispatcher {
	return dispatcher{stage: stage, pool: pool, log: logger.WithComponent("batch").WithField("stage", stage)}
}

func (d dispatcher) dispatch(size int, fn func(ctx context.Context) error) {
	job := func(ctx context.Context) {
		start := time.Now()
		err := fn(ctx)
		metrics.FlushDuration.WithLabelValues(d.stage).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.Flushes.WithLabelValues(d.stage, "error").Inc()
			d.log.WithError(err).WithField("size", size).Error("Flush failed, dropping batch")
			return
		}
		metrics.Flushes.WithLabelValues(d.stage, "ok").Inc()
	}

	if d.pool == nil {
		job(context.Background())
		return
	}
	if err := d.pool.Submit(job); err != nil {
		metrics.Flushes.WithLabelValues(d.stage, "dropped").Inc()
		d.log.WithError(err).WithField("size", size).Error("Cannot schedule flush, dropping batch")
	}
}

// Batcher buffers values per key and flushes a key as soon as its buffer
// reaches threshold. Not safe for concurrent use; each instance belongs to
// one partition.
type Batcher[K comparable, V any] struct {
	buffers   map[K][]V
	threshold int
	sink      Sink[K, V]
	dispatch  dispatcher
}

var _ Flusher[string, string] = (*Batcher[string, string])(nil)

// NewBatcher creates a batcher. pool may be nil for synchronous flushes.
func NewBatcher[K comparable, V any](stage string, threshold int, sink Sink[K, V], pool *Pool) *Batcher[K, V] {
	if threshold < 1 {
		threshold = 1
	}
	return &Batcher[K, V]{
		buffers:   make(map[K][]V),
		threshold: threshold,
		sink:      sink,
		dispatch:  newDispatcher(stage, pool),
	}
}

// Accumulate appends value to key's buffer
func (b *Batcher[K, V]) Accumulate(key K, value V) {
	b.buffers[key] = append(b.buffers[key], value)
	b.maybeFlush(key)
}

func (b *Batcher[K, V]) maybeFlush(key K) {
	values := b.buffers[key]
	if len(values) < b.threshold {
		return
	}
	delete(b.buffers, key)
	b.flush(key, values)
}

// Tick flushes every non-empty buffer and clears the table
func (b *Batcher[K, V]) Tick() {
	if len(b.buffers) == 0 {
		return
	}
	buffers := b.buffers
	b.buffers = make(map[K][]V, len(buffers))
	for key, values := range buffers {
		if len(values) > 0 {
			b.flush(key, values)
		}
	}
}

// Len returns the number of keys currently buffered
func (b *Batcher[K, V]) Len() int {
	return len(b.buffers)
}

func (b *Batcher[K, V]) flush(key K, values []V) {
	b.dispatch.dispatch(len(values), func(ctx context.Context) error {
		return b.sink.Flush(ctx, key, values)
	})
}

// Counter sums 64-bit increments per key and hands the whole table to its
// sink on tick, or early once maxKeys distinct keys are buffered. Not safe
// for concurrent use.
type Counter[K comparable] struct {
	counts   map[K]int64
	maxKeys  int
	sink     BulkSink[K]
	dispatch dispatcher
}

var _ Flusher[string, int64] = (*Counter[string])(nil)

// NewCounter creates a counter stage. maxKeys <= 0 disables early flushes.
func NewCounter[K comparable](stage string, maxKeys int, sink BulkSink[K], pool *Pool) *Counter[K] {
	return &Counter[K]{
		counts:   make(map[K]int64),
		maxKeys:  maxKeys,
		sink:     sink,
		dispatch: newDispatcher(stage, pool),
	}
}

// Accumulate adds increment to key. Negative increments are ignored.
func (c *Counter[K]) Accumulate(key K, increment int64) {
	if increment < 0 {
		c.dispatch.log.WithField("increment", increment).Debug("Ignoring negative increment")
		return
	}
	c.counts[key] += increment
	c.maybeFlush()
}

func (c *Counter[K]) maybeFlush() {
	if c.maxKeys > 0 && len(c.counts) >= c.maxKeys {
		c.Tick()
	}
}

// Tick hands every counter to the sink and clears the table
func (c *Counter[K]) Tick() {
	if len(c.counts) == 0 {
		return
	}
	counts := c.counts
	c.counts = make(map[K]int64, len(counts))
	c.dispatch.dispatch(len(counts), func(ctx context.Context) error {
		return c.sink.FlushAll(ctx, counts)
	})
}

// Get returns the current value for key
func (c *Counter[K]) Get(key K) int64 {
	return c.counts[key]
}

// Len returns the number of keys currently buffered
func (c *Counter[K]) Len() int {
	return len(c.counts)
}
