// Package engine wires a line source to the partitioned matching and
// aggregation pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"time"

	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/filter"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/justin4957/logflow-filterd/internal/outlier"
	"github.com/justin4957/logflow-filterd/internal/parser"
	"github.com/justin4957/logflow-filterd/internal/sink"
	"github.com/justin4957/logflow-filterd/internal/stream"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/sirupsen/logrus"
)

// activityPeriod is how long one activity window stays open
const activityPeriod = time.Minute

// Stores are the outbound writers shared by every partition
type Stores struct {
	Stats   sink.StatsStore
	Results sink.ResultStore
}

// Engine runs match workers over a source and routes every match to the
// partition owning its filter id
type Engine struct {
	cfg        *config.Config
	registry   *filter.Registry
	parser     parser.LogParser
	partitions []*Partition
	activity   *ActivityCollector
	publisher  sink.Publisher
	seed       maphash.Seed
	log        *logrus.Entry
}

// New creates an engine. scheduler may be nil to disable outlier scans.
func New(cfg *config.Config, registry *filter.Registry, stores Stores, scheduler *outlier.Scheduler, publisher sink.Publisher) (*Engine, error) {
	if stores.Stats == nil || stores.Results == nil {
		return nil, errors.New("engine requires stats and result stores")
	}
	if cfg.Engine.Partitions < 1 {
		return nil, fmt.Errorf("engine needs at least one partition, got %d", cfg.Engine.Partitions)
	}
	if publisher == nil {
		publisher = sink.NopPublisher
	}

	e := &Engine{
		cfg:       cfg,
		registry:  registry,
		parser:    parser.NewParser(cfg.Source.Format),
		activity:  NewActivityCollector(),
		publisher: publisher,
		seed:      maphash.MakeSeed(),
		log:       logger.WithComponent("engine"),
	}
	for i := 0; i < cfg.Engine.Partitions; i++ {
		p, err := newPartition(i, cfg, stores, scheduler, publisher)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", i, err)
		}
		e.partitions = append(e.partitions, p)
	}
	return e, nil
}

// Registry returns the filter registry the engine matches against
func (e *Engine) Registry() *filter.Registry {
	return e.registry
}

// Filters returns the filters currently in effect
func (e *Engine) Filters() []models.FilterSpec {
	return e.registry.Snapshot().Filters()
}

// LiveFilters returns the live filter count of each partition
func (e *Engine) LiveFilters() []int {
	counts := make([]int, len(e.partitions))
	for i, p := range e.partitions {
		counts[i] = p.LiveFilters()
	}
	return counts
}

// Activity returns the open activity window and the closed ones
func (e *Engine) Activity() (models.Activity, []models.Activity) {
	return e.activity.Current(), e.activity.History()
}

// partitionFor maps a filter id to its owning partition
func (e *Engine) partitionFor(filterID string) *Partition {
	return e.partitions[maphash.String(e.seed, filterID)%uint64(len(e.partitions))]
}

// Run consumes src until it is exhausted or ctx is cancelled, then flushes
// every partition before returning
func (e *Engine) Run(ctx context.Context, src stream.Source) error {
	if _, err := e.registry.Refresh(ctx); err != nil {
		e.log.WithError(err).Warn("Initial filter refresh failed")
	}

	deliveries, err := src.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}
	defer func() {
		if err := src.Stop(); err != nil {
			e.log.WithError(err).Warn("Failed to stop source")
		}
	}()

	// partitions keep running until their input is closed so the final
	// flush still happens after ctx is cancelled
	var partitions sync.WaitGroup
	for _, p := range e.partitions {
		if err := p.pool.Start(); err != nil {
			return err
		}
		partitions.Add(1)
		go func(p *Partition) {
			defer partitions.Done()
			p.run(ctx)
		}(p)
	}

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go e.registry.Run(refreshCtx, e.cfg.Match.RefreshInterval)
	go e.rotateActivity(refreshCtx)

	workers := e.cfg.Match.Workers
	if workers < 1 {
		workers = 1
	}
	var matchers sync.WaitGroup
	for i := 0; i < workers; i++ {
		matchers.Add(1)
		go func() {
			defer matchers.Done()
			for {
				select {
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					e.process(ctx, d)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	e.log.WithFields(logrus.Fields{"partitions": len(e.partitions), "workers": workers}).Info("Engine started")

	matchers.Wait()
	for _, p := range e.partitions {
		close(p.in)
	}
	partitions.Wait()
	e.log.Info("Engine stopped")
	return nil
}

// process parses and matches one delivery and routes every match. The
// delivery is acked once routing is done, including after a panic, but not
// when routing was cut short by cancellation.
func (e *Engine) process(ctx context.Context, d stream.Delivery) {
	aborted := false
	defer func() {
		if !aborted {
			d.Ack()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			e.log.WithField("panic", r).Error("Recovered from panic while processing line")
		}
	}()

	metrics.LinesIngested.Inc()
	line, err := e.parser.Parse(d.Line, d.Received)
	if err != nil {
		if !errors.Is(err, parser.ErrEmptyLine) {
			e.log.WithError(err).Debug("Skipping unparseable line")
		}
		return
	}

	ids := e.registry.Match(line.Raw)
	e.activity.Record(ids)
	for _, id := range ids {
		metrics.LinesMatched.Inc()
		select {
		case e.partitionFor(id).in <- matchEvent{filterID: id, line: line}:
		case <-ctx.Done():
			aborted = true
			return
		}
	}
}

func (e *Engine) rotateActivity(ctx context.Context) {
	ticker := time.NewTicker(activityPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publisher.Publish(e.activity.Rotate())
		}
	}
}
