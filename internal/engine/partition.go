package engine

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/justin4957/logflow-filterd/internal/batch"
	"github.com/justin4957/logflow-filterd/internal/classifier"
	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/justin4957/logflow-filterd/internal/outlier"
	"github.com/justin4957/logflow-filterd/internal/sink"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/sirupsen/logrus"
)

// poolStopTimeout bounds how long shutdown waits for in-flight flushes
const poolStopTimeout = 30 * time.Second

// matchEvent is one line accepted by one filter
type matchEvent struct {
	filterID string
	line     models.LogLine
}

// Partition owns every piece of per-filter state for the filter ids hashed
// to it. All of it is touched only from the partition's own loop; network
// work runs on the partition's pool.
type Partition struct {
	index     int
	cfg       *config.Config
	in        chan matchEvent
	pool      *batch.Pool
	rollup    *batch.Counter[models.AggregationKey]
	stats     *batch.Counter[models.AggregationKey]
	results   *batch.Batcher[string, string]
	clf       *classifier.Classifier
	live      *outlier.LiveTable
	scheduler *outlier.Scheduler
	scanning  atomic.Bool
	liveCount atomic.Int64
	now       func() time.Time
	log       *logrus.Entry
}

func newPartition(index int, cfg *config.Config, stores Stores, scheduler *outlier.Scheduler, publisher sink.Publisher) (*Partition, error) {
	if publisher == nil {
		publisher = sink.NopPublisher
	}
	pool, err := batch.NewPool("partition-"+strconv.Itoa(index), cfg.Engine.FlushWorkers, cfg.Engine.FlushQueue)
	if err != nil {
		return nil, err
	}

	stats := batch.NewCounter[models.AggregationKey](sink.StageStats, cfg.Aggregation.MaxCounterKeys,
		sink.NewStatsWriter(stores.Stats, publisher, index), pool)

	p := &Partition{
		index:     index,
		cfg:       cfg,
		in:        make(chan matchEvent, cfg.Engine.QueueSize),
		pool:      pool,
		rollup:    sink.NewRollup(stats, cfg.Aggregation.CoarseBucket),
		stats:     stats,
		results:   batch.NewBatcher[string, string](sink.StageResults, cfg.Aggregation.ResultBatchSize, sink.NewResultWriter(stores.Results, publisher, index), pool),
		live:      outlier.NewLiveTable(),
		scheduler: scheduler,
		now:       time.Now,
		log:       logger.WithComponent("partition").WithField("partition", index),
	}
	if cfg.Classifier.Enabled {
		p.clf = classifier.New(cfg.Classifier, time.Now().UnixNano()+int64(index))
	}
	return p, nil
}

// LiveFilters returns the number of filters currently live in this partition
func (p *Partition) LiveFilters() int {
	return int(p.liveCount.Load())
}

// run is the partition event loop. Lines and ticks are handled in arrival
// order. It returns once in is closed and the final flush was handed off.
func (p *Partition) run(ctx context.Context) {
	agg := p.cfg.Aggregation
	rollupTick := time.NewTicker(agg.RollupTick)
	defer rollupTick.Stop()
	statsTick := time.NewTicker(agg.StatsTick)
	defer statsTick.Stop()
	resultTick := time.NewTicker(agg.ResultTick)
	defer resultTick.Stop()

	var scanC <-chan time.Time
	if p.cfg.Outlier.Tick > 0 {
		scanTick := time.NewTicker(p.cfg.Outlier.Tick)
		defer scanTick.Stop()
		scanC = scanTick.C
	}

	for {
		select {
		case ev, ok := <-p.in:
			if !ok {
				p.shutdown()
				return
			}
			p.handle(ev)
		case <-rollupTick.C:
			p.guard("rollup tick", p.rollup.Tick)
		case <-statsTick.C:
			p.guard("stats tick", p.stats.Tick)
		case <-resultTick.C:
			p.guard("result tick", p.results.Tick)
		case <-scanC:
			p.guard("scan tick", func() { p.scanTick(ctx, p.now()) })
		}
	}
}

// handle applies one match to every stage. A panic is logged and the
// event is dropped so one bad line cannot stall the partition.
func (p *Partition) handle(ev matchEvent) {
	p.guard("match", func() {
		ts := ev.line.Timestamp.Unix()
		fine := p.cfg.Aggregation.FineBucket

		p.rollup.Accumulate(models.NewAggregationKey(ev.filterID, models.MetricMatch, ts, fine), 1)
		p.results.Accumulate(ev.filterID, ev.line.Raw)
		if p.clf != nil && p.clf.Process(ev.filterID, ev.line.Raw) {
			p.rollup.Accumulate(models.NewAggregationKey(ev.filterID, models.MetricError, ts, fine), 1)
		}

		if _, seen := p.live.LastSeen(ev.filterID); !seen {
			p.log.WithField("filter_id", ev.filterID).Debug("Filter is live")
		}
		p.live.Touch(ev.filterID, p.now())
		p.publishLive()
	})
}

// scanTick evicts stale filters and, once warmed up, starts an outlier
// scan of the remaining ones unless the previous scan is still running
func (p *Partition) scanTick(ctx context.Context, now time.Time) {
	for _, id := range p.live.Evict(now, p.cfg.Outlier.StaleAfter) {
		p.log.WithField("filter_id", id).Info("Removed stale filter")
	}
	p.publishLive()

	if p.scheduler == nil || !p.scheduler.Ready(now) || p.live.Len() == 0 {
		return
	}
	if !p.scanning.CompareAndSwap(false, true) {
		p.log.Warn("Previous outlier scan still running, skipping")
		return
	}

	ids := p.live.IDs()
	err := p.pool.Submit(func(poolCtx context.Context) {
		defer p.scanning.Store(false)
		report := p.scheduler.Scan(poolCtx, ids, now)
		p.log.WithFields(logrus.Fields{
			"checked":  report.Checked,
			"analyzed": report.Analyzed,
			"skipped":  report.Skipped,
			"failed":   report.Failed,
			"emitted":  report.Emitted,
		}).Info("Outlier scan finished")
	})
	if err != nil {
		p.scanning.Store(false)
		p.log.WithError(err).Error("Cannot schedule outlier scan")
	}
}

func (p *Partition) publishLive() {
	n := p.live.Len()
	if p.liveCount.Swap(int64(n)) != int64(n) {
		metrics.LiveFilters.WithLabelValues(strconv.Itoa(p.index)).Set(float64(n))
	}
}

// shutdown flushes every stage and waits for the pool to drain
func (p *Partition) shutdown() {
	p.guard("final flush", func() {
		p.rollup.Tick()
		p.stats.Tick()
		p.results.Tick()
	})
	p.pool.Stop(poolStopTimeout)
	p.log.Debug("Partition stopped")
}

func (p *Partition) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			p.log.WithFields(logrus.Fields{"panic": r, "during": what}).Error("Recovered from panic")
		}
	}()
	fn()
}
