// Package sink contains the concrete flush targets of the aggregation stages:
// stats rollup, stats writer, result writer and outlier writer.
package sink

import (
	"context"
	"time"

	"github.com/justin4957/logflow-filterd/internal/batch"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/sirupsen/logrus"
)

// StatsStore receives bulk counter pushes keyed by wire key
type StatsStore interface {
	PutStats(ctx context.Context, counts map[string]int64) error
}

// ResultStore receives batches of matched lines
type ResultStore interface {
	PutResults(ctx context.Context, filterID string, lines []string) error
}

// OutlierStore receives validated outliers
type OutlierStore interface {
	PostOutlier(ctx context.Context, o models.Outlier) error
}

// Publisher fans events out to live observers such as the dashboard
type Publisher interface {
	Publish(event interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(interface{}) {}

// NopPublisher discards every event
var NopPublisher Publisher = nopPublisher{}

// Stage names used in logs, metrics and flush summaries
const (
	StageRollup  = "rollup"
	StageStats   = "stats"
	StageResults = "results"
	StageOutlier = "outliers"
)

// NewRollup returns the fine-grained counter stage. Its flush re-buckets
// every counter to coarseWidth and accumulates it into next. It flushes
// synchronously so next is only touched by the owning partition.
func NewRollup(next batch.Flusher[models.AggregationKey, int64], coarseWidth int64) *batch.Counter[models.AggregationKey] {
	rebucket := batch.BulkSinkFunc[models.AggregationKey](func(ctx context.Context, counts map[models.AggregationKey]int64) error {
		for k, v := range counts {
			next.Accumulate(models.NewAggregationKey(k.FilterID, k.Metric, k.Bucket, coarseWidth), v)
		}
		return nil
	})
	return batch.NewCounter[models.AggregationKey](StageRollup, 0, rebucket, nil)
}

// StatsWriter pushes a coarse counter table to the stats store in one request
type StatsWriter struct {
	store     StatsStore
	publisher Publisher
	partition int
}

var _ batch.BulkSink[models.AggregationKey] = (*StatsWriter)(nil)

func NewStatsWriter(store StatsStore, publisher Publisher, partition int) *StatsWriter {
	return &StatsWriter{store: store, publisher: publisher, partition: partition}
}

func (w *StatsWriter) FlushAll(ctx context.Context, counts map[models.AggregationKey]int64) error {
	payload := make(map[string]int64, len(counts))
	var total int64
	for k, v := range counts {
		payload[k.WireKey()] += v
		total += v
	}

	err := w.store.PutStats(ctx, payload)
	w.publisher.Publish(summary(StageStats, w.partition, len(payload), total, err))
	return err
}

// ResultWriter sends one filter's matched lines to the result store
type ResultWriter struct {
	store     ResultStore
	publisher Publisher
	partition int
}

var _ batch.Sink[string, string] = (*ResultWriter)(nil)

func NewResultWriter(store ResultStore, publisher Publisher, partition int) *ResultWriter {
	return &ResultWriter{store: store, publisher: publisher, partition: partition}
}

func (w *ResultWriter) Flush(ctx context.Context, filterID string, lines []string) error {
	err := w.store.PutResults(ctx, filterID, lines)
	w.publisher.Publish(summary(StageResults, w.partition, 1, int64(len(lines)), err))
	return err
}

// OutlierWriter reports each validated outlier and publishes it
type OutlierWriter struct {
	store     OutlierStore
	publisher Publisher
	log       *logrus.Entry
}

func NewOutlierWriter(store OutlierStore, publisher Publisher) *OutlierWriter {
	return &OutlierWriter{store: store, publisher: publisher, log: logger.WithComponent("outlier-writer")}
}

// Emit reports o; a failed report is logged and dropped
func (w *OutlierWriter) Emit(ctx context.Context, o models.Outlier) {
	metrics.OutliersEmitted.Inc()
	w.publisher.Publish(o)

	fields := logrus.Fields{"filter_id": o.FilterID, "timestamp": o.Timestamp, "score": o.Score}
	w.log.WithFields(fields).Info("Outlier detected")

	if err := w.store.PostOutlier(ctx, o); err != nil {
		metrics.Flushes.WithLabelValues(StageOutlier, "error").Inc()
		w.log.WithError(err).WithFields(fields).Error("Failed to report outlier")
		return
	}
	metrics.Flushes.WithLabelValues(StageOutlier, "ok").Inc()
}

func summary(stage string, partition, keys int, values int64, err error) models.FlushSummary {
	s := models.FlushSummary{
		Stage:     stage,
		Partition: partition,
		Keys:      keys,
		Values:    values,
		Timestamp: time.Now(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// LogStore stands in for the supervisor in local mode: results and stats
// are written to the log instead of being sent anywhere.
type LogStore struct {
	log *logrus.Entry
}

func NewLogStore() *LogStore {
	return &LogStore{log: logger.WithComponent("local-sink")}
}

func (s *LogStore) PutStats(ctx context.Context, counts map[string]int64) error {
	for k, v := range counts {
		s.log.WithFields(logrus.Fields{"key": k, "count": v}).Debug("Stat")
	}
	return nil
}

func (s *LogStore) PutResults(ctx context.Context, filterID string, lines []string) error {
	for _, line := range lines {
		s.log.WithField("filter_id", filterID).Info(line)
	}
	return nil
}

func (s *LogStore) PostOutlier(ctx context.Context, o models.Outlier) error {
	return nil
}
