// Package outlier runs the periodic per-filter outlier scan: fetch the
// metric history, resample it, run the analyzer ensemble, validate the
// candidates and emit what survives.
package outlier

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/justin4957/logflow-filterd/internal/analyzer"
	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StatsFetcher returns the metric history of one filter
type StatsFetcher interface {
	FetchStats(ctx context.Context, filterID string) (*models.StatsHistory, error)
}

// Emitter receives validated outliers
type Emitter interface {
	Emit(ctx context.Context, o models.Outlier)
}

// Result of checking one filter
type Result string

const (
	ResultAnalyzed     Result = "analyzed"
	ResultInsufficient Result = "insufficient"
	ResultNoNewData    Result = "no_new_data"
	ResultFailed       Result = "failed"
)

// ScanReport summarizes one scan cycle
type ScanReport struct {
	Checked  int
	Analyzed int
	Skipped  int
	Failed   int
	Emitted  int
}

// Scheduler checks filters for outliers. It holds no per-partition state
// and can be shared by every partition.
type Scheduler struct {
	cfg       config.OutlierConfig
	fetcher   StatsFetcher
	state     StateStore
	emitter   Emitter
	analyzers []analyzer.Analyzer
	validator analyzer.Validator
	workers   int
	started   time.Time
	log       *logrus.Entry
}

// NewScheduler builds the analyzer ensemble and validator named in cfg
func NewScheduler(cfg config.OutlierConfig, fetcher StatsFetcher, state StateStore, emitter Emitter) (*Scheduler, error) {
	analyzers, err := analyzer.New(cfg.Analyzers, cfg.Sensitivity)
	if err != nil {
		return nil, err
	}
	if len(analyzers) == 0 {
		return nil, fmt.Errorf("no analyzers configured")
	}
	validator, err := analyzer.NewValidator(cfg.Validator, cfg.MinVotes)
	if err != nil {
		return nil, err
	}
	if cfg.Resolution < time.Second {
		return nil, fmt.Errorf("outlier resolution %s is below one second", cfg.Resolution)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		state:     state,
		emitter:   emitter,
		analyzers: analyzers,
		validator: validator,
		workers:   workers,
		started:   time.Now(),
		log:       logger.WithComponent("outlier"),
	}, nil
}

// WithStart sets the start time the uptime gate counts from
func (s *Scheduler) WithStart(started time.Time) *Scheduler {
	s.started = started
	return s
}

// Ready reports whether the process has been up long enough to scan
func (s *Scheduler) Ready(now time.Time) bool {
	return now.Sub(s.started) >= s.cfg.MinUptime
}

// Scan checks every id in turn. A failing filter is logged and does not
// stop the others.
func (s *Scheduler) Scan(ctx context.Context, ids []string, now time.Time) ScanReport {
	var report ScanReport
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		report.Checked++

		result, emitted, err := s.Check(ctx, id, now)
		metrics.OutlierScans.WithLabelValues(string(result)).Inc()
		switch result {
		case ResultAnalyzed:
			report.Analyzed++
			report.Emitted += emitted
		case ResultFailed:
			report.Failed++
			s.log.WithError(err).WithField("filter_id", id).Error("Failed to check outliers")
		default:
			report.Skipped++
			s.log.WithFields(logrus.Fields{"filter_id": id, "result": result}).Debug("Skipped outlier check")
		}
	}
	return report
}

// Check runs one outlier check for filterID and returns the number of
// outliers emitted
func (s *Scheduler) Check(ctx context.Context, filterID string, now time.Time) (result Result, emitted int, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			result, emitted, err = ResultFailed, 0, fmt.Errorf("panic: %v", r)
		}
	}()

	history, err := s.fetcher.FetchStats(ctx, filterID)
	if err != nil {
		return ResultFailed, 0, err
	}

	resolution := int64(s.cfg.Resolution / time.Second)
	nowBucket := models.Bucket(now.Unix(), resolution)
	from := nowBucket - int64(s.cfg.Lookback/time.Second)
	to := nowBucket - resolution

	raw, points, dataMaxTs, err := window(history, from, to)
	if err != nil {
		return ResultFailed, 0, err
	}
	if points < s.cfg.MinPoints {
		return ResultInsufficient, 0, nil
	}

	lastAnalyzed, err := s.state.LastAnalyzed(ctx, filterID)
	if err != nil {
		return ResultFailed, 0, err
	}
	if dataMaxTs <= lastAnalyzed {
		return ResultNoNewData, 0, nil
	}

	series := make([]analyzer.Series, 0, len(raw))
	for _, name := range []string{models.MetricMatch.String(), models.MetricError.String()} {
		if values, ok := raw[name]; ok {
			series = append(series, analyzer.Resample(name, values, resolution, from, to))
		}
	}

	candidates, err := s.analyze(ctx, series)
	if err != nil {
		return ResultFailed, 0, err
	}
	outliers := s.validator.Validate(candidates)

	if err := s.state.SetLastAnalyzed(ctx, filterID, dataMaxTs); err != nil {
		s.log.WithError(err).WithField("filter_id", filterID).Warn("Failed to record scan state")
	}

	for _, o := range outliers {
		o.FilterID = filterID
		o.Detected = now
		s.emitter.Emit(ctx, o)
	}
	return ResultAnalyzed, len(outliers), nil
}

// analyze runs every analyzer over every series on a bounded worker group
func (s *Scheduler) analyze(ctx context.Context, series []analyzer.Series) ([]analyzer.Candidate, error) {
	var (
		mu         sync.Mutex
		candidates []analyzer.Candidate
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, a := range s.analyzers {
		for _, ser := range series {
			a, ser := a, ser
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("analyzer %s panicked on %s: %v", a.Name(), ser.Name, r)
					}
				}()
				found := a.Analyze(ser)
				mu.Lock()
				candidates = append(candidates, found...)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// window extracts the points of history with from <= ts < to, grouped by
// series name. Metric 1 is the "regular" series; every other metric sums
// into "errors".
func window(history *models.StatsHistory, from, to int64) (map[string]map[int64]float64, int, int64, error) {
	if history == nil || history.Stats == nil {
		return nil, 0, 0, fmt.Errorf("missing stats object")
	}

	raw := make(map[string]map[int64]float64)
	points := 0
	dataMaxTs := int64(0)
	for metric, values := range history.Stats {
		name := models.MetricError.String()
		if metric == strconv.Itoa(int(models.MetricMatch)) {
			name = models.MetricMatch.String()
		}

		for key, count := range values {
			ts, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				return nil, 0, 0, fmt.Errorf("malformed timestamp %q in metric %s: %w", key, metric, err)
			}
			if ts < from || ts >= to {
				continue
			}
			if raw[name] == nil {
				raw[name] = make(map[int64]float64)
			}
			raw[name][ts] += float64(count)
			points++
			if ts > dataMaxTs {
				dataMaxTs = ts
			}
		}
	}
	return raw, points, dataMaxTs, nil
}
