package outlier

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	filterA = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	filterB = "9b2f7c1e-8f1d-4c53-8a7e-3f0d2a6b5c11"
)

// scanNow is aligned to a 300s bucket; the analysis window ends at scanTo
var (
	scanNow = time.Unix(1600002000, 0)
	scanTo  = int64(1600001700)
)

type fakeFetcher struct {
	mu      sync.Mutex
	history map[string]*models.StatsHistory
	errs    map[string]error
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		history: make(map[string]*models.StatsHistory),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeFetcher) FetchStats(ctx context.Context, filterID string) (*models.StatsHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[filterID]++
	if err := f.errs[filterID]; err != nil {
		return nil, err
	}
	return f.history[filterID], nil
}

type recordingEmitter struct {
	mu       sync.Mutex
	outliers []models.Outlier
}

func (e *recordingEmitter) Emit(ctx context.Context, o models.Outlier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outliers = append(e.outliers, o)
}

// spikeHistory returns n regular points ending just before the window end,
// with a spike at index spikeAt counted back from the newest point
func spikeHistory(n, spikeAt int) *models.StatsHistory {
	regular := make(map[string]int64, n)
	for k := 0; k < n; k++ {
		ts := scanTo - 300*int64(k+1)
		v := int64(10 + k%3)
		if k == spikeAt {
			v = 200
		}
		regular[strconv.FormatInt(ts, 10)] = v
	}
	return &models.StatsHistory{Stats: map[string]map[string]int64{"1": regular}}
}

func testConfig() config.OutlierConfig {
	cfg := config.DefaultConfig().Outlier
	cfg.Analyzers = []string{"normal", "mad"}
	cfg.MinVotes = 2
	cfg.Workers = 2
	return cfg
}

func newTestScheduler(t *testing.T, fetcher StatsFetcher, state StateStore) (*Scheduler, *recordingEmitter) {
	t.Helper()
	emitter := &recordingEmitter{}
	s, err := NewScheduler(testConfig(), fetcher, state, emitter)
	require.NoError(t, err)
	s.started = scanNow.Add(-time.Hour)
	return s, emitter
}

func TestCheckEmitsSpike(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.history[filterA] = spikeHistory(48, 20)
	s, emitter := newTestScheduler(t, fetcher, NewMemoryStateStore())

	result, emitted, err := s.Check(context.Background(), filterA, scanNow)
	require.NoError(t, err)
	assert.Equal(t, ResultAnalyzed, result)
	require.Equal(t, 1, emitted)

	o := emitter.outliers[0]
	assert.Equal(t, filterA, o.FilterID)
	assert.Equal(t, scanTo-300*21, o.Timestamp)
	assert.Greater(t, o.Score, 3.0)
	assert.Equal(t, scanNow, o.Detected)
	assert.ElementsMatch(t, []string{"mad", "normal"}, o.Analyzers)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(o.Details), &details))
	assert.Equal(t, "regular", details["series"])
	assert.Equal(t, 200.0, details["actual"])
}

func TestCheckDedupOnIdenticalData(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.history[filterA] = spikeHistory(48, 20)
	state := NewMemoryStateStore()
	s, emitter := newTestScheduler(t, fetcher, state)

	first := s.Scan(context.Background(), []string{filterA}, scanNow)
	assert.Equal(t, 1, first.Emitted)

	second := s.Scan(context.Background(), []string{filterA}, scanNow.Add(time.Minute))
	assert.Zero(t, second.Emitted)
	assert.Equal(t, 1, second.Skipped)
	assert.Len(t, emitter.outliers, 1)

	last, err := state.LastAnalyzed(context.Background(), filterA)
	require.NoError(t, err)
	assert.Equal(t, scanTo-300, last)
}

func TestCheckInsufficientPoints(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.history[filterA] = spikeHistory(9, 3)
	s, emitter := newTestScheduler(t, fetcher, NewMemoryStateStore())

	result, _, err := s.Check(context.Background(), filterA, scanNow)
	require.NoError(t, err)
	assert.Equal(t, ResultInsufficient, result)
	assert.Empty(t, emitter.outliers)
}

func TestCheckExcludesTrailingBucket(t *testing.T) {
	fetcher := newFakeFetcher()
	history := spikeHistory(48, -1)
	// newer than the window end; must not count as new data
	history.Stats["1"][strconv.FormatInt(scanTo, 10)] = 500
	history.Stats["1"][strconv.FormatInt(scanTo+200, 10)] = 500
	fetcher.history[filterA] = history

	state := NewMemoryStateStore()
	require.NoError(t, state.SetLastAnalyzed(context.Background(), filterA, scanTo-300))
	s, _ := newTestScheduler(t, fetcher, state)

	result, _, err := s.Check(context.Background(), filterA, scanNow)
	require.NoError(t, err)
	assert.Equal(t, ResultNoNewData, result)
}

func TestCheckErrorSeries(t *testing.T) {
	fetcher := newFakeFetcher()
	history := spikeHistory(48, -1)
	errs := make(map[string]int64)
	for k := 0; k < 48; k++ {
		v := int64(2 + k%2)
		if k == 5 {
			v = 90
		}
		errs[strconv.FormatInt(scanTo-300*int64(k+1), 10)] = v
	}
	history.Stats["2"] = errs
	fetcher.history[filterA] = history
	s, emitter := newTestScheduler(t, fetcher, NewMemoryStateStore())

	result, emitted, err := s.Check(context.Background(), filterA, scanNow)
	require.NoError(t, err)
	assert.Equal(t, ResultAnalyzed, result)
	require.Equal(t, 1, emitted)
	assert.Contains(t, emitter.outliers[0].Details, `"series":"errors"`)
}

func TestScanContinuesAfterFailures(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.errs[filterA] = errors.New("connection refused")
	fetcher.history[filterB] = spikeHistory(48, 10)
	fetcher.history["malformed"] = &models.StatsHistory{Stats: map[string]map[string]int64{"1": {"yesterday": 4}}}
	s, emitter := newTestScheduler(t, fetcher, NewMemoryStateStore())

	report := s.Scan(context.Background(), []string{filterA, "malformed", "missing", filterB}, scanNow)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 1, report.Analyzed)
	require.Len(t, emitter.outliers, 1)
	assert.Equal(t, filterB, emitter.outliers[0].FilterID)
}

func TestReadyAfterMinUptime(t *testing.T) {
	s, err := NewScheduler(testConfig(), newFakeFetcher(), NewMemoryStateStore(), &recordingEmitter{})
	require.NoError(t, err)

	assert.False(t, s.Ready(s.started.Add(59*time.Second)))
	assert.True(t, s.Ready(s.started.Add(time.Minute)))

	// an injected clock far from wall time is gated against the injected start
	start := scanNow.Add(-time.Hour)
	assert.Same(t, s, s.WithStart(start))
	assert.False(t, s.Ready(start.Add(30*time.Second)))
	assert.True(t, s.Ready(scanNow))
}

func TestNewSchedulerRejectsUnknownAnalyzer(t *testing.T) {
	cfg := testConfig()
	cfg.Analyzers = []string{"svm"}
	_, err := NewScheduler(cfg, newFakeFetcher(), NewMemoryStateStore(), &recordingEmitter{})
	assert.Error(t, err)
}

func TestRedisStateStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store, err := NewRedisStateStore(ctx, mr.Addr(), "filterd:outlier:", time.Hour)
	require.NoError(t, err)
	defer store.Close()

	last, err := store.LastAnalyzed(ctx, filterA)
	require.NoError(t, err)
	assert.Zero(t, last)

	require.NoError(t, store.SetLastAnalyzed(ctx, filterA, 1600001400))
	last, err = store.LastAnalyzed(ctx, filterA)
	require.NoError(t, err)
	assert.Equal(t, int64(1600001400), last)
	assert.Equal(t, time.Hour, mr.TTL("filterd:outlier:"+filterA))

	mr.Set("filterd:outlier:"+filterB, "not-a-number")
	_, err = store.LastAnalyzed(ctx, filterB)
	assert.Error(t, err)
}

func TestRedisStateStoreDedupAcrossSchedulers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	fetcher := newFakeFetcher()
	fetcher.history[filterA] = spikeHistory(48, 20)

	first, err := NewRedisStateStore(ctx, mr.Addr(), "p:", 0)
	require.NoError(t, err)
	defer first.Close()
	s1, e1 := newTestScheduler(t, fetcher, first)
	s1.Scan(ctx, []string{filterA}, scanNow)
	assert.Len(t, e1.outliers, 1)

	// a restarted process shares the recorded state
	second, err := NewRedisStateStore(ctx, mr.Addr(), "p:", 0)
	require.NoError(t, err)
	defer second.Close()
	s2, e2 := newTestScheduler(t, fetcher, second)
	s2.Scan(ctx, []string{filterA}, scanNow)
	assert.Empty(t, e2.outliers)
}

func TestRedisStateStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisStateStore(ctx, "127.0.0.1:1", "p:", 0)
	assert.Error(t, err)
}
