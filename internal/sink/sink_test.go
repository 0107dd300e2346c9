package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/justin4957/logflow-filterd/internal/batch"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const id = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

type fakeStore struct {
	mu       sync.Mutex
	stats    []map[string]int64
	results  map[string][][]string
	outliers []models.Outlier
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{results: make(map[string][][]string)}
}

func (s *fakeStore) PutStats(ctx context.Context, counts map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, counts)
	return s.err
}

func (s *fakeStore) PutResults(ctx context.Context, filterID string, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[filterID] = append(s.results[filterID], lines)
	return s.err
}

func (s *fakeStore) PostOutlier(ctx context.Context, o models.Outlier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outliers = append(s.outliers, o)
	return s.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
}

func (p *recordingPublisher) Publish(event interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func TestRollupIntoStatsWriter(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	stats := batch.NewCounter[models.AggregationKey](StageStats, 0, NewStatsWriter(store, pub, 2), nil)
	rollup := NewRollup(stats, 60)

	// three seconds inside one minute, plus one in the next minute
	for _, ts := range []int64{1600000020, 1600000021, 1600000079, 1600000080} {
		rollup.Accumulate(models.NewAggregationKey(id, models.MetricMatch, ts, 1), 1)
	}
	rollup.Accumulate(models.NewAggregationKey(id, models.MetricError, 1600000021, 1), 4)
	rollup.Tick()
	assert.Zero(t, rollup.Len())
	assert.Equal(t, 3, stats.Len())

	stats.Tick()
	require.Len(t, store.stats, 1)
	assert.Equal(t, map[string]int64{
		"f_" + id + "_m1_b1600000020": 3,
		"f_" + id + "_m1_b1600000080": 1,
		"f_" + id + "_m2_b1600000020": 4,
	}, store.stats[0])

	require.Len(t, pub.events, 1)
	s := pub.events[0].(models.FlushSummary)
	assert.Equal(t, StageStats, s.Stage)
	assert.Equal(t, 2, s.Partition)
	assert.Equal(t, int64(8), s.Values)
}

func TestResultWriter(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	results := batch.NewBatcher[string, string](StageResults, 2, NewResultWriter(store, pub, 0), nil)

	results.Accumulate(id, "a")
	results.Accumulate(id, "b")
	results.Accumulate(id, "c")
	results.Tick()

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, store.results[id])
	assert.Len(t, pub.events, 2)
}

func TestResultWriterFailureIsReported(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("status 502")
	pub := &recordingPublisher{}
	w := NewResultWriter(store, pub, 1)

	err := w.Flush(context.Background(), id, []string{"x"})
	assert.Error(t, err)
	assert.Equal(t, "status 502", pub.events[0].(models.FlushSummary).Error)
}

func TestOutlierWriter(t *testing.T) {
	store := newFakeStore()
	pub := &recordingPublisher{}
	w := NewOutlierWriter(store, pub)

	o := models.Outlier{FilterID: id, Timestamp: 1600000200, Score: 5}
	w.Emit(context.Background(), o)

	store.err = errors.New("down")
	w.Emit(context.Background(), o)

	assert.Len(t, store.outliers, 2)
	assert.Len(t, pub.events, 2, "outliers are published even when reporting fails")
}

func TestLogStore(t *testing.T) {
	s := NewLogStore()
	ctx := context.Background()
	assert.NoError(t, s.PutStats(ctx, map[string]int64{"k": 1}))
	assert.NoError(t, s.PutResults(ctx, id, []string{"line"}))
	assert.NoError(t, s.PostOutlier(ctx, models.Outlier{}))
}
