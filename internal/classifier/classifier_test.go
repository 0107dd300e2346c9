package classifier

import (
	"fmt"
	"testing"

	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClassifier() *Classifier {
	return New(config.DefaultConfig().Classifier, 1)
}

func TestHeuristicLabel(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		msg  string
		want Label
	}{
		{"2021-07-04T12:08:56.235-07:00 ERROR disk full", LabelError},
		{"request TIMED OUT after 30s", LabelError},
		{"GET /missing-page 404", LabelError},
		{"user not authorized", LabelError},
		{"Exception in thread main", LabelError},
		{"2021-07-04T12:08:57.000-07:00 ok", LabelRegular},
		{"user logged in", LabelRegular},
		{"", LabelRegular},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, c.HeuristicLabel(tt.msg))
		})
	}
}

func TestWarmUpGate(t *testing.T) {
	c := newTestClassifier()
	const id = "filter-1"
	errorLine := "ERROR disk full on /dev/sda"

	for i := 1; i < 100; i++ {
		assert.False(t, c.Process(id, errorLine), "sample %d emitted before warm-up", i)
		_, decided := c.Classify(id, errorLine)
		assert.False(t, decided)
	}
	require.Equal(t, int64(99), c.Trained(id))

	assert.True(t, c.Process(id, errorLine), "the 100th trained sample may emit")
	assert.Equal(t, int64(100), c.Trained(id))
}

func TestClassifierSeparatesLabels(t *testing.T) {
	c := newTestClassifier()
	const id = "filter-1"

	for i := 0; i < 200; i++ {
		c.Process(id, fmt.Sprintf("connection failed to db-%d timeout", i%7))
		c.Process(id, fmt.Sprintf("served request %d in 12ms", i))
	}

	label, decided := c.Classify(id, "connection failed to db-3 timeout")
	require.True(t, decided)
	assert.Equal(t, LabelError, label)

	label, decided = c.Classify(id, "served request 9 in 12ms")
	require.True(t, decided)
	assert.Equal(t, LabelRegular, label)
}

func TestStatePerFilter(t *testing.T) {
	c := newTestClassifier()
	for i := 0; i < 150; i++ {
		c.Process("a", "ERROR boom")
	}
	assert.Equal(t, int64(150), c.Trained("a"))
	assert.Zero(t, c.Trained("b"))

	_, decided := c.Classify("b", "ERROR boom")
	assert.False(t, decided)
	assert.Equal(t, 1, c.Len())
}

func TestSamplingAfterFullTraining(t *testing.T) {
	cfg := config.DefaultConfig().Classifier
	cfg.FullTrainCount = 50
	cfg.SampleRate = 25
	c := New(cfg, 7)

	for i := 0; i < 50; i++ {
		assert.True(t, c.Observe("a", "line"))
	}

	extra := 0
	for i := 0; i < 25000; i++ {
		if c.Observe("a", "line") {
			extra++
		}
	}
	// expected 1000 with a 1/25 sampler
	assert.InDelta(t, 1000, extra, 150)
	assert.Equal(t, int64(50+extra), c.Trained("a"))
}

func TestNaiveBayesUntrained(t *testing.T) {
	nb := NewNaiveBayes()
	assert.Equal(t, LabelRegular, nb.Classify([]string{"anything"}))

	nb.Learn(Label("unknown"), []string{"x"})
	assert.Equal(t, LabelRegular, nb.Classify([]string{"x"}))
}
