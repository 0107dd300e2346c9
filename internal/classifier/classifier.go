// Package classifier learns, per filter, which matched lines look like
// errors. Training labels come from a fixed vocabulary of failure words.
package classifier

import (
	"math/rand"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/sirupsen/logrus"
)

type filterState struct {
	model   Model
	trained int64
}

// Classifier holds one model per filter id. It is owned by a single
// partition and is not safe for concurrent use.
type Classifier struct {
	fullTrainCount int64
	sampleRate     int
	minTrainCount  int64
	vocabulary     *ahocorasick.Trie
	newModel       func() Model
	rng            *rand.Rand
	states         map[string]*filterState
	log            *logrus.Entry
}

// New creates a classifier from cfg. seed fixes the training sampler.
func New(cfg config.ClassifierConfig, seed int64) *Classifier {
	words := cfg.ErrorWords
	if len(words) == 0 {
		words = config.DefaultErrorWords
	}
	lowered := make([]string, len(words))
	for i, w := range words {
		lowered[i] = strings.ToLower(w)
	}
	sampleRate := cfg.SampleRate
	if sampleRate < 1 {
		sampleRate = 1
	}

	return &Classifier{
		fullTrainCount: cfg.FullTrainCount,
		sampleRate:     sampleRate,
		minTrainCount:  cfg.MinTrainCount,
		vocabulary:     ahocorasick.NewTrieBuilder().AddStrings(lowered).Build(),
		newModel:       func() Model { return NewNaiveBayes() },
		rng:            rand.New(rand.NewSource(seed)),
		states:         make(map[string]*filterState),
		log:            logger.WithComponent("classifier"),
	}
}

// Tokenize splits message on whitespace
func Tokenize(message string) []string {
	return strings.Fields(message)
}

// HeuristicLabel derives the training label from the failure vocabulary
func (c *Classifier) HeuristicLabel(message string) Label {
	if len(c.vocabulary.MatchString(strings.ToLower(message))) > 0 {
		return LabelError
	}
	return LabelRegular
}

func (c *Classifier) state(filterID string) *filterState {
	st, ok := c.states[filterID]
	if !ok {
		st = &filterState{model: c.newModel()}
		c.states[filterID] = st
	}
	return st
}

// Observe trains filterID's model with message if the sampler selects it.
// Every sample is used until fullTrainCount, then one in sampleRate.
func (c *Classifier) Observe(filterID, message string) bool {
	st := c.state(filterID)
	if st.trained >= c.fullTrainCount && c.rng.Intn(c.sampleRate) != 0 {
		return false
	}

	label := c.HeuristicLabel(message)
	st.model.Learn(label, Tokenize(message))
	st.trained++
	metrics.ClassifierTrained.WithLabelValues(string(label)).Inc()
	return true
}

// Classify labels message once filterID has at least minTrainCount trained
// samples; before that it reports undecided.
func (c *Classifier) Classify(filterID, message string) (Label, bool) {
	st, ok := c.states[filterID]
	if !ok || st.trained < c.minTrainCount {
		return "", false
	}
	return st.model.Classify(Tokenize(message)), true
}

// Process trains on message and then classifies it. It reports whether the
// line should count towards filterID's error metric.
func (c *Classifier) Process(filterID, message string) bool {
	c.Observe(filterID, message)
	label, decided := c.Classify(filterID, message)
	if !decided || label != LabelError {
		return false
	}
	metrics.ClassifierErrors.Inc()
	c.log.WithField("filter_id", filterID).Debug("Classified as error")
	return true
}

// Trained returns the number of samples trained for filterID
func (c *Classifier) Trained(filterID string) int64 {
	if st, ok := c.states[filterID]; ok {
		return st.trained
	}
	return 0
}

// Len returns the number of filters with a model
func (c *Classifier) Len() int {
	return len(c.states)
}
