package classifier

import "math"

// Label is a classification outcome
type Label string

const (
	LabelError   Label = "error"
	LabelRegular Label = "regular"
)

// Model is an incremental two-label bag-of-tokens classifier
type Model interface {
	Learn(label Label, tokens []string)
	Classify(tokens []string) Label
}

type labelStats struct {
	docs   int64
	tokens int64
	counts map[string]int64
}

// NaiveBayes is a multinomial naive Bayes model with Laplace smoothing.
// Not safe for concurrent use.
type NaiveBayes struct {
	stats map[Label]*labelStats
	vocab map[string]struct{}
	docs  int64
}

var _ Model = (*NaiveBayes)(nil)

func NewNaiveBayes() *NaiveBayes {
	return &NaiveBayes{
		stats: map[Label]*labelStats{
			LabelError:   {counts: make(map[string]int64)},
			LabelRegular: {counts: make(map[string]int64)},
		},
		vocab: make(map[string]struct{}),
	}
}

// Learn adds one sample under label
func (nb *NaiveBayes) Learn(label Label, tokens []string) {
	s, ok := nb.stats[label]
	if !ok {
		return
	}
	s.docs++
	nb.docs++
	for _, tok := range tokens {
		s.counts[tok]++
		s.tokens++
		nb.vocab[tok] = struct{}{}
	}
}

// Classify returns the label with the highest posterior; ties go to regular
func (nb *NaiveBayes) Classify(tokens []string) Label {
	if nb.LogOdds(tokens) > 0 {
		return LabelError
	}
	return LabelRegular
}

// LogOdds returns log P(error|tokens) - log P(regular|tokens)
func (nb *NaiveBayes) LogOdds(tokens []string) float64 {
	return nb.score(LabelError, tokens) - nb.score(LabelRegular, tokens)
}

func (nb *NaiveBayes) score(label Label, tokens []string) float64 {
	s := nb.stats[label]
	vocabSize := float64(len(nb.vocab))
	if vocabSize == 0 {
		vocabSize = 1
	}

	score := math.Log(float64(s.docs+1) / float64(nb.docs+2))
	for _, tok := range tokens {
		score += math.Log(float64(s.counts[tok]+1) / (float64(s.tokens) + vocabSize))
	}
	return score
}
