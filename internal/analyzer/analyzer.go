// Package analyzer contains the pluggable time-series analyzers run by the
// outlier scan and the validators that combine their candidates.
package analyzer

import (
	"fmt"
	"sort"

	"github.com/justin4957/logflow-filterd/pkg/models"
)

// Point is one resampled bucket of a series
type Point struct {
	Timestamp int64
	Value     float64
}

// Series is an evenly spaced, time-ordered metric series
type Series struct {
	Name   string
	Points []Point
}

// Values returns the point values in order
func (s Series) Values() []float64 {
	values := make([]float64, len(s.Points))
	for i, p := range s.Points {
		values[i] = p.Value
	}
	return values
}

// Candidate is a point an analyzer considers anomalous
type Candidate struct {
	Analyzer  string
	Series    string
	Timestamp int64
	Score     float64
	Actual    float64
	Expected  float64
}

// Analyzer scores a series for anomalous points
type Analyzer interface {
	Name() string
	Analyze(series Series) []Candidate
}

// Validator combines the candidates of every analyzer into final outliers
type Validator interface {
	Validate(candidates []Candidate) []models.Outlier
}

// New builds the analyzers named in names
func New(names []string, sensitivity float64) ([]Analyzer, error) {
	if sensitivity <= 0 {
		sensitivity = 3.0
	}

	analyzers := make([]Analyzer, 0, len(names))
	for _, name := range names {
		var a Analyzer
		switch name {
		case "normal":
			a = &NormalDistributionAnalyzer{Threshold: sensitivity}
		case "lognormal":
			a = &LogNormalAnalyzer{Threshold: sensitivity}
		case "mad":
			a = &MADAnalyzer{Threshold: sensitivity + 0.5}
		case "moving_average":
			a = &MovingAverageAnalyzer{Window: 12, Threshold: sensitivity}
		case "exp_smoothing":
			a = &ExpSmoothingAnalyzer{Alpha: 0.3, Threshold: sensitivity}
		case "regression":
			a = &RegressionAnalyzer{Threshold: sensitivity}
		case "cusum":
			a = &CUSUMAnalyzer{Slack: 0.5, Threshold: sensitivity + 2}
		case "interval":
			a = &IntervalAnalyzer{Multiplier: sensitivity / 2}
		default:
			return nil, fmt.Errorf("unknown analyzer %q", name)
		}
		analyzers = append(analyzers, a)
	}
	return analyzers, nil
}

// NewValidator builds the named validator
func NewValidator(name string, minVotes int) (Validator, error) {
	switch name {
	case "votes", "":
		if minVotes < 1 {
			minVotes = 1
		}
		return &VotesValidator{MinVotes: minVotes}, nil
	case "max":
		return &MaxValidator{}, nil
	default:
		return nil, fmt.Errorf("unknown validator %q", name)
	}
}

// Resample aligns raw (unix seconds -> count) points to buckets of width
// resolution within [from, to) and fills empty buckets with zero between
// the first and last populated bucket.
func Resample(name string, raw map[int64]float64, resolution, from, to int64) Series {
	buckets := make(map[int64]float64)
	for ts, v := range raw {
		if ts < from || ts >= to {
			continue
		}
		buckets[models.Bucket(ts, resolution)] += v
	}

	series := Series{Name: name}
	if len(buckets) == 0 {
		return series
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for ts := keys[0]; ts <= keys[len(keys)-1]; ts += resolution {
		series.Points = append(series.Points, Point{Timestamp: ts, Value: buckets[ts]})
	}
	return series
}
