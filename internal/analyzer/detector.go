package analyzer

import (
	"math"

	"github.com/montanaflynn/stats"
)

// minPoints is the shortest series any analyzer will score
const minPoints = 10

func candidate(name string, s Series, i int, score, expected float64) Candidate {
	return Candidate{
		Analyzer:  name,
		Series:    s.Name,
		Timestamp: s.Points[i].Timestamp,
		Score:     score,
		Actual:    s.Points[i].Value,
		Expected:  expected,
	}
}

// NormalDistributionAnalyzer flags points more than Threshold standard
// deviations from the series mean
type NormalDistributionAnalyzer struct {
	Threshold float64
}

func (d *NormalDistributionAnalyzer) Name() string { return "normal" }

func (d *NormalDistributionAnalyzer) Analyze(s Series) []Candidate {
	return zScores(d.Name(), s, s.Values(), d.Threshold)
}

func zScores(name string, s Series, values []float64, threshold float64) []Candidate {
	if len(values) < minPoints {
		return nil
	}
	mean, stdDev := calculateStats(values)
	if stdDev == 0 {
		return nil
	}

	var out []Candidate
	for i, v := range values {
		z := math.Abs(v-mean) / stdDev
		if z > threshold {
			out = append(out, candidate(name, s, i, z, mean))
		}
	}
	return out
}

// LogNormalAnalyzer applies the z-score test to log(1+x), which suits
// heavy-tailed count series
type LogNormalAnalyzer struct {
	Threshold float64
}

func (d *LogNormalAnalyzer) Name() string { return "lognormal" }

func (d *LogNormalAnalyzer) Analyze(s Series) []Candidate {
	logs := make([]float64, len(s.Points))
	for i, p := range s.Points {
		logs[i] = math.Log1p(math.Max(p.Value, 0))
	}
	out := zScores(d.Name(), s, logs, d.Threshold)
	if len(out) > 0 {
		mean, _ := calculateStats(logs)
		for i := range out {
			out[i].Expected = math.Expm1(mean)
		}
	}
	return out
}

// MADAnalyzer uses the modified z-score based on the median absolute deviation
type MADAnalyzer struct {
	Threshold float64
}

func (d *MADAnalyzer) Name() string { return "mad" }

func (d *MADAnalyzer) Analyze(s Series) []Candidate {
	values := stats.Float64Data(s.Values())
	if len(values) < minPoints {
		return nil
	}
	median, err := stats.Median(values)
	if err != nil {
		return nil
	}
	mad, err := stats.MedianAbsoluteDeviationPopulation(values)
	if err != nil || mad == 0 {
		return nil
	}

	var out []Candidate
	for i, v := range values {
		score := 0.6745 * math.Abs(v-median) / mad
		if score > d.Threshold {
			out = append(out, candidate(d.Name(), s, i, score, median))
		}
	}
	return out
}

// MovingAverageAnalyzer compares each point with the mean and deviation of
// the Window points before it
type MovingAverageAnalyzer struct {
	Window    int
	Threshold float64
}

func (d *MovingAverageAnalyzer) Name() string { return "moving_average" }

func (d *MovingAverageAnalyzer) Analyze(s Series) []Candidate {
	values := s.Values()
	if len(values) < minPoints || d.Window < 2 || len(values) <= d.Window {
		return nil
	}

	var out []Candidate
	for i := d.Window; i < len(values); i++ {
		mean, stdDev := calculateStats(values[i-d.Window : i])
		if stdDev == 0 {
			continue
		}
		z := math.Abs(values[i]-mean) / stdDev
		if z > d.Threshold {
			out = append(out, candidate(d.Name(), s, i, z, mean))
		}
	}
	return out
}

// ExpSmoothingAnalyzer forecasts each point with simple exponential
// smoothing and flags large one-step forecast errors
type ExpSmoothingAnalyzer struct {
	Alpha     float64
	Threshold float64
}

func (d *ExpSmoothingAnalyzer) Name() string { return "exp_smoothing" }

func (d *ExpSmoothingAnalyzer) Analyze(s Series) []Candidate {
	values := s.Values()
	if len(values) < minPoints || d.Alpha <= 0 || d.Alpha > 1 {
		return nil
	}

	forecasts := make([]float64, len(values))
	residuals := make([]float64, len(values)-1)
	level := values[0]
	for i := 1; i < len(values); i++ {
		forecasts[i] = level
		residuals[i-1] = values[i] - level
		level = d.Alpha*values[i] + (1-d.Alpha)*level
	}

	_, stdDev := calculateStats(residuals)
	if stdDev == 0 {
		return nil
	}

	var out []Candidate
	for i := 1; i < len(values); i++ {
		score := math.Abs(values[i]-forecasts[i]) / stdDev
		if score > d.Threshold {
			out = append(out, candidate(d.Name(), s, i, score, forecasts[i]))
		}
	}
	return out
}

// RegressionAnalyzer fits a least-squares line and flags large residuals
type RegressionAnalyzer struct {
	Threshold float64
}

func (d *RegressionAnalyzer) Name() string { return "regression" }

func (d *RegressionAnalyzer) Analyze(s Series) []Candidate {
	if len(s.Points) < minPoints {
		return nil
	}

	data := make(stats.Series, len(s.Points))
	for i, p := range s.Points {
		data[i] = stats.Coordinate{X: float64(i), Y: p.Value}
	}
	fitted, err := stats.LinearRegression(data)
	if err != nil || len(fitted) != len(data) {
		return nil
	}

	residuals := make([]float64, len(data))
	for i := range data {
		residuals[i] = data[i].Y - fitted[i].Y
	}
	_, stdDev := calculateStats(residuals)
	if stdDev == 0 {
		return nil
	}

	var out []Candidate
	for i, r := range residuals {
		score := math.Abs(r) / stdDev
		if score > d.Threshold {
			out = append(out, candidate(d.Name(), s, i, score, fitted[i].Y))
		}
	}
	return out
}

// CUSUMAnalyzer accumulates standardized deviations in both directions and
// flags the point where either sum crosses Threshold, then restarts
type CUSUMAnalyzer struct {
	Slack     float64
	Threshold float64
}

func (d *CUSUMAnalyzer) Name() string { return "cusum" }

func (d *CUSUMAnalyzer) Analyze(s Series) []Candidate {
	values := s.Values()
	if len(values) < minPoints {
		return nil
	}
	mean, stdDev := calculateStats(values)
	if stdDev == 0 {
		return nil
	}

	var (
		out       []Candidate
		high, low float64
	)
	for i, v := range values {
		z := (v - mean) / stdDev
		high = math.Max(0, high+z-d.Slack)
		low = math.Max(0, low-z-d.Slack)
		if score := math.Max(high, low); score > d.Threshold {
			out = append(out, candidate(d.Name(), s, i, score, mean))
			high, low = 0, 0
		}
	}
	return out
}

// IntervalAnalyzer flags points outside the interquartile fence
// [Q1 - m*IQR, Q3 + m*IQR]
type IntervalAnalyzer struct {
	Multiplier float64
}

func (d *IntervalAnalyzer) Name() string { return "interval" }

func (d *IntervalAnalyzer) Analyze(s Series) []Candidate {
	values := stats.Float64Data(s.Values())
	if len(values) < minPoints {
		return nil
	}
	q, err := stats.Quartile(values)
	if err != nil {
		return nil
	}
	iqr := q.Q3 - q.Q1
	if iqr == 0 {
		return nil
	}
	lower, upper := q.Q1-d.Multiplier*iqr, q.Q3+d.Multiplier*iqr

	var out []Candidate
	for i, v := range values {
		var distance float64
		switch {
		case v > upper:
			distance = v - upper
		case v < lower:
			distance = lower - v
		default:
			continue
		}
		out = append(out, candidate(d.Name(), s, i, 1+distance/iqr, q.Q2))
	}
	return out
}

func calculateStats(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	mean, _ = stats.Mean(values)
	stdDev, _ = stats.StandardDeviationPopulation(values)
	return mean, stdDev
}
