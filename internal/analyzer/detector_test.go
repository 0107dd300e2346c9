package analyzer

import (
	"encoding/json"
	"math"
	"testing"
)

const resolution = 300

// makeSeries builds a series with a mild daily-ish wave and optional spikes
func makeSeries(n int, spikes map[int]float64) Series {
	s := Series{Name: "regular"}
	for i := 0; i < n; i++ {
		v := 100 + 5*math.Sin(float64(i)/4)
		if spike, ok := spikes[i]; ok {
			v = spike
		}
		s.Points = append(s.Points, Point{Timestamp: int64(1_600_000_200 + i*resolution), Value: v})
	}
	return s
}

func allAnalyzers(t *testing.T) []Analyzer {
	t.Helper()
	analyzers, err := New([]string{"normal", "lognormal", "mad", "moving_average", "exp_smoothing", "regression", "cusum", "interval"}, 3.0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return analyzers
}

// TestAnalyzers_ColdStart tests behavior with insufficient data
func TestAnalyzers_ColdStart(t *testing.T) {
	short := makeSeries(minPoints-1, map[int]float64{4: 10000})

	for _, a := range allAnalyzers(t) {
		if got := a.Analyze(short); len(got) != 0 {
			t.Errorf("%s: expected no candidates with %d points, got %d", a.Name(), len(short.Points), len(got))
		}
	}
}

// TestAnalyzers_FlatSeries tests that a constant series never produces candidates
func TestAnalyzers_FlatSeries(t *testing.T) {
	flat := Series{Name: "errors"}
	for i := 0; i < 50; i++ {
		flat.Points = append(flat.Points, Point{Timestamp: int64(i * resolution), Value: 7})
	}

	for _, a := range allAnalyzers(t) {
		if got := a.Analyze(flat); len(got) != 0 {
			t.Errorf("%s: expected no candidates on a flat series, got %d", a.Name(), len(got))
		}
	}
}

// TestAnalyzers_DetectSpike tests that every analyzer flags an obvious spike
func TestAnalyzers_DetectSpike(t *testing.T) {
	const spikeAt = 40
	s := makeSeries(60, map[int]float64{spikeAt: 900})
	want := s.Points[spikeAt].Timestamp

	for _, a := range allAnalyzers(t) {
		t.Run(a.Name(), func(t *testing.T) {
			found := false
			for _, c := range a.Analyze(s) {
				if c.Analyzer != a.Name() {
					t.Errorf("candidate attributed to %q", c.Analyzer)
				}
				if c.Series != "regular" {
					t.Errorf("candidate series %q", c.Series)
				}
				if c.Timestamp == want {
					found = true
					if c.Score <= 0 {
						t.Errorf("expected positive score, got %f", c.Score)
					}
					if c.Actual != 900 {
						t.Errorf("expected actual 900, got %f", c.Actual)
					}
				}
			}
			if !found {
				t.Errorf("spike at %d not flagged", want)
			}
		})
	}
}

// TestNormalDistribution_NoAnomalyOnStableSeries tests the false-positive rate
func TestNormalDistribution_NoAnomalyOnStableSeries(t *testing.T) {
	d := &NormalDistributionAnalyzer{Threshold: 3.0}
	if got := d.Analyze(makeSeries(288, nil)); len(got) != 0 {
		t.Errorf("Expected no anomalies on a smooth wave, got %d", len(got))
	}
}

func TestNew_UnknownAnalyzer(t *testing.T) {
	if _, err := New([]string{"normal", "svm"}, 3); err == nil {
		t.Error("Expected error for unknown analyzer")
	}
}

func TestResample(t *testing.T) {
	raw := map[int64]float64{
		1000: 1, 1060: 2, // bucket 900
		1320: 4,         // bucket 1200
		1990: 8,         // bucket 1800, 1500 stays empty
		2100: 16,        // outside [from, to)
		500:  32,        // outside [from, to)
	}

	s := Resample("regular", raw, 300, 600, 2100)
	want := []Point{{900, 3}, {1200, 4}, {1500, 0}, {1800, 8}}

	if len(s.Points) != len(want) {
		t.Fatalf("Expected %d points, got %d: %+v", len(want), len(s.Points), s.Points)
	}
	for i, p := range want {
		if s.Points[i] != p {
			t.Errorf("point %d: expected %+v, got %+v", i, p, s.Points[i])
		}
	}

	if empty := Resample("errors", nil, 300, 0, 1000); len(empty.Points) != 0 {
		t.Errorf("Expected empty series, got %d points", len(empty.Points))
	}
}

func TestVotesValidator_CountsNonPositiveScores(t *testing.T) {
	candidates := []Candidate{
		{Analyzer: "normal", Series: "regular", Timestamp: 900, Score: 0},
		{Analyzer: "regression", Series: "regular", Timestamp: 900, Score: -2},
		{Analyzer: "regression", Series: "regular", Timestamp: 900, Score: -1},
	}

	got := (&VotesValidator{MinVotes: 2}).Validate(candidates)
	if len(got) != 1 {
		t.Fatalf("Expected both analyzers to vote, got %d outliers", len(got))
	}
	if got[0].Score != -0.5 {
		t.Errorf("Expected mean of best scores -0.5, got %v", got[0].Score)
	}
}

func TestVotesValidator(t *testing.T) {
	candidates := []Candidate{
		{Analyzer: "normal", Series: "regular", Timestamp: 600, Score: 4, Actual: 90, Expected: 10},
		{Analyzer: "mad", Series: "regular", Timestamp: 600, Score: 6, Actual: 90, Expected: 10},
		{Analyzer: "mad", Series: "regular", Timestamp: 600, Score: 5},
		{Analyzer: "normal", Series: "regular", Timestamp: 300, Score: 9},
		{Analyzer: "normal", Series: "errors", Timestamp: 600, Score: 3.5},
		{Analyzer: "cusum", Series: "errors", Timestamp: 600, Score: 4.5},
	}

	v := &VotesValidator{MinVotes: 2}
	got := v.Validate(candidates)
	if len(got) != 2 {
		t.Fatalf("Expected 2 validated outliers, got %d: %+v", len(got), got)
	}

	if got[0].Timestamp != 600 || got[0].Score != 4 {
		t.Errorf("unexpected first outlier %+v", got[0])
	}
	if got[1].Timestamp != 600 || got[1].Score != 5 {
		t.Errorf("unexpected second outlier %+v", got[1])
	}

	var d details
	if err := json.Unmarshal([]byte(got[1].Details), &d); err != nil {
		t.Fatalf("details are not JSON: %v", err)
	}
	if d.Series != "regular" || len(d.Analyzers) != 2 || d.Scores["mad"] != 6 {
		t.Errorf("unexpected details %+v", d)
	}
}

func TestMaxValidator(t *testing.T) {
	candidates := []Candidate{
		{Analyzer: "normal", Series: "regular", Timestamp: 900, Score: 2},
		{Analyzer: "mad", Series: "regular", Timestamp: 900, Score: 7},
		{Analyzer: "normal", Series: "regular", Timestamp: 300, Score: 3.2},
	}

	got := (&MaxValidator{}).Validate(candidates)
	if len(got) != 2 {
		t.Fatalf("Expected 2 outliers, got %d", len(got))
	}
	if got[0].Timestamp != 300 || got[1].Timestamp != 900 {
		t.Errorf("Expected time-ordered output, got %d then %d", got[0].Timestamp, got[1].Timestamp)
	}
	if got[1].Score != 7 {
		t.Errorf("Expected max score 7, got %f", got[1].Score)
	}
	if got[1].Severity != "critical" {
		t.Errorf("Expected critical severity, got %s", got[1].Severity)
	}
}

func TestNewValidator(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"votes", false},
		{"max", false},
		{"", false},
		{"svm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidator(tt.name, 2)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewValidator(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}
