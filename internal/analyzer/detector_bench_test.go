package analyzer

import (
	"testing"
)

// 24h of 5-minute buckets
const dayOfBuckets = 288

// BenchmarkAnalyzers measures each analyzer on a full lookback window
func BenchmarkAnalyzers(b *testing.B) {
	s := makeSeries(dayOfBuckets, map[int]float64{100: 500, 200: 0})
	analyzers, err := New([]string{"normal", "lognormal", "mad", "moving_average", "exp_smoothing", "regression", "cusum", "interval"}, 3.0)
	if err != nil {
		b.Fatal(err)
	}

	for _, a := range analyzers {
		b.Run(a.Name(), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = a.Analyze(s)
			}
		})
	}
}

// BenchmarkEnsemble measures all analyzers followed by validation
func BenchmarkEnsemble(b *testing.B) {
	s := makeSeries(dayOfBuckets, map[int]float64{100: 500})
	analyzers, _ := New([]string{"normal", "lognormal", "mad", "moving_average", "exp_smoothing", "regression", "cusum", "interval"}, 3.0)
	v := &VotesValidator{MinVotes: 2}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var candidates []Candidate
		for _, a := range analyzers {
			candidates = append(candidates, a.Analyze(s)...)
		}
		_ = v.Validate(candidates)
	}
}

// BenchmarkResample measures bucketing a day of per-minute stats
func BenchmarkResample(b *testing.B) {
	raw := make(map[int64]float64, 1440)
	for i := int64(0); i < 1440; i++ {
		raw[1_600_000_000+i*60] = float64(i % 17)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Resample("regular", raw, 300, 1_600_000_000, 1_600_086_400)
	}
}
