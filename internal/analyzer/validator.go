package analyzer

import (
	"encoding/json"
	"sort"

	"github.com/justin4957/logflow-filterd/pkg/models"
)

type pointKey struct {
	series    string
	timestamp int64
}

type details struct {
	Series    string             `json:"series"`
	Actual    float64            `json:"actual"`
	Expected  float64            `json:"expected"`
	Scores    map[string]float64 `json:"scores"`
	Analyzers []string           `json:"analyzers"`
}

func group(candidates []Candidate) (map[pointKey][]Candidate, []pointKey) {
	groups := make(map[pointKey][]Candidate)
	var order []pointKey
	for _, c := range candidates {
		k := pointKey{series: c.Series, timestamp: c.Timestamp}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].timestamp != order[j].timestamp {
			return order[i].timestamp < order[j].timestamp
		}
		return order[i].series < order[j].series
	})
	return groups, order
}

// outlierFor builds the outlier for one point, keeping each analyzer's best score
func outlierFor(k pointKey, cs []Candidate, score float64) models.Outlier {
	d := details{Series: k.series, Scores: make(map[string]float64)}
	for _, c := range cs {
		d.Actual = c.Actual
		d.Expected = c.Expected
		if prev, ok := d.Scores[c.Analyzer]; !ok || c.Score > prev {
			d.Scores[c.Analyzer] = c.Score
		}
	}
	for name := range d.Scores {
		d.Analyzers = append(d.Analyzers, name)
	}
	sort.Strings(d.Analyzers)

	body, _ := json.Marshal(d)
	return models.Outlier{
		Timestamp: k.timestamp,
		Score:     score,
		Details:   string(body),
		Severity:  calculateSeverity(score),
		Analyzers: d.Analyzers,
	}
}

// VotesValidator keeps points flagged by at least MinVotes distinct
// analyzers; the score is the mean of their best scores
type VotesValidator struct {
	MinVotes int
}

func (v *VotesValidator) Validate(candidates []Candidate) []models.Outlier {
	groups, order := group(candidates)

	var out []models.Outlier
	for _, k := range order {
		best := make(map[string]float64)
		for _, c := range groups[k] {
			if prev, ok := best[c.Analyzer]; !ok || c.Score > prev {
				best[c.Analyzer] = c.Score
			}
		}
		if len(best) < v.MinVotes {
			continue
		}
		sum := 0.0
		for _, s := range best {
			sum += s
		}
		out = append(out, outlierFor(k, groups[k], sum/float64(len(best))))
	}
	return out
}

// MaxValidator accepts every flagged point with the highest score any
// analyzer gave it
type MaxValidator struct{}

func (v *MaxValidator) Validate(candidates []Candidate) []models.Outlier {
	groups, order := group(candidates)

	out := make([]models.Outlier, 0, len(order))
	for _, k := range order {
		max := 0.0
		for _, c := range groups[k] {
			if c.Score > max {
				max = c.Score
			}
		}
		out = append(out, outlierFor(k, groups[k], max))
	}
	return out
}

func calculateSeverity(score float64) models.Severity {
	if score > 6 {
		return models.SeverityCritical
	} else if score > 4.5 {
		return models.SeverityHigh
	} else if score > 3 {
		return models.SeverityMedium
	}
	return models.SeverityLow
}
