package models

import (
	"fmt"
	"time"
)

// LogLine represents a single ingested log line
type LogLine struct {
	Raw       string    `json:"raw"`
	Timestamp time.Time `json:"timestamp"`
}

// FilterSpec is a filter as served by the filter source
type FilterSpec struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Regex string `json:"regex"`
}

// FilterList is the response body of the filter listing route
type FilterList struct {
	Filters []FilterSpec `json:"filters"`
}

// MetricKind identifies the counter a metric event contributes to
type MetricKind int

const (
	MetricMatch MetricKind = 1
	MetricError MetricKind = 2
)

// String returns the series name used by the outlier scan
func (m MetricKind) String() string {
	switch m {
	case MetricMatch:
		return "regular"
	case MetricError:
		return "errors"
	default:
		return fmt.Sprintf("metric_%d", int(m))
	}
}

// AggregationKey identifies one counter within an aggregation stage
type AggregationKey struct {
	FilterID string     `json:"filter_id"`
	Metric   MetricKind `json:"metric"`
	Bucket   int64      `json:"bucket"`
}

// NewAggregationKey aligns ts (unix seconds) to a bucket of the given width
func NewAggregationKey(filterID string, metric MetricKind, ts, width int64) AggregationKey {
	return AggregationKey{FilterID: filterID, Metric: metric, Bucket: Bucket(ts, width)}
}

// Bucket returns the start of the fixed-width window containing ts
func Bucket(ts, width int64) int64 {
	if width <= 1 {
		return ts
	}
	// floor, also for timestamps before the epoch
	return ts - ((ts%width)+width)%width
}

// WireKey is the key format expected by the stats store
func (k AggregationKey) WireKey() string {
	return fmt.Sprintf("f_%s_m%d_b%d", k.FilterID, int(k.Metric), k.Bucket)
}

// StatsHistory is the response body of the per-filter stats route:
// metric kind -> unix seconds -> count
type StatsHistory struct {
	Stats map[string]map[string]int64 `json:"stats"`
}

// Outlier represents a validated anomaly for one filter
type Outlier struct {
	FilterID  string    `json:"filterId"`
	Timestamp int64     `json:"timestamp"`
	Score     float64   `json:"score"`
	Details   string    `json:"details"`
	Detected  time.Time `json:"detected"`
	Severity  Severity  `json:"severity"`
	Analyzers []string  `json:"analyzers,omitempty"`
}

// Severity represents outlier severity
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// FlushSummary describes one completed flush, published to the dashboard
type FlushSummary struct {
	Stage     string    `json:"stage"`
	Partition int       `json:"partition"`
	Keys      int       `json:"keys"`
	Values    int64     `json:"values"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// FilterCount is the number of lines one filter matched in a window
type FilterCount struct {
	FilterID string `json:"filterId"`
	Count    int    `json:"count"`
}

// Activity summarizes one closed ingestion window
type Activity struct {
	Timestamp   time.Time     `json:"timestamp"`
	Lines       int           `json:"lines"`
	Matched     int           `json:"matched"`
	LinesPerSec float64       `json:"linesPerSec"`
	MatchRate   float64       `json:"matchRate"`
	TopFilters  []FilterCount `json:"topFilters"`
}
