package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/justin4957/logflow-filterd/pkg/models"
)

const (
	topFiltersLimit    = 10
	maxActivityHistory = 100
)

// ActivityCollector counts ingested lines and per-filter matches in a
// rolling window. Closed windows are kept as a bounded history.
type ActivityCollector struct {
	current    *activityWindow
	history    []models.Activity
	maxHistory int
	now        func() time.Time
	mu         sync.Mutex
}

type activityWindow struct {
	start   time.Time
	lines   int
	matched int
	filters map[string]int
}

// NewActivityCollector creates a collector whose first window starts now
func NewActivityCollector() *ActivityCollector {
	ac := &ActivityCollector{
		maxHistory: maxActivityHistory,
		now:        time.Now,
	}
	ac.current = ac.newWindow()
	return ac
}

func (ac *ActivityCollector) newWindow() *activityWindow {
	return &activityWindow{
		start:   ac.now(),
		filters: make(map[string]int, 64),
	}
}

// Record counts one ingested line and the filters it matched
func (ac *ActivityCollector) Record(filterIDs []string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	ac.current.lines++
	if len(filterIDs) > 0 {
		ac.current.matched++
	}
	for _, id := range filterIDs {
		ac.current.filters[id]++
	}
}

// Rotate closes the current window, archives its summary and starts a new one
func (ac *ActivityCollector) Rotate() models.Activity {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	a := ac.summarize(ac.current)
	ac.history = append(ac.history, a)
	if len(ac.history) > ac.maxHistory {
		ac.history = ac.history[1:]
	}
	ac.current = ac.newWindow()
	return a
}

// Current summarizes the open window without closing it
func (ac *ActivityCollector) Current() models.Activity {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.summarize(ac.current)
}

// History returns a copy of the closed windows, oldest first
func (ac *ActivityCollector) History() []models.Activity {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	history := make([]models.Activity, len(ac.history))
	copy(history, ac.history)
	return history
}

func (ac *ActivityCollector) summarize(w *activityWindow) models.Activity {
	duration := ac.now().Sub(w.start).Seconds()
	if duration <= 0 {
		duration = 1
	}

	matchRate := 0.0
	if w.lines > 0 {
		matchRate = float64(w.matched) / float64(w.lines)
	}

	return models.Activity{
		Timestamp:   ac.now(),
		Lines:       w.lines,
		Matched:     w.matched,
		LinesPerSec: float64(w.lines) / duration,
		MatchRate:   matchRate,
		TopFilters:  topFilters(w.filters, topFiltersLimit),
	}
}

// topFilters returns the limit busiest filters, ties broken by id
func topFilters(counts map[string]int, limit int) []models.FilterCount {
	if len(counts) == 0 {
		return nil
	}

	sorted := make([]models.FilterCount, 0, len(counts))
	for id, n := range counts {
		sorted = append(sorted, models.FilterCount{FilterID: id, Count: n})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Count != sorted[j].Count {
			return sorted[i].Count > sorted[j].Count
		}
		return sorted[i].FilterID < sorted[j].FilterID
	})

	if len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
