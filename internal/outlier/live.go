package outlier

import (
	"sort"
	"time"
)

// LiveTable tracks when each filter last matched a line. A filter is live
// from its first match until it goes unseen for longer than the staleness
// window. Not safe for concurrent use; each partition owns one.
type LiveTable struct {
	seen map[string]time.Time
}

func NewLiveTable() *LiveTable {
	return &LiveTable{seen: make(map[string]time.Time)}
}

// Touch marks filterID live as of now
func (t *LiveTable) Touch(filterID string, now time.Time) {
	t.seen[filterID] = now
}

// Evict removes filters last seen more than staleAfter before now and
// returns their ids
func (t *LiveTable) Evict(now time.Time, staleAfter time.Duration) []string {
	var removed []string
	for id, last := range t.seen {
		if now.Sub(last) > staleAfter {
			delete(t.seen, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// IDs returns the live filter ids in sorted order
func (t *LiveTable) IDs() []string {
	ids := make([]string, 0, len(t.seen))
	for id := range t.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastSeen returns when filterID was last touched
func (t *LiveTable) LastSeen(filterID string) (time.Time, bool) {
	last, ok := t.seen[filterID]
	return last, ok
}

func (t *LiveTable) Len() int {
	return len(t.seen)
}
