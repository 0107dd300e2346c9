package filter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/justin4957/logflow-filterd/pkg/models"
	"github.com/sirupsen/logrus"
)

// Source serves the full filter list
type Source interface {
	FetchFilters(ctx context.Context) ([]models.FilterSpec, error)
}

// Snapshot is an immutable set of compiled filters
type Snapshot struct {
	filters  []*Filter
	byID     map[string]*Filter
	version  uint64
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from compiled filters, ordered by id
func NewSnapshot(filters []*Filter) *Snapshot {
	s := &Snapshot{
		filters:  append([]*Filter(nil), filters...),
		byID:     make(map[string]*Filter, len(filters)),
		loadedAt: time.Now(),
	}
	sort.Slice(s.filters, func(i, j int) bool { return s.filters[i].id < s.filters[j].id })
	for _, f := range s.filters {
		s.byID[f.id] = f
	}
	return s
}

func (s *Snapshot) Len() int             { return len(s.filters) }
func (s *Snapshot) Version() uint64      { return s.version }
func (s *Snapshot) LoadedAt() time.Time  { return s.loadedAt }
func (s *Snapshot) Get(id string) *Filter { return s.byID[id] }

// Filters returns the wire representation of every filter in the snapshot
func (s *Snapshot) Filters() []models.FilterSpec {
	out := make([]models.FilterSpec, 0, len(s.filters))
	for _, f := range s.filters {
		out = append(out, f.Spec())
	}
	return out
}

// Match returns the id of every filter whose pattern is found in line
func (s *Snapshot) Match(line string) []string {
	var (
		ids   []string
		lower string
	)
	for _, f := range s.filters {
		if f.Matches(line, &lower) {
			ids = append(ids, f.id)
		}
	}
	return ids
}

// sameAs reports whether other holds exactly the same filter definitions
func (s *Snapshot) sameAs(other []*Filter) bool {
	if len(other) != len(s.filters) {
		return false
	}
	for _, f := range other {
		cur, ok := s.byID[f.id]
		if !ok || cur.pattern != f.pattern || cur.name != f.name {
			return false
		}
	}
	return true
}

// Registry publishes filter snapshots. Readers always see a complete
// snapshot; refreshes replace it with a single atomic swap.
type Registry struct {
	current atomic.Pointer[Snapshot]
	source  Source
	static  bool
	now     func() time.Time
	log     *logrus.Entry
}

// NewRegistry creates a registry refreshed from source. It starts empty.
func NewRegistry(source Source) *Registry {
	r := &Registry{
		source: source,
		now:    time.Now,
		log:    logger.WithComponent("registry"),
	}
	r.current.Store(NewSnapshot(nil))
	return r
}

// NewStaticRegistry creates a registry holding a single filter for pattern
// under a random id. Refresh is a no-op.
func NewStaticRegistry(pattern string) (*Registry, error) {
	f, err := Compile(models.FilterSpec{ID: uuid.NewString(), Name: "local", Regex: pattern})
	if err != nil {
		return nil, err
	}
	r := &Registry{
		static: true,
		now:    time.Now,
		log:    logger.WithComponent("registry"),
	}
	r.current.Store(NewSnapshot([]*Filter{f}))
	r.log.WithFields(logrus.Fields{"filter_id": f.id, "pattern": pattern}).Info("Using local filter")
	return r, nil
}

// Snapshot returns the snapshot currently in effect
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Match matches line against the current snapshot
func (r *Registry) Match(line string) []string {
	return r.current.Load().Match(line)
}

// Publish atomically replaces the current snapshot
func (r *Registry) Publish(s *Snapshot) {
	prev := r.current.Load()
	s.version = prev.version + 1
	r.current.Store(s)
	metrics.RegistryFilters.Set(float64(s.Len()))
}

// Refresh fetches the filter list and publishes a new snapshot if it differs
// from the current one. On error the current snapshot stays in effect.
func (r *Registry) Refresh(ctx context.Context) (bool, error) {
	if r.static {
		return false, nil
	}

	specs, err := r.source.FetchFilters(ctx)
	if err != nil {
		metrics.RegistryRefreshes.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to fetch filters: %w", err)
	}

	now := r.now()
	compiled := make([]*Filter, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if err := CheckExpiry(spec.Name, now); err != nil {
			if errors.Is(err, ErrExpired) {
				r.log.WithField("filter_id", spec.ID).Debug("Skipping expired temporary filter")
			} else {
				r.log.WithError(err).WithField("filter_id", spec.ID).Error("Skipping filter")
			}
			continue
		}
		if _, dup := seen[spec.ID]; dup {
			r.log.WithField("filter_id", spec.ID).Error("Skipping duplicate filter id")
			continue
		}
		f, err := Compile(spec)
		if err != nil {
			r.log.WithError(err).WithField("filter_id", spec.ID).Error("Skipping filter")
			continue
		}
		seen[spec.ID] = struct{}{}
		compiled = append(compiled, f)
	}

	if r.current.Load().sameAs(compiled) {
		metrics.RegistryRefreshes.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	r.Publish(NewSnapshot(compiled))
	metrics.RegistryRefreshes.WithLabelValues("swapped").Inc()
	r.log.WithField("filters", len(compiled)).Info("Swapped filter set")
	return true, nil
}

// Run refreshes the registry every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.static {
		return
	}

	if _, err := r.Refresh(ctx); err != nil {
		r.log.WithError(err).Warn("Initial filter refresh failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.log.WithError(err).Warn("Filter refresh failed, keeping previous filters")
			}
		}
	}
}
