package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/justin4957/logflow-filterd/internal/metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("worker pool queue is full")
	ErrPoolStopped = errors.New("worker pool not running")
)

// Job is a unit of background work
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Submissions never block: when the queue is full the job is rejected.
type Pool struct {
	name    string
	workers int
	jobs    chan Job
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	started bool
	log     *logrus.Entry
}

// NewPool creates a pool; call Start before submitting
func NewPool(name string, workers, queueSize int) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", workers)
	}
	if queueSize <= 0 {
		return nil, fmt.Errorf("queueSize must be positive, got %d", queueSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:    name,
		workers: workers,
		jobs:    make(chan Job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		log:     logger.WithComponent("pool").WithField("pool", name),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool %s already started", p.name)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.started = true
	p.log.WithFields(logrus.Fields{"workers": p.workers, "queue": cap(p.jobs)}).Debug("Worker pool started")
	return nil
}

// Submit queues job without blocking
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		metrics.PoolDropped.Inc()
		return ErrQueueFull
	}
}

// Stop drains queued jobs and waits up to timeout before cancelling the
// context handed to running jobs.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.log.Warn("Worker pool stop timeout, cancelling running jobs")
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.Inc()
			p.log.WithFields(logrus.Fields{"worker": id, "panic": r}).Error("Background job panicked")
		}
	}()
	job(p.ctx)
}
