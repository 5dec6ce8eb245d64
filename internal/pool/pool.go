package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/rs/zerolog"
)

// AuditJob is a unit of work for the worker pool: one audit record to persist.
type AuditJob struct {
	Record  storage.AuditRecord
	Retries int
}

// JobHandler processes a single AuditJob. Returns an error if the job should be retried.
type JobHandler func(ctx context.Context, job AuditJob) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
}

// Pool is a configurable worker pool with bounded retry logic.
type Pool struct {
	cfg      Config
	jobs     chan AuditJob
	handler  JobHandler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once

	// mu guards closed so Enqueue never sends on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("AUDIT_WORKERS must be 1–64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan AuditJob, cfg.QueueDepth),
		handler: handler,
		log:     log,
	}, nil
}

// Start launches the worker goroutines. They run until Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full
// or the pool has been stopped.
func (p *Pool) Enqueue(job AuditJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	action := job.Record.Action
	if p.closed {
		metrics.AuditEvents.WithLabelValues(action, "dropped").Inc()
		return false
	}
	select {
	case p.jobs <- job:
		metrics.AuditEvents.WithLabelValues(action, "enqueued").Inc()
		return true
	default:
		metrics.AuditEvents.WithLabelValues(action, "dropped").Inc()
		p.log.Warn().Str("action", action).Str("actor", job.Record.ActorID).Msg("audit job dropped: queue full")
		return false
	}
}

// Stop closes the job channel and waits for all workers to drain.
// Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Depth returns the current number of pending jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

// worker processes jobs until Stop closes the channel. Cancelling ctx only
// cuts retry backoff short; queued jobs are still handed to the handler.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for job := range p.jobs {
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		p.processWithRetry(ctx, job, log)
	}
}

// processWithRetry runs the handler inline with exponential backoff.
func (p *Pool) processWithRetry(ctx context.Context, job AuditJob, log zerolog.Logger) {
	action := job.Record.Action
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt - 1)
			log.Warn().Str("action", action).Int("attempt", attempt).
				Dur("backoff", backoff).Msg("retrying audit job")
			select {
			case <-ctx.Done():
				metrics.AuditEvents.WithLabelValues(action, "error").Inc()
				return
			case <-time.After(backoff):
			}
		}
		job.Retries = attempt

		if err := p.handler(ctx, job); err != nil {
			if attempt < p.cfg.MaxRetries {
				metrics.AuditEvents.WithLabelValues(action, "retried").Inc()
				continue
			}
			metrics.AuditEvents.WithLabelValues(action, "error").Inc()
			log.Error().Err(err).Str("action", action).
				Int("max_retries", p.cfg.MaxRetries).Msg("audit job failed: max retries exceeded")
			return
		}

		metrics.AuditEvents.WithLabelValues(action, "processed").Inc()
		return
	}
}

// backoff computes exponential backoff with a max cap.
func (p *Pool) backoff(retries int) time.Duration {
	multiplier := math.Pow(2, float64(retries))
	d := time.Duration(float64(p.cfg.RetryBase) * multiplier)
	if max := 5 * time.Minute; d > max {
		d = max
	}
	return d
}
