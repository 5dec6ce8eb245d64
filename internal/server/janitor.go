package server

import (
	"context"
	"time"

	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/rs/zerolog"
)

// queueDepther reports pending work, e.g. the audit sink.
type queueDepther interface {
	Depth() int
}

// SweepResult counts what one janitor pass removed.
type SweepResult struct {
	Counters int
	Blocks   int
	Active   int
}

// Janitor performs periodic housekeeping: sweeping old counter windows,
// pruning expired blocks and updating gauges.
type Janitor struct {
	store     storage.Store
	queue     queueDepther
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewJanitor creates a Janitor. queue may be nil.
func NewJanitor(store storage.Store, queue queueDepther, interval, retention time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		queue:     queue,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		log:       log.With().Str("component", "janitor").Logger(),
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

// Sweep removes counter windows older than the retention period and expired
// block entries. It stops at the first store error.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := j.now()

	n, err := j.store.SweepExpired(ctx, now.Add(-j.retention))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sweep_counters").Inc()
		return res, err
	}
	res.Counters = n

	n, err = j.store.PruneExpiredBlocks(ctx, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("prune_blocks").Inc()
		return res, err
	}
	res.Blocks = n

	active, err := j.store.ListActiveBlocks(ctx, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_blocks").Inc()
		return res, err
	}
	res.Active = len(active)
	metrics.ActiveBlocks.Set(float64(res.Active))
	return res, nil
}

func (j *Janitor) tick(ctx context.Context) {
	start := time.Now()
	res, err := j.Sweep(ctx)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: sweep failed")
	} else if res.Counters > 0 || res.Blocks > 0 {
		j.log.Info().Int("counters", res.Counters).Int("blocks", res.Blocks).
			Int("active_blocks", res.Active).Msg("janitor: swept expired entries")
	}

	// Update DB size gauge
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	// Update queue depth gauge
	if j.queue != nil {
		metrics.WorkerQueueDepth.Set(float64(j.queue.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
