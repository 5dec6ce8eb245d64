// Package audit records security-relevant events. Recording is fire-and-forget:
// a slow or failing backend never blocks the request that produced the event.
package audit

import (
	"context"
	"time"

	"github.com/developingchet/admission-guard/internal/pool"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/rs/zerolog"
)

// Actions emitted by the admission layer.
const (
	ActionSecurityAlert       = "security_alert"
	ActionAccessDenied        = "access_denied"
	ActionAPIAccess           = "api_access"
	ActionIdentifierBlocked   = "identifier_blocked"
	ActionIdentifierUnblocked = "identifier_unblocked"
)

// Event is one audit record before it is timestamped.
type Event struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
}

// Sink accepts audit events. Record must not block on I/O.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// AsyncSink queues events on a worker pool that appends them to an AuditStore.
// Events are dropped (and counted) when the queue is full.
type AsyncSink struct {
	store   storage.AuditStore
	pool    *pool.Pool
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewAsyncSink builds the sink and its pool. Call Start before Record and
// Stop during shutdown to drain pending events.
func NewAsyncSink(store storage.AuditStore, cfg pool.Config, timeout time.Duration, log zerolog.Logger) (*AsyncSink, error) {
	s := &AsyncSink{
		store:   store,
		log:     log,
		now:     time.Now,
		timeout: timeout,
	}
	if s.timeout <= 0 {
		s.timeout = time.Second
	}
	p, err := pool.New(cfg, s.persist, log)
	if err != nil {
		return nil, err
	}
	s.pool = p
	return s, nil
}

// Start launches the pool workers. Writes are detached from ctx so events
// recorded during shutdown still reach the store before Stop returns.
func (s *AsyncSink) Start(ctx context.Context) { s.pool.Start(context.WithoutCancel(ctx)) }

// Stop drains queued events and waits for the workers. Call it only after
// every producer has finished.
func (s *AsyncSink) Stop() { s.pool.Stop() }

// Depth reports queued, unwritten events.
func (s *AsyncSink) Depth() int { return s.pool.Depth() }

// Record timestamps ev and queues it.
func (s *AsyncSink) Record(_ context.Context, ev Event) {
	rec := storage.AuditRecord{
		ActorID:      ev.ActorID,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Metadata:     ev.Metadata,
		At:           s.now().UTC(),
	}
	if !s.pool.Enqueue(pool.AuditJob{Record: rec}) {
		s.log.Warn().Str("action", ev.Action).Str("resource_id", ev.ResourceID).Msg("audit event dropped")
	}
}

func (s *AsyncSink) persist(ctx context.Context, job pool.AuditJob) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.AppendAudit(ctx, job.Record)
}

// LogSink writes events to the structured log only.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink that logs every event at info level.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (l *LogSink) Record(_ context.Context, ev Event) {
	e := l.log.Info().
		Str("action", ev.Action).
		Str("actor", ev.ActorID).
		Str("resource_type", ev.ResourceType).
		Str("resource_id", ev.ResourceID)
	if len(ev.Metadata) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.Metadata {
			d.Str(k, v)
		}
		e = e.Dict("metadata", d)
	}
	e.Msg("audit")
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
