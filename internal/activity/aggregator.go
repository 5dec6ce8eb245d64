package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/developingchet/admission-guard/internal/audit"
	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options tunes an Aggregator. Zero values pick the defaults.
type Options struct {
	Lookback            time.Duration // default 24h
	AuthEndpoints       []string      // default login, register, passwordReset
	SuspiciousThreshold int           // default 50
	StoreTimeout        time.Duration
	ErrorLogInterval    time.Duration
	Clock               func() time.Time
}

// DefaultAuthEndpoints are the policies whose hits count as authentication.
var DefaultAuthEndpoints = []string{"login", "register", "passwordReset"}

// Aggregator reads counter history and scores it. Snapshots are computed on
// demand and never cached.
type Aggregator struct {
	store     storage.CounterStore
	sink      audit.Sink
	log       zerolog.Logger
	now       func() time.Time
	lookback  time.Duration
	auth      map[string]struct{}
	threshold int
	timeout   time.Duration
	errLog    *rate.Sometimes
}

// New returns an Aggregator over store. sink may be nil.
func New(store storage.CounterStore, sink audit.Sink, opts Options, log zerolog.Logger) *Aggregator {
	if sink == nil {
		sink = audit.Nop{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if len(opts.AuthEndpoints) == 0 {
		opts.AuthEndpoints = DefaultAuthEndpoints
	}
	if opts.SuspiciousThreshold <= 0 {
		opts.SuspiciousThreshold = SuspiciousThreshold
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 100 * time.Millisecond
	}
	if opts.ErrorLogInterval <= 0 {
		opts.ErrorLogInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	auth := make(map[string]struct{}, len(opts.AuthEndpoints))
	for _, ep := range opts.AuthEndpoints {
		auth[ep] = struct{}{}
	}
	return &Aggregator{
		store:     store,
		sink:      sink,
		log:       log.With().Str("component", "activity").Logger(),
		now:       opts.Clock,
		lookback:  opts.Lookback,
		auth:      auth,
		threshold: opts.SuspiciousThreshold,
		timeout:   opts.StoreTimeout,
		errLog:    &rate.Sometimes{First: 1, Interval: opts.ErrorLogInterval},
	}
}

// IsAuthEndpoint reports whether hits on endpoint count as authentication.
func (a *Aggregator) IsAuthEndpoint(endpoint string) bool {
	_, ok := a.auth[endpoint]
	return ok
}

// Snapshot builds the identifier's summary over the lookback period.
func (a *Aggregator) Snapshot(ctx context.Context, identifier string) (Snapshot, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()
	recs, err := a.store.HistorySince(sctx, identifier, a.now().Add(-a.lookback))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read history for %s: %w", identifier, err)
	}
	return a.summarise(recs), nil
}

func (a *Aggregator) summarise(recs []storage.CounterRecord) Snapshot {
	var s Snapshot
	endpoints := make(map[string]struct{})
	for _, rec := range recs {
		if rec.Violated() {
			s.ViolationCount++
		}
		endpoints[rec.Endpoint] = struct{}{}
		s.TotalHits += rec.Hits
		if a.IsAuthEndpoint(rec.Endpoint) {
			s.AuthEndpointHits += rec.Hits
		}
	}
	s.DistinctEndpointCount = len(endpoints)
	return s
}

// Assess scores s against the aggregator's threshold. It has no side effects.
func (a *Aggregator) Assess(s Snapshot, activityType string) Assessment {
	return scoreWithThreshold(s, activityType, a.threshold)
}

// Detect scores identifier's recent activity. A suspicious result emits a
// security_alert audit event. Store failures score zero.
func (a *Aggregator) Detect(ctx context.Context, identifier, activityType string, metadata map[string]string) Assessment {
	if activityType == "" {
		activityType = TypeAPI
	}
	snap, err := a.Snapshot(ctx, identifier)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("history").Inc()
		a.errLog.Do(func() {
			a.log.Error().Err(err).Msg("history unavailable; skipping activity scoring")
		})
		return Assessment{}
	}

	res := a.Assess(snap, activityType)
	metrics.RiskScore.WithLabelValues(activityType).Observe(float64(res.RiskScore))
	if !res.Suspicious {
		return res
	}

	a.log.Warn().Str("identifier", identifier).Str("activity_type", activityType).
		Int("risk_score", res.RiskScore).Str("reason", res.Reason).Msg("suspicious activity")

	meta := map[string]string{
		"activity_type": activityType,
		"risk_score":    strconv.Itoa(res.RiskScore),
		"reason":        res.Reason,
		"violations":    strconv.Itoa(snap.ViolationCount),
		"endpoints":     strconv.Itoa(snap.DistinctEndpointCount),
		"total_hits":    strconv.Itoa(snap.TotalHits),
		"auth_hits":     strconv.Itoa(snap.AuthEndpointHits),
	}
	for k, v := range metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	actor := metadata["user_id"]
	if actor == "" {
		actor = "system"
	}
	a.sink.Record(ctx, audit.Event{
		ActorID:      actor,
		Action:       audit.ActionSecurityAlert,
		ResourceType: "identifier",
		ResourceID:   identifier,
		Metadata:     meta,
	})
	return res
}
