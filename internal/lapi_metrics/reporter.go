// Package lapi_metrics reports the guard's remediation counts to the CrowdSec
// LAPI usage-metrics endpoint.
package lapi_metrics

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ComponentType is the remediation component type sent to the LAPI.
const ComponentType = "admission-guard"

// UserAgentService is the service name in the LAPI User-Agent header.
const UserAgentService = "crowdsec-admission-guard"

// The LAPI rejects windows shorter than this.
const minInterval = 10 * time.Minute

const pushTimeout = 5 * time.Second

// Reporter accumulates per-request counts and pushes them to the LAPI on an
// interval. It satisfies security.UsageRecorder.
type Reporter struct {
	endpoint string
	apiKey   string
	version  string
	interval time.Duration
	started  time.Time
	client   *http.Client
	log      zerolog.Logger

	mu  sync.Mutex
	cur usageWindow
}

type originKey struct {
	origin          string
	remediationType string
}

// usageWindow is one reporting period of counts.
type usageWindow struct {
	processed int64
	blocked   map[originKey]int64
}

func newUsageWindow() usageWindow {
	return usageWindow{blocked: make(map[originKey]int64)}
}

// NewReporter constructs a Reporter. A positive interval under ten minutes is
// raised to ten minutes; zero disables Run.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *Reporter {
	log = log.With().Str("component", "lapi_metrics").Logger()
	return &Reporter{
		endpoint: strings.TrimRight(lapiURL, "/") + "/v1/usage-metrics",
		apiKey:   apiKey,
		version:  version,
		interval: clampInterval(interval, log),
		started:  time.Now(),
		client:   &http.Client{Timeout: pushTimeout},
		log:      log,
		cur:      newUsageWindow(),
	}
}

func clampInterval(d time.Duration, log zerolog.Logger) time.Duration {
	if d <= 0 || d >= minInterval {
		return d
	}
	log.Warn().Dur("requested", d).Dur("enforced", minInterval).
		Msg("LAPI_METRICS_PUSH_INTERVAL below minimum; clamping")
	return minInterval
}

// RecordProcessed counts one request that went through the pipeline.
func (r *Reporter) RecordProcessed() {
	r.mu.Lock()
	r.cur.processed++
	r.mu.Unlock()
}

// RecordBlocked counts one request the pipeline turned away.
func (r *Reporter) RecordBlocked(origin, remediationType string) {
	r.mu.Lock()
	r.cur.blocked[originKey{origin, remediationType}]++
	r.mu.Unlock()
}

// take hands back the current window and starts a fresh one.
func (r *Reporter) take() usageWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.cur
	r.cur = newUsageWindow()
	return w
}

// Run pushes every interval until ctx ends, then flushes what is left.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval == 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flush(ctx, "periodic")
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
			r.flush(final, "final")
			cancel()
			return
		}
	}
}

func (r *Reporter) flush(ctx context.Context, kind string) {
	if err := r.push(ctx); err != nil {
		r.log.Warn().Err(err).Str("push", kind).Msg("usage metrics push failed")
	}
}

type metricEntry struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type osMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type windowMeta struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type component struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       osMeta        `json:"os"`
	Features []string      `json:"features"`
	Meta     windowMeta    `json:"meta"`
	Metrics  []metricEntry `json:"metrics"`
}

type payload struct {
	RemediationComponents []component `json:"remediation_components"`
}

// entries lists blocked counts in a stable order, then the processed total.
func (w usageWindow) entries() []metricEntry {
	keys := make([]originKey, 0, len(w.blocked))
	for k, n := range w.blocked {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b originKey) int {
		return cmp.Or(cmp.Compare(a.origin, b.origin), cmp.Compare(a.remediationType, b.remediationType))
	})

	out := make([]metricEntry, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, metricEntry{
			Name:   "blocked",
			Value:  w.blocked[k],
			Unit:   "request",
			Labels: map[string]string{"origin": k.origin, "remediation_type": k.remediationType},
		})
	}
	return append(out, metricEntry{Name: "processed", Value: w.processed, Unit: "request"})
}

func (r *Reporter) buildPayload(w usageWindow, now time.Time) payload {
	name, version := hostOS()
	return payload{RemediationComponents: []component{{
		Type:     ComponentType,
		Version:  r.version,
		Os:       osMeta{Name: name, Version: version},
		Features: []string{},
		Meta: windowMeta{
			WindowSizeSeconds:   int64(r.interval / time.Second),
			UtcStartupTimestamp: r.started.Unix(),
			UtcNowTimestamp:     now.Unix(),
		},
		Metrics: w.entries(),
	}}}
}

// push sends one window. A non-2xx answer is logged, not returned, since the
// LAPI may simply predate usage metrics.
func (r *Reporter) push(ctx context.Context) error {
	w := r.take()
	body, err := json.Marshal(r.buildPayload(w, time.Now()))
	if err != nil {
		return fmt.Errorf("encode usage metrics: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage metrics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("User-Agent", UserAgentService+"/v"+r.version)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send usage metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		r.log.Warn().Int("status", resp.StatusCode).Str("url", r.endpoint).Msg("LAPI refused usage metrics")
		return nil
	}
	r.log.Debug().Int64("processed", w.processed).Int("blocked_series", len(w.blocked)).Msg("usage metrics pushed")
	return nil
}

// hostOS is runtime.GOOS plus VERSION_ID from /etc/os-release, read once.
var hostOS = sync.OnceValues(func() (string, string) {
	raw, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return runtime.GOOS, ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if v, ok := strings.CutPrefix(line, "VERSION_ID="); ok {
			return runtime.GOOS, strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return runtime.GOOS, ""
})
