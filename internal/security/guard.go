// Package security composes the blocklist, rate limiter, session and
// permission checks and the activity detector into one per-request pipeline.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	"github.com/developingchet/admission-guard/internal/activity"
	"github.com/developingchet/admission-guard/internal/audit"
	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/developingchet/admission-guard/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxRequestSize applies when neither Options nor Config set one.
const DefaultMaxRequestSize int64 = 1 << 20

// Deps are the collaborators a Guard drives. Sessions, Permissions, Activity,
// Audit and Usage may be nil.
type Deps struct {
	Limiter     RateLimiter
	Blocklist   Blocker
	Activity    ActivityDetector
	Sessions    SessionProvider
	Permissions PermissionValidator
	Audit       audit.Sink
	Usage       UsageRecorder
	Policies    ratelimit.Policies
}

// Options tunes a Guard. Zero values pick the defaults.
type Options struct {
	TrustedProxies    []*net.IPNet
	MaxRequestSize    int64
	HSTSMaxAge        int // seconds, negative omits the header
	BlockThreshold    int // default 80
	AutoBlockDuration time.Duration
	Clock             func() time.Time
}

// Guard builds secured handlers. It holds no per-request state.
type Guard struct {
	deps Deps
	opts Options
	log  zerolog.Logger
}

// NewGuard returns a Guard. Limiter and Blocklist are required.
func NewGuard(deps Deps, opts Options, log zerolog.Logger) (*Guard, error) {
	if deps.Limiter == nil || deps.Blocklist == nil {
		return nil, errors.New("security: limiter and blocklist are required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Policies == nil {
		deps.Policies = ratelimit.DefaultPolicies()
	}
	if opts.MaxRequestSize == 0 {
		opts.MaxRequestSize = DefaultMaxRequestSize
	}
	if opts.HSTSMaxAge == 0 {
		opts.HSTSMaxAge = DefaultHSTSMaxAge
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = activity.BlockThreshold
	}
	if opts.AutoBlockDuration <= 0 {
		opts.AutoBlockDuration = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Guard{deps: deps, opts: opts, log: log.With().Str("component", "security").Logger()}, nil
}

// request carries what earlier stages learned to later ones.
type request struct {
	w        http.ResponseWriter
	r        *http.Request
	cfg      Config
	id       string
	clientIP string
	user     *User

	policyName string
	policy     ratelimit.Policy
	counted    time.Time // window start of the counted hit, zero if none

	decision Decision
}

type stage struct {
	name string
	run  func(*request) *Denial
}

// WithSecurity wraps h in the admission pipeline configured by cfg.
func (g *Guard) WithSecurity(h HandlerFunc, cfg Config) http.Handler {
	stages := []stage{
		{"blocked", g.checkBlocked},
		{"transport", g.checkTransport},
		{"rate_limit", g.checkRateLimit},
		{"auth", g.checkAuth},
		{"permission", g.checkPermission},
		{"activity", g.checkActivity},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		req := &request{w: rec, r: r, cfg: cfg, id: uuid.NewString(), clientIP: ClientIP(r, g.opts.TrustedProxies)}
		setSecurityHeaders(w.Header(), req.id, g.opts.HSTSMaxAge)
		if g.deps.Usage != nil {
			g.deps.Usage.RecordProcessed()
		}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				g.log.Error().Str("request_id", req.id).Str("path", r.URL.Path).
					Str("client_ip", req.clientIP).Interface("panic", p).
					Bytes("stack", debug.Stack()).Msg("panic in secured handler")
				g.internalError(rec, req, "panic")
			}
		}()

		for _, s := range stages {
			if d := s.run(req); d != nil {
				metrics.PipelineDecisions.WithLabelValues(s.name, string(d.Kind)).Inc()
				g.recordRemediation(s.name, d)
				g.writeDenial(rec, req, d)
				g.finish(req, rec.Status())
				return
			}
		}

		sc := SecureContext{ClientIP: req.clientIP, UserAgent: r.UserAgent(), RequestID: req.id}
		if req.user != nil {
			u := *req.user
			sc.User = &u
		}
		if err := h(rec, r, sc); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) && !rec.wroteHeader {
				d := deny(KindTransport, http.StatusRequestEntityTooLarge, "request body too large",
					fmt.Sprintf("body exceeded %d bytes", tooLarge.Limit))
				metrics.PipelineDecisions.WithLabelValues("transport", string(d.Kind)).Inc()
				g.writeDenial(rec, req, d)
				g.finish(req, rec.Status())
				return
			}
			g.log.Error().Err(err).Str("request_id", req.id).Str("path", r.URL.Path).
				Str("client_ip", req.clientIP).Msg("secured handler failed")
			g.internalError(rec, req, "handler_error")
			return
		}
		metrics.PipelineDecisions.WithLabelValues("handler", "allowed").Inc()
		req.decision.Allowed = true
		req.decision.StatusCode = rec.Status()
		g.finish(req, rec.Status())

		if req.user != nil {
			g.deps.Audit.Record(r.Context(), audit.Event{
				ActorID:      req.user.ID,
				Action:       audit.ActionAPIAccess,
				ResourceType: "endpoint",
				ResourceID:   r.URL.Path,
				Metadata: map[string]string{
					"method":     r.Method,
					"status":     strconv.Itoa(rec.Status()),
					"client_ip":  req.clientIP,
					"request_id": req.id,
				},
			})
		}
	})
}

func (g *Guard) checkBlocked(req *request) *Denial {
	if g.deps.Blocklist.IsBlocked(req.r.Context(), req.clientIP) {
		return deny(KindBlocked, http.StatusForbidden, "access temporarily blocked", "identifier on blocklist")
	}
	return nil
}

func (g *Guard) checkTransport(req *request) *Denial {
	r, cfg := req.r, req.cfg
	if cfg.RequireHTTPS && !isHTTPS(r, g.opts.TrustedProxies) {
		return deny(KindTransport, http.StatusBadRequest, "HTTPS required", "plain HTTP request")
	}
	if len(cfg.AllowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" &&
			!slices.Contains(cfg.AllowedOrigins, origin) && !slices.Contains(cfg.AllowedOrigins, "*") {
			return deny(KindOrigin, http.StatusForbidden, "origin not allowed", "origin "+origin)
		}
	}
	limit := cfg.MaxRequestSize
	if limit == 0 {
		limit = g.opts.MaxRequestSize
	}
	if limit > 0 {
		if r.ContentLength > limit {
			return deny(KindTransport, http.StatusRequestEntityTooLarge, "request body too large",
				fmt.Sprintf("content length %d > %d", r.ContentLength, limit))
		}
		if r.Body != nil && r.Body != http.NoBody {
			// Chunked bodies carry no length; cap the reader instead.
			r.Body = http.MaxBytesReader(req.w, r.Body, limit)
		}
	}
	return nil
}

func (g *Guard) checkRateLimit(req *request) *Denial {
	if req.cfg.RateLimitEndpoint == "" {
		return nil
	}
	// Hits are counted under the configured name even when the limits come
	// from the fallback policy, so activity history keeps the real endpoint.
	name := req.cfg.RateLimitEndpoint
	_, pol, ok := g.deps.Policies.Resolve(name)
	if !ok {
		g.log.Warn().Str("endpoint", name).Msg("no rate limit policy; skipping check")
		return nil
	}
	res, err := g.deps.Limiter.Check(req.r.Context(), name, req.clientIP, pol)
	if err != nil && !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		g.log.Error().Err(err).Str("endpoint", name).Msg("rate limit check failed; allowing request")
		return nil
	}
	if res.Allowed {
		// Rejected hits stay counted so the window records the violation.
		req.policyName, req.policy, req.counted = name, pol, res.WindowStart
	}

	hdr := RateLimitHeaders{Limit: res.Limit, Remaining: res.Remaining, Reset: res.ResetTime}
	if !res.Allowed {
		hdr.RetryAfter = res.RetryAfter(g.opts.Clock())
		if hdr.RetryAfter <= 0 {
			hdr.RetryAfter = time.Second
		}
	}
	req.decision.Headers = &hdr
	hdr.apply(req.w.Header())
	if !res.Allowed {
		g.log.Warn().Str("request_id", req.id).Str("endpoint", name).Str("client_ip", req.clientIP).
			Int("hits", res.TotalHits).Int("limit", res.Limit).Dur("retry_after", hdr.RetryAfter).
			Msg("rate limit exceeded")
		d := deny(KindRateLimited, http.StatusTooManyRequests, "", fmt.Sprintf("%s: %d hits", name, res.TotalHits))
		d.RetryAfter = hdr.RetryAfter
		return d
	}
	return nil
}

func (g *Guard) checkAuth(req *request) *Denial {
	needIdentity := req.cfg.RequireAuth || len(req.cfg.AllowedRoles) > 0 || len(req.cfg.RequiredPermissions) > 0
	if g.deps.Sessions != nil {
		user, err := g.deps.Sessions.Session(req.r)
		if err != nil {
			g.log.Warn().Err(err).Str("request_id", req.id).Msg("session lookup failed")
			user = nil
		}
		req.user = user
	}
	if needIdentity && req.user == nil {
		return deny(KindUnauthenticated, http.StatusUnauthorized, "authentication required", "no valid session")
	}
	return nil
}

func (g *Guard) checkPermission(req *request) *Denial {
	cfg := req.cfg
	if req.user == nil || (len(cfg.AllowedRoles) == 0 && len(cfg.RequiredPermissions) == 0) {
		return nil
	}
	reason := ""
	if len(cfg.AllowedRoles) > 0 && !slices.Contains(cfg.AllowedRoles, req.user.Role) {
		reason = "role " + req.user.Role + " not allowed"
	}
	if reason == "" {
		for _, p := range cfg.RequiredPermissions {
			if g.deps.Permissions == nil || !g.deps.Permissions.HasPermission(req.user.Role, p) {
				reason = "missing permission " + p.String()
				break
			}
		}
	}
	if reason == "" {
		return nil
	}
	g.deps.Audit.Record(req.r.Context(), audit.Event{
		ActorID:      req.user.ID,
		Action:       audit.ActionAccessDenied,
		ResourceType: "endpoint",
		ResourceID:   req.r.URL.Path,
		Metadata: map[string]string{
			"method":     req.r.Method,
			"role":       req.user.Role,
			"reason":     reason,
			"client_ip":  req.clientIP,
			"request_id": req.id,
		},
	})
	return deny(KindUnauthorized, http.StatusForbidden, "insufficient permissions", reason)
}

func (g *Guard) checkActivity(req *request) *Denial {
	if !req.cfg.EnableSuspiciousActivityDetection || g.deps.Activity == nil {
		return nil
	}
	activityType := req.cfg.ActivityType
	if activityType == "" {
		activityType = activity.TypeAPI
	}
	meta := map[string]string{
		"path":       req.r.URL.Path,
		"method":     req.r.Method,
		"user_agent": req.r.UserAgent(),
	}
	if req.user != nil {
		meta["user_id"] = req.user.ID
	}
	res := g.deps.Activity.Detect(req.r.Context(), req.clientIP, activityType, meta)
	req.decision.RiskScore = res.RiskScore
	req.decision.Reasons = res.Reasons

	if res.RiskScore >= g.opts.BlockThreshold {
		reason := "risk score " + strconv.Itoa(res.RiskScore)
		if res.Reason != "" {
			reason += ": " + res.Reason
		}
		if err := g.deps.Blocklist.Block(req.r.Context(), req.clientIP, reason, g.opts.AutoBlockDuration, ""); err != nil {
			g.log.Error().Err(err).Str("client_ip", req.clientIP).Msg("auto-block failed")
		}
		return deny(KindBlocked, http.StatusForbidden, "suspicious activity detected", reason)
	}
	if res.Suspicious {
		g.log.Warn().Str("client_ip", req.clientIP).Int("risk_score", res.RiskScore).
			Str("reason", res.Reason).Str("path", req.r.URL.Path).Msg("suspicious activity below block threshold")
	}
	return nil
}

func (g *Guard) writeDenial(w http.ResponseWriter, req *request, d *Denial) {
	req.decision.StatusCode = d.Status
	g.log.Debug().Str("request_id", req.id).Str("client_ip", req.clientIP).
		Str("kind", string(d.Kind)).Int("status", d.Status).Str("detail", d.Detail).Msg("request denied")
	writeJSON(w, d.Status, d.body(req.id))
}

func (g *Guard) internalError(w *statusRecorder, req *request, reason string) {
	metrics.PipelineDecisions.WithLabelValues("handler", reason).Inc()
	req.decision.Allowed = false
	req.decision.StatusCode = http.StatusInternalServerError
	if !w.wroteHeader {
		d := deny(KindInternal, http.StatusInternalServerError, "", reason)
		writeJSON(w, d.Status, d.body(req.id))
	}
	g.finish(req, http.StatusInternalServerError)
}

// finish refunds the counted hit when the policy skips responses with this
// status, then logs the decision.
func (g *Guard) finish(req *request, status int) {
	g.log.Debug().Str("request_id", req.id).Bool("allowed", req.decision.Allowed).
		Int("status", status).Int("risk_score", req.decision.RiskScore).
		Strs("reasons", req.decision.Reasons).Msg("decision")
	if req.counted.IsZero() || !req.policy.ShouldRefund(status) {
		return
	}
	if err := g.deps.Limiter.Refund(context.WithoutCancel(req.r.Context()), req.policyName, req.clientIP, req.counted); err != nil {
		g.log.Warn().Err(err).Str("endpoint", req.policyName).Msg("rate limit refund failed")
	}
}

func (g *Guard) recordRemediation(stage string, d *Denial) {
	if g.deps.Usage == nil {
		return
	}
	switch d.Kind {
	case KindBlocked:
		g.deps.Usage.RecordBlocked(stage, "ban")
	case KindRateLimited:
		g.deps.Usage.RecordBlocked(stage, "rate_limit")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
