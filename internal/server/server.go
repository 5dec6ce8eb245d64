// Package server runs the admission daemon: the forward-auth and admin API,
// the health and metrics listeners, the janitor and the optional CrowdSec
// decision import.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/admission-guard/internal/access"
	"github.com/developingchet/admission-guard/internal/activity"
	"github.com/developingchet/admission-guard/internal/audit"
	"github.com/developingchet/admission-guard/internal/blocklist"
	"github.com/developingchet/admission-guard/internal/config"
	"github.com/developingchet/admission-guard/internal/decision"
	"github.com/developingchet/admission-guard/internal/lapi_metrics"
	"github.com/developingchet/admission-guard/internal/pool"
	"github.com/developingchet/admission-guard/internal/ratelimit"
	"github.com/developingchet/admission-guard/internal/security"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

const shutdownTimeout = 5 * time.Second

// Server wires the store, the security pipeline and the background workers.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	guard     *security.Guard
	blocks    *blocklist.Blocklist
	activity  *activity.Aggregator
	sink      *audit.AsyncSink
	janitor   *Janitor
	importer  *decisionImporter
	reporter  *lapi_metrics.Reporter
	streamBnc *csbouncer.StreamBouncer
	router    http.Handler
	log       zerolog.Logger
}

// BuildPolicies merges RATELIMIT_POLICIES over the built-in table.
func BuildPolicies(cfg *config.Config) (ratelimit.Policies, error) {
	specs, err := cfg.ParsePolicies()
	if err != nil {
		return nil, err
	}
	overrides := make(ratelimit.Policies, len(specs))
	for _, s := range specs {
		overrides[s.Name] = ratelimit.Policy{
			Window:         s.Window,
			MaxRequests:    s.MaxRequests,
			SkipSuccessful: s.SkipSuccessful,
			SkipFailed:     s.SkipFailed,
		}
	}
	return ratelimit.DefaultPolicies().Merge(overrides)
}

// New constructs a fully wired Server. The store is owned by the caller.
func New(cfg *config.Config, store storage.Store, log zerolog.Logger) (*Server, error) {
	policies, err := BuildPolicies(cfg)
	if err != nil {
		return nil, fmt.Errorf("build policies: %w", err)
	}

	sink, err := audit.NewAsyncSink(store, pool.Config{
		Workers:    cfg.AuditWorkers,
		QueueDepth: cfg.AuditQueueDepth,
		MaxRetries: cfg.AuditMaxRetries,
		RetryBase:  cfg.AuditRetryBase,
	}, time.Second, log.With().Str("component", "audit").Logger())
	if err != nil {
		return nil, fmt.Errorf("create audit sink: %w", err)
	}
	auditSink := audit.Multi{sink, audit.NewLogSink(log)}

	blocks := blocklist.New(store, auditSink, blocklist.Options{
		DefaultDuration:  cfg.DefaultBlockDuration,
		StoreTimeout:     cfg.StoreTimeout,
		ErrorLogInterval: cfg.ErrorLogInterval,
	}, log)
	agg := activity.New(store, auditSink, activity.Options{
		Lookback:            cfg.ActivityLookback,
		AuthEndpoints:       cfg.AuthEndpoints,
		SuspiciousThreshold: cfg.SuspiciousThreshold,
		StoreTimeout:        cfg.StoreTimeout,
		ErrorLogInterval:    cfg.ErrorLogInterval,
	}, log)
	limiter := ratelimit.New(store, ratelimit.Options{
		StoreTimeout:     cfg.StoreTimeout,
		ErrorLogInterval: cfg.ErrorLogInterval,
	}, log)

	tokenGrants, err := cfg.ParseTokens()
	if err != nil {
		return nil, err
	}
	sessions, err := access.NewTokenProvider(tokenGrants)
	if err != nil {
		return nil, fmt.Errorf("API_TOKENS: %w", err)
	}
	roleGrants, err := cfg.ParseRolePermissions()
	if err != nil {
		return nil, fmt.Errorf("ROLE_PERMISSIONS: %w", err)
	}
	perms := access.NewRoleMatrix(roleGrants)
	roles := perms.Roles()
	slices.Sort(roles)
	if sessions.Len() == 0 {
		log.Warn().Msg("no API_TOKENS configured; admin API will reject every request")
	} else {
		log.Info().Int("api_tokens", sessions.Len()).Strs("roles", roles).Msg("access control loaded")
	}
	trusted, err := decision.ParseNetworks(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		blocks:   blocks,
		activity: agg,
		sink:     sink,
		log:      log,
	}

	deps := security.Deps{
		Limiter:     limiter,
		Blocklist:   blocks,
		Activity:    agg,
		Sessions:    sessions,
		Permissions: perms,
		Audit:       auditSink,
		Policies:    policies,
	}

	if cfg.CrowdSecEnabled {
		whitelist, err := decision.ParseNetworks(cfg.BlockWhitelist)
		if err != nil {
			return nil, fmt.Errorf("parse whitelist: %w", err)
		}
		filterCfg := decision.NewFilterConfig()
		filterCfg.BlockScenarioExclude = cfg.BlockScenarioExclude
		filterCfg.AllowedOrigins = cfg.CrowdSecOrigins
		filterCfg.Whitelist = whitelist
		filterCfg.MinBanDuration = cfg.BlockMinDuration
		s.importer = &decisionImporter{blocks: blocks, filter: filterCfg, log: log}

		// StreamBouncer.TickerInterval is a string like "30s"
		skipVerify := !cfg.CrowdSecLAPIVerifyTLS
		s.streamBnc = &csbouncer.StreamBouncer{
			APIKey:              cfg.CrowdSecLAPIKey,
			APIUrl:              cfg.CrowdSecLAPIURL,
			TickerInterval:      cfg.CrowdSecPollInterval.String(),
			InsecureSkipVerify:  &skipVerify,
			UserAgent:           lapi_metrics.UserAgentService + "/" + BinaryVersion,
			RetryInitialConnect: true,
		}

		if cfg.LAPIMetricsInterval > 0 {
			s.reporter = lapi_metrics.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey,
				BinaryVersion, cfg.LAPIMetricsInterval, log)
			deps.Usage = s.reporter
		}
	}

	guard, err := security.NewGuard(deps, security.Options{
		TrustedProxies:    trusted,
		MaxRequestSize:    cfg.MaxRequestSize,
		HSTSMaxAge:        cfg.HSTSMaxAge,
		BlockThreshold:    cfg.BlockThreshold,
		AutoBlockDuration: cfg.AutoBlockDuration,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("build guard: %w", err)
	}
	s.guard = guard
	s.janitor = NewJanitor(store, sink, cfg.JanitorInterval, cfg.CounterRetention, log)
	s.router = s.routes(policies)
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts all listeners and workers and blocks until ctx is cancelled or
// one of them fails.
func (s *Server) Run(ctx context.Context) error {
	if s.streamBnc != nil {
		if err := s.streamBnc.Init(); err != nil {
			return fmt.Errorf("init CrowdSec stream: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	s.sink.Start(gctx)

	g.Go(func() error {
		return s.serve(gctx, "api", &http.Server{
			Addr:              s.cfg.ListenAddr,
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		})
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return s.serve(gctx, "metrics", &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux})
		})
	}

	g.Go(func() error {
		return s.serve(gctx, "health", &http.Server{Addr: s.cfg.HealthAddr, Handler: s.healthHandler()})
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	if s.streamBnc != nil {
		g.Go(func() error {
			return s.processStream(gctx)
		})
	}

	if s.reporter != nil {
		g.Go(func() error {
			s.reporter.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.sink.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serve runs srv until ctx is cancelled, then shuts it down gracefully.
func (s *Server) serve(ctx context.Context, name string, srv *http.Server) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg(name + " server shutdown incomplete")
		}
	}()

	s.log.Info().Str("addr", srv.Addr).Msg(name + " server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	// ListenAndServe returns as soon as Shutdown starts; in-flight handlers
	// may still be recording audit events.
	<-stopped
	return nil
}

// healthHandler serves liveness and store readiness.
func (s *Server) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
