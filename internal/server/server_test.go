package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/admission-guard/internal/activity"
	"github.com/developingchet/admission-guard/internal/config"
	"github.com/developingchet/admission-guard/internal/ratelimit"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/developingchet/admission-guard/internal/testutil"
	"github.com/rs/zerolog"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:           ":0",
		MetricsAddr:          ":0",
		HealthAddr:           ":0",
		StoreBackend:         "bbolt",
		DataDir:              "/tmp",
		StoreTimeout:         100 * time.Millisecond,
		AuthEndpoints:        []string{"login", "register", "passwordReset"},
		ActivityLookback:     24 * time.Hour,
		CounterRetention:     24 * time.Hour,
		SuspiciousThreshold:  50,
		BlockThreshold:       80,
		AutoBlockDuration:    time.Hour,
		DefaultBlockDuration: time.Hour,
		MaxRequestSize:       1 << 20,
		HSTSMaxAge:           31536000,
		APITokens:            []string{"admin-token:u-admin:admin", "support-token:u-support:support"},
		RolePermissions: []string{
			"admin:blocks.read", "admin:blocks.write", "admin:activity.read", "admin:audit.read",
			"support:blocks.read", "support:activity.read",
		},
		CrowdSecLAPIURL:      "http://crowdsec:8080",
		CrowdSecPollInterval: 30 * time.Second,
		AuditWorkers:         1,
		AuditQueueDepth:      64,
		AuditRetryBase:       10 * time.Millisecond,
		LogLevel:             "info",
		LogFormat:            "json",
		JanitorInterval:      time.Minute,
		ErrorLogInterval:     10 * time.Second,
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *testutil.MockStore) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := testutil.NewMockStore()
	s, err := New(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, store
}

func request(method, path, token, body string) *http.Request {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func serve(s *Server, r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, r)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestAuthzAdmits(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := serve(s, request(http.MethodGet, "/authz/login", "", ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %q, want 5", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("X-RateLimit-Remaining = %q, want 4", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing")
	}
	if rr.Header().Get("X-Auth-User") != "" {
		t.Error("anonymous request must not carry X-Auth-User")
	}
}

func TestAuthzLoginBudget(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for i := 1; i <= 5; i++ {
		if rr := serve(s, request(http.MethodGet, "/authz/login", "", "")); rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rr.Code)
		}
	}
	rr := serve(s, request(http.MethodGet, "/authz/login", "", ""))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("6th login: status %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on 429")
	}

	// other endpoints keep their own budget
	if rr := serve(s, request(http.MethodGet, "/authz/bookingCreate", "", "")); rr.Code != http.StatusNoContent {
		t.Fatalf("bookingCreate: status %d", rr.Code)
	}
}

func TestAuthzUnknownEndpointUsesGeneralBudget(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, ep := range []string{"search", "listings", "register"} {
		rr := serve(s, request(http.MethodGet, "/authz/"+ep, "", ""))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: status %d", ep, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
			t.Errorf("%s: X-RateLimit-Limit = %q, want 100", ep, got)
		}
	}
}

func TestAuthzCountsAuthEndpointsByName(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for i := 1; i <= 25; i++ {
		if rr := serve(s, request(http.MethodGet, "/authz/register", "", "")); rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rr.Code)
		}
	}
	snap, err := s.activity.Snapshot(context.Background(), "192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.AuthEndpointHits != 25 || snap.TotalHits != 25 || snap.DistinctEndpointCount != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if a := s.activity.Assess(snap, activity.TypeAuthentication); a.RiskScore != 40 {
		t.Errorf("risk = %d, want 40", a.RiskScore)
	}
}

func TestAuthzKnownEndpointsTrackSwitching(t *testing.T) {
	known := make([]string, 12)
	for i := range known {
		known[i] = fmt.Sprintf("listing%d", i)
	}
	s, _ := newTestServer(t, func(c *config.Config) { c.KnownEndpoints = known })

	for _, ep := range append(known, "notConfigured", "alsoNotConfigured") {
		rr := serve(s, request(http.MethodGet, "/authz/"+ep, "", ""))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: status %d", ep, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
			t.Errorf("%s: X-RateLimit-Limit = %q, want 100", ep, got)
		}
	}
	snap, err := s.activity.Snapshot(context.Background(), "192.0.2.1")
	if err != nil {
		t.Fatal(err)
	}
	// 12 known names plus one shared apiGeneral counter
	if snap.DistinctEndpointCount != 13 || snap.TotalHits != 14 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if a := s.activity.Assess(snap, activity.TypeAPI); a.RiskScore != 20 {
		t.Errorf("risk = %d, want 20", a.RiskScore)
	}
}

func TestAuthzPropagatesUser(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rr := serve(s, request(http.MethodGet, "/authz/apiGeneral", "support-token", ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status %d", rr.Code)
	}
	if rr.Header().Get("X-Auth-User") != "u-support" || rr.Header().Get("X-Auth-Role") != "support" {
		t.Errorf("user headers: %q %q", rr.Header().Get("X-Auth-User"), rr.Header().Get("X-Auth-Role"))
	}
}

func TestAuthzBlockedClient(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if err := s.blocks.Block(context.Background(), "192.0.2.1", "test", time.Hour, "u-admin"); err != nil {
		t.Fatal(err)
	}
	rr := serve(s, request(http.MethodGet, "/authz/login", "", ""))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", rr.Code)
	}
}

func TestAdminAccessControl(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"anonymous list", http.MethodGet, "/admin/blocks", "", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/admin/blocks", "nope", "", http.StatusUnauthorized},
		{"support list", http.MethodGet, "/admin/blocks", "support-token", "", http.StatusOK},
		{"support create", http.MethodPost, "/admin/blocks", "support-token", `{"identifier":"203.0.113.7"}`, http.StatusForbidden},
		{"support delete", http.MethodDelete, "/admin/blocks/203.0.113.7", "support-token", "", http.StatusForbidden},
		{"support audit", http.MethodGet, "/admin/audit", "support-token", "", http.StatusForbidden},
		{"support activity", http.MethodGet, "/admin/activity/203.0.113.7", "support-token", "", http.StatusOK},
		{"admin audit", http.MethodGet, "/admin/audit", "admin-token", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestServer(t, nil)
			rr := serve(s, request(tc.method, tc.path, tc.token, tc.body))
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestAdminBlockLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(s, request(http.MethodPost, "/admin/blocks", "admin-token",
		`{"identifier":"::ffff:203.0.113.7","reason":"card testing","duration":"30m"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rr.Code, rr.Body.String())
	}
	var created blockView
	decode(t, rr, &created)
	if created.Identifier != "203.0.113.7" || created.BlockedBy != "u-admin" || created.Reason != "card testing" {
		t.Errorf("created = %+v", created)
	}
	if d := created.ExpiresAt.Sub(created.CreatedAt); d != 30*time.Minute {
		t.Errorf("block length = %s, want 30m", d)
	}

	rr = serve(s, request(http.MethodGet, "/admin/blocks", "admin-token", ""))
	var listed struct {
		Blocks []blockView `json:"blocks"`
	}
	decode(t, rr, &listed)
	if len(listed.Blocks) != 1 || listed.Blocks[0].Identifier != "203.0.113.7" {
		t.Fatalf("listed = %+v", listed.Blocks)
	}

	blocked := request(http.MethodGet, "/authz/login", "", "")
	blocked.RemoteAddr = "203.0.113.7:5555"
	if rr := serve(s, blocked); rr.Code != http.StatusForbidden {
		t.Fatalf("blocked client: status %d", rr.Code)
	}

	rr = serve(s, request(http.MethodDelete, "/admin/blocks/203.0.113.7", "admin-token", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rr.Code)
	}
	var lifted struct {
		Lifted int `json:"lifted"`
	}
	decode(t, rr, &lifted)
	if lifted.Lifted != 1 {
		t.Errorf("lifted = %d, want 1", lifted.Lifted)
	}

	unblocked := request(http.MethodGet, "/authz/login", "", "")
	unblocked.RemoteAddr = "203.0.113.7:5555"
	if rr := serve(s, unblocked); rr.Code != http.StatusNoContent {
		t.Fatalf("unblocked client: status %d", rr.Code)
	}

	if rr := serve(s, request(http.MethodDelete, "/admin/blocks/203.0.113.7", "admin-token", "")); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d, want 404", rr.Code)
	}
}

func TestAdminCreateBlockValidation(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"identifier":`,
		"empty identifier": `{"identifier":"  "}`,
		"bad duration":     `{"identifier":"203.0.113.7","duration":"soon"}`,
		"negative":         `{"identifier":"203.0.113.7","duration":"-5m"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s, store := newTestServer(t, nil)
			rr := serve(s, request(http.MethodPost, "/admin/blocks", "admin-token", body))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if store.Calls("InsertBlock") != 0 {
				t.Error("invalid request reached the store")
			}
		})
	}
}

func TestAdminCreateBlockDefaultsDuration(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.DefaultBlockDuration = 2 * time.Hour })
	rr := serve(s, request(http.MethodPost, "/admin/blocks", "admin-token", `{"identifier":"203.0.113.8"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d", rr.Code)
	}
	var created blockView
	decode(t, rr, &created)
	if d := created.ExpiresAt.Sub(created.CreatedAt); d != 2*time.Hour {
		t.Errorf("block length = %s, want 2h", d)
	}
	if created.Reason != "manual block" {
		t.Errorf("reason = %q", created.Reason)
	}
}

func TestAdminCreateBlockStoreFailure(t *testing.T) {
	s, store := newTestServer(t, nil)
	store.SetError("InsertBlock", errors.New("disk full"))
	rr := serve(s, request(http.MethodPost, "/admin/blocks", "admin-token", `{"identifier":"203.0.113.7"}`))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk full") {
		t.Error("store error leaked to the client")
	}
}

func TestCreateBlockChunkedBodyTooLarge(t *testing.T) {
	s, store := newTestServer(t, func(c *config.Config) { c.MaxRequestSize = 256 })
	body := `{"identifier":"203.0.113.5","reason":"` + strings.Repeat("x", 1024) + `"}`
	req := request(http.MethodPost, "/admin/blocks", "admin-token", body)
	req.ContentLength = -1

	rr := serve(s, req)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", rr.Code)
	}
	if store.Calls("InsertBlock") != 0 {
		t.Error("oversized request reached the store")
	}
}

func TestAdminActivity(t *testing.T) {
	s, store := newTestServer(t, nil)
	start := time.Now().Add(-time.Hour)
	var recs []storage.CounterRecord
	for i := 0; i < 11; i++ {
		recs = append(recs, storage.CounterRecord{
			Endpoint: fmt.Sprintf("ep%d", i), Identifier: "198.51.100.9",
			Hits: 10, MaxRequests: 100, Window: time.Minute, WindowStart: start,
		})
	}
	for i := 0; i < 4; i++ {
		recs = append(recs, storage.CounterRecord{
			Endpoint: "login", Identifier: "198.51.100.9",
			Hits: 6, MaxRequests: 5, Window: 15 * time.Minute,
			WindowStart: start.Add(time.Duration(i) * 15 * time.Minute),
		})
	}
	store.SeedHistory(recs...)

	rr := serve(s, request(http.MethodGet, "/admin/activity/198.51.100.9", "admin-token", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var got activityView
	decode(t, rr, &got)
	if got.ViolationCount != 4 || got.DistinctEndpointCount != 12 || got.TotalHits != 134 || got.AuthEndpointHits != 24 {
		t.Errorf("snapshot = %+v", got)
	}
	if got.RiskScore != 50 || !got.Suspicious || got.ActivityType != "api" {
		t.Errorf("assessment = %+v", got)
	}

	// auth hits > 20 add 40 for authentication activity
	rr = serve(s, request(http.MethodGet, "/admin/activity/198.51.100.9?type=authentication", "admin-token", ""))
	decode(t, rr, &got)
	if got.RiskScore != 90 {
		t.Errorf("authentication risk = %d, want 90", got.RiskScore)
	}

	rr = serve(s, request(http.MethodGet, "/admin/activity/198.51.100.9?type=bogus", "admin-token", ""))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus type: status %d", rr.Code)
	}
}

func TestAdminAuditListing(t *testing.T) {
	s, store := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		_ = store.AppendAudit(context.Background(), storage.AuditRecord{
			ActorID: "u-admin", Action: "identifier_blocked", ResourceType: "identifier",
			ResourceID: fmt.Sprintf("203.0.113.%d", i), At: time.Now(),
		})
	}

	rr := serve(s, request(http.MethodGet, "/admin/audit?limit=2", "admin-token", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var got struct {
		Events []auditView `json:"events"`
	}
	decode(t, rr, &got)
	if len(got.Events) != 2 || got.Events[0].ResourceID != "203.0.113.2" {
		t.Fatalf("events = %+v", got.Events)
	}

	for _, q := range []string{"0", "-1", "many"} {
		if rr := serve(s, request(http.MethodGet, "/admin/audit?limit="+q, "admin-token", "")); rr.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status %d, want 400", q, rr.Code)
		}
	}
}

func TestAdminActionsAreAudited(t *testing.T) {
	s, store := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.sink.Start(ctx)

	rr := serve(s, request(http.MethodPost, "/admin/blocks", "admin-token", `{"identifier":"203.0.113.7"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status %d", rr.Code)
	}
	s.sink.Stop()

	actions := store.AuditActions()
	for _, want := range []string{"identifier_blocked", "api_access"} {
		if !slices.Contains(actions, want) {
			t.Errorf("audit actions %v missing %s", actions, want)
		}
	}
}

func TestHealthHandler(t *testing.T) {
	s, store := newTestServer(t, nil)
	h := s.healthHandler()

	for path, want := range map[string]int{"/healthz": http.StatusOK, "/readyz": http.StatusOK} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Errorf("%s: status %d, want %d", path, rr.Code, want)
		}
	}

	store.SetError("Ping", errors.New("redis down"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing store: status %d", rr.Code)
	}
}

func TestServeWaitsForInFlightRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		finished.Store(true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, "test", &http.Server{Addr: addr, Handler: h}) }()

	reqDone := make(chan struct{})
	go func() {
		defer close(reqDone)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if resp, err := http.Get("http://" + addr + "/"); err == nil {
				resp.Body.Close()
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached the handler")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("serve returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
	if !finished.Load() {
		t.Error("serve returned before the handler finished")
	}
	<-reqDone
}

func TestNewLogsAccessControl(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(testConfig(), testutil.NewMockStore(), zerolog.New(&buf)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"api_tokens":2`) || !strings.Contains(out, `"roles":["admin","support"]`) {
		t.Errorf("startup log = %q", out)
	}

	buf.Reset()
	cfg := testConfig()
	cfg.APITokens = nil
	if _, err := New(cfg, testutil.NewMockStore(), zerolog.New(&buf)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no API_TOKENS configured") {
		t.Errorf("missing warning: %q", buf.String())
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*config.Config){
		"duplicate token":   func(c *config.Config) { c.APITokens = []string{"t:a:admin", "t:b:support"} },
		"malformed token":   func(c *config.Config) { c.APITokens = []string{"only-token"} },
		"bad policy":        func(c *config.Config) { c.RateLimitPolicies = []string{"login=soon:5"} },
		"bad grant":         func(c *config.Config) { c.RolePermissions = []string{"admin:blocks"} },
		"bad proxy":         func(c *config.Config) { c.TrustedProxies = []string{"not-a-cidr"} },
		"zero workers":      func(c *config.Config) { c.AuditWorkers = 0 },
		"bad whitelist":     func(c *config.Config) { c.CrowdSecEnabled = true; c.BlockWhitelist = []string{"nope"} },
		"unknown skip flag": func(c *config.Config) { c.RateLimitPolicies = []string{"login=1m:5:skip_both"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			if _, err := New(cfg, testutil.NewMockStore(), zerolog.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildPolicies(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPolicies = []string{"login=1m:3:skip_successful", "search=10s:20"}
	policies, err := BuildPolicies(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p := policies[ratelimit.PolicyLogin]; p.Window != time.Minute || p.MaxRequests != 3 || !p.SkipSuccessful {
		t.Errorf("login = %+v", p)
	}
	if p := policies["search"]; p.MaxRequests != 20 {
		t.Errorf("search = %+v", p)
	}
	if _, ok := policies[ratelimit.PolicyPartnerVerification]; !ok {
		t.Error("defaults must survive overrides")
	}
}

func TestCrowdSecWiring(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if s.streamBnc != nil || s.reporter != nil || s.importer != nil {
		t.Fatal("CrowdSec components built while disabled")
	}

	s, _ = newTestServer(t, func(c *config.Config) {
		c.CrowdSecEnabled = true
		c.CrowdSecLAPIKey = "key"
		c.LAPIMetricsInterval = 30 * time.Minute
	})
	if s.streamBnc == nil || s.importer == nil || s.reporter == nil {
		t.Fatal("CrowdSec components missing")
	}
	if s.streamBnc.TickerInterval != "30s" || s.streamBnc.APIKey != "key" {
		t.Errorf("stream bouncer = %+v", s.streamBnc)
	}

	s, _ = newTestServer(t, func(c *config.Config) {
		c.CrowdSecEnabled = true
		c.CrowdSecLAPIKey = "key"
	})
	if s.reporter != nil {
		t.Error("usage reporter built with a zero push interval")
	}
}
