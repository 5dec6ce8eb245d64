package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var managedKeys = []string{
	"STORE_BACKEND", "DATA_DIR", "REDIS_ADDR", "STORE_TIMEOUT",
	"RATELIMIT_POLICIES", "AUTH_ENDPOINTS", "KNOWN_ENDPOINTS", "ACTIVITY_LOOKBACK", "COUNTER_RETENTION",
	"SUSPICIOUS_THRESHOLD", "BLOCK_THRESHOLD", "AUTO_BLOCK_DURATION", "DEFAULT_BLOCK_DURATION",
	"TRUSTED_PROXIES", "ALLOWED_ORIGINS", "API_TOKENS", "API_TOKENS_FILE", "ROLE_PERMISSIONS",
	"REDIS_PASSWORD", "REDIS_PASSWORD_FILE",
	"CROWDSEC_ENABLED", "CROWDSEC_LAPI_KEY", "CROWDSEC_LAPI_URL", "BLOCK_WHITELIST", "LAPI_METRICS_PUSH_INTERVAL",
	"AUDIT_WORKERS", "AUDIT_QUEUE_DEPTH", "LOG_LEVEL", "LOG_FORMAT", "JANITOR_INTERVAL",
}

// baseEnv clears every variable the tests touch; t.Setenv restores them afterwards.
func baseEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != "bbolt" {
		t.Errorf("default StoreBackend: got %q", cfg.StoreBackend)
	}
	if cfg.StoreTimeout != 100*time.Millisecond {
		t.Errorf("default StoreTimeout: got %s", cfg.StoreTimeout)
	}
	if cfg.ActivityLookback != 24*time.Hour {
		t.Errorf("default ActivityLookback: got %s", cfg.ActivityLookback)
	}
	if cfg.SuspiciousThreshold != 50 || cfg.BlockThreshold != 80 {
		t.Errorf("default thresholds: got %d/%d", cfg.SuspiciousThreshold, cfg.BlockThreshold)
	}
	if cfg.MaxRequestSize != 1<<20 {
		t.Errorf("default MaxRequestSize: got %d", cfg.MaxRequestSize)
	}
	want := []string{"login", "register", "passwordReset"}
	if len(cfg.AuthEndpoints) != len(want) {
		t.Fatalf("default AuthEndpoints: got %v", cfg.AuthEndpoints)
	}
	for i := range want {
		if cfg.AuthEndpoints[i] != want[i] {
			t.Errorf("AuthEndpoints[%d]: got %q want %q", i, cfg.AuthEndpoints[i], want[i])
		}
	}
	if len(cfg.RateLimitPolicies) != 0 {
		t.Errorf("expected no policy overrides by default, got %v", cfg.RateLimitPolicies)
	}
	grants, err := cfg.ParseRolePermissions()
	if err != nil || len(grants) == 0 {
		t.Errorf("default role permissions: %v %v", grants, err)
	}
}

func TestKnownEndpointsList(t *testing.T) {
	baseEnv(t)
	t.Setenv("KNOWN_ENDPOINTS", "search, 'listings' ,reviews")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(cfg.KnownEndpoints, ",") != "search,listings,reviews" {
		t.Errorf("KnownEndpoints = %q", cfg.KnownEndpoints)
	}
}

func TestParsePolicies(t *testing.T) {
	baseEnv(t)
	t.Setenv("RATELIMIT_POLICIES", "login=15m:5, search=1s:10:skip_failed,partnerVerification=24h:1:skip_successful")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	specs, err := cfg.ParsePolicies()
	if err != nil {
		t.Fatalf("ParsePolicies: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(specs))
	}
	if specs[0].Name != "login" || specs[0].Window != 15*time.Minute || specs[0].MaxRequests != 5 {
		t.Errorf("login spec: %+v", specs[0])
	}
	if !specs[1].SkipFailed || specs[1].SkipSuccessful {
		t.Errorf("search spec flags: %+v", specs[1])
	}
	if !specs[2].SkipSuccessful {
		t.Errorf("partner spec flags: %+v", specs[2])
	}
}

func TestParsePoliciesInvalid(t *testing.T) {
	for _, raw := range []string{
		"login",
		"=1m:5",
		"login=1m",
		"login=abc:5",
		"login=-1m:5",
		"login=1m:0",
		"login=1m:five",
		"login=1m:5:sometimes",
		"login=1m:5:skip_failed:extra",
	} {
		t.Run(raw, func(t *testing.T) {
			c := &Config{RateLimitPolicies: []string{raw}}
			if _, err := c.ParsePolicies(); err == nil {
				t.Errorf("expected error for %q", raw)
			}
		})
	}
}

func TestParseTokensDoesNotEchoSecret(t *testing.T) {
	c := &Config{APITokens: []string{"supersecret:alice"}}
	_, err := c.ParseTokens()
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); strings.Contains(got, "supersecret") {
		t.Errorf("error leaks token: %q", got)
	}

	c = &Config{APITokens: []string{"t1:alice:admin"}}
	grants, err := c.ParseTokens()
	if err != nil || len(grants) != 1 || grants[0].UserID != "alice" || grants[0].Role != "admin" {
		t.Fatalf("ParseTokens: %+v %v", grants, err)
	}
}

func TestParseRolePermissions(t *testing.T) {
	c := &Config{RolePermissions: []string{"support:blocks.read", "admin:bookings.write:own"}}
	grants, err := c.ParseRolePermissions()
	if err != nil {
		t.Fatal(err)
	}
	if grants[1].Resource != "bookings" || grants[1].Action != "write" || grants[1].Scope != "own" {
		t.Errorf("unexpected grant: %+v", grants[1])
	}
	for _, bad := range []string{"support", "support:blocks", ":blocks.read", "support:.read"} {
		c := &Config{RolePermissions: []string{bad}}
		if _, err := c.ParseRolePermissions(); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestFileSecretInjection(t *testing.T) {
	baseEnv(t)
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "tokens.txt")
	if err := os.WriteFile(tokenFile, []byte("t1:alice:admin\n  t2:bob:support \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pwFile := filepath.Join(dir, "redis.txt")
	if err := os.WriteFile(pwFile, []byte("  pass word  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_TOKENS_FILE", tokenFile)
	t.Setenv("REDIS_PASSWORD_FILE", pwFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if len(cfg.APITokens) != 2 || cfg.APITokens[1] != "t2:bob:support" {
		t.Errorf("APITokens from file: got %v", cfg.APITokens)
	}
	if cfg.RedisPassword != "pass word" {
		t.Errorf("RedisPassword from file: got %q", cfg.RedisPassword)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	baseEnv(t)
	t.Setenv("API_TOKENS_FILE", filepath.Join(t.TempDir(), "absent"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestStripEnvQuotes(t *testing.T) {
	baseEnv(t)
	t.Setenv("LOG_LEVEL", `"debug"`)
	t.Setenv("ALLOWED_ORIGINS", `'https://example.com'`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://example.com" {
		t.Errorf("AllowedOrigins: got %v", cfg.AllowedOrigins)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"valid_minimal", nil, false},
		{"invalid_store_backend", map[string]string{"STORE_BACKEND": "postgres"}, true},
		{"valid_redis_backend", map[string]string{"STORE_BACKEND": "redis", "REDIS_ADDR": "redis:6379"}, false},
		{"invalid_store_timeout_zero", map[string]string{"STORE_TIMEOUT": "0s"}, true},
		{"invalid_policy", map[string]string{"RATELIMIT_POLICIES": "login=oops"}, true},
		{"invalid_token", map[string]string{"API_TOKENS": "only-token"}, true},
		{"invalid_lookback_zero", map[string]string{"ACTIVITY_LOOKBACK": "0s"}, true},
		{"retention_shorter_than_lookback", map[string]string{"COUNTER_RETENTION": "1h"}, true},
		{"block_below_suspicious", map[string]string{"BLOCK_THRESHOLD": "40"}, true},
		{"invalid_auto_block_duration", map[string]string{"AUTO_BLOCK_DURATION": "0s"}, true},
		{"invalid_trusted_proxy", map[string]string{"TRUSTED_PROXIES": "not-an-ip"}, true},
		{"valid_trusted_proxy_cidr", map[string]string{"TRUSTED_PROXIES": "10.0.0.0/8,127.0.0.1"}, false},
		{"invalid_origin", map[string]string{"ALLOWED_ORIGINS": "example.com"}, true},
		{"crowdsec_without_key", map[string]string{"CROWDSEC_ENABLED": "true"}, true},
		{"crowdsec_bad_url", map[string]string{"CROWDSEC_ENABLED": "true", "CROWDSEC_LAPI_KEY": "k", "CROWDSEC_LAPI_URL": "ftp://x"}, true},
		{"crowdsec_valid", map[string]string{"CROWDSEC_ENABLED": "true", "CROWDSEC_LAPI_KEY": "k"}, false},
		{"crowdsec_negative_metrics_interval", map[string]string{"CROWDSEC_ENABLED": "true", "CROWDSEC_LAPI_KEY": "k", "LAPI_METRICS_PUSH_INTERVAL": "-1m"}, true},
		{"invalid_block_whitelist", map[string]string{"BLOCK_WHITELIST": "nope"}, true},
		{"invalid_audit_workers", map[string]string{"AUDIT_WORKERS": "0"}, true},
		{"invalid_audit_queue", map[string]string{"AUDIT_QUEUE_DEPTH": "0"}, true},
		{"invalid_log_level", map[string]string{"LOG_LEVEL": "invalid"}, true},
		{"valid_log_format_text", map[string]string{"LOG_FORMAT": "text"}, false},
		{"invalid_log_format", map[string]string{"LOG_FORMAT": "yaml"}, true},
		{"invalid_janitor_interval_zero", map[string]string{"JANITOR_INTERVAL": "0s"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
