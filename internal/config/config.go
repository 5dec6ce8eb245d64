package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Listeners
	ListenAddr     string `koanf:"listen_addr"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`

	// Storage
	StoreBackend  string        `koanf:"store_backend"`
	DataDir       string        `koanf:"data_dir"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	RedisPrefix   string        `koanf:"redis_prefix"`
	StoreTimeout  time.Duration `koanf:"store_timeout"`

	// Rate limiting & activity
	RateLimitPolicies    []string      `koanf:"ratelimit_policies"`
	AuthEndpoints        []string      `koanf:"auth_endpoints"`
	KnownEndpoints       []string      `koanf:"known_endpoints"` // counted by name on the apiGeneral budget
	ActivityLookback     time.Duration `koanf:"activity_lookback"`
	CounterRetention     time.Duration `koanf:"counter_retention"`
	SuspiciousThreshold  int           `koanf:"suspicious_threshold"`
	BlockThreshold       int           `koanf:"block_threshold"`
	AutoBlockDuration    time.Duration `koanf:"auto_block_duration"`
	DefaultBlockDuration time.Duration `koanf:"default_block_duration"`

	// Request handling
	TrustedProxies []string `koanf:"trusted_proxies"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	RequireHTTPS   bool     `koanf:"require_https"`
	MaxRequestSize int64    `koanf:"max_request_size"`
	HSTSMaxAge     int      `koanf:"hsts_max_age"`

	// Access: "token:user:role" and "role:resource.action[:scope]"
	APITokens       []string `koanf:"api_tokens"`
	RolePermissions []string `koanf:"role_permissions"`

	// CrowdSec import
	CrowdSecEnabled       bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL       string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey       string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins       []string      `koanf:"crowdsec_origins"`
	CrowdSecPollInterval  time.Duration `koanf:"crowdsec_poll_interval"`
	LAPIMetricsInterval   time.Duration `koanf:"lapi_metrics_push_interval"` // 0 disables
	BlockScenarioExclude  []string      `koanf:"block_scenario_exclude"`
	BlockWhitelist        []string      `koanf:"block_whitelist"`
	BlockMinDuration      time.Duration `koanf:"block_min_duration"`

	// Audit worker pool
	AuditWorkers    int           `koanf:"audit_workers"`
	AuditQueueDepth int           `koanf:"audit_queue_depth"`
	AuditMaxRetries int           `koanf:"audit_max_retries"`
	AuditRetryBase  time.Duration `koanf:"audit_retry_base"`
	AuditMaxLen     int64         `koanf:"audit_max_len"`

	// Operational
	LogLevel         string        `koanf:"log_level"`
	LogFormat        string        `koanf:"log_format"`
	JanitorInterval  time.Duration `koanf:"janitor_interval"`
	ErrorLogInterval time.Duration `koanf:"error_log_interval"`
}

// PolicySpec is one parsed RATELIMIT_POLICIES entry.
type PolicySpec struct {
	Name           string
	Window         time.Duration
	MaxRequests    int
	SkipSuccessful bool
	SkipFailed     bool
}

// ParsePolicies parses entries in "name=window:max[:skip_successful|skip_failed]" form.
func (c *Config) ParsePolicies() ([]PolicySpec, error) {
	specs := make([]PolicySpec, 0, len(c.RateLimitPolicies))
	for _, raw := range c.RateLimitPolicies {
		name, rest, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid policy %q: expected name=window:max", raw)
		}
		parts := strings.Split(rest, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid policy %q: expected name=window:max[:flag]", raw)
		}
		window, err := time.ParseDuration(strings.TrimSpace(parts[0]))
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("invalid policy %q: window must be a positive duration", raw)
		}
		max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || max < 1 {
			return nil, fmt.Errorf("invalid policy %q: max must be a positive integer", raw)
		}
		spec := PolicySpec{Name: name, Window: window, MaxRequests: max}
		if len(parts) == 3 {
			switch strings.TrimSpace(parts[2]) {
			case "skip_successful":
				spec.SkipSuccessful = true
			case "skip_failed":
				spec.SkipFailed = true
			default:
				return nil, fmt.Errorf("invalid policy %q: flag must be skip_successful or skip_failed", raw)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// TokenGrant binds a static bearer token to a user and role.
type TokenGrant struct {
	Token  string
	UserID string
	Role   string
}

// ParseTokens parses API_TOKENS entries in "token:user:role" form.
func (c *Config) ParseTokens() ([]TokenGrant, error) {
	grants := make([]TokenGrant, 0, len(c.APITokens))
	for i, raw := range c.APITokens {
		parts := strings.Split(raw, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			// Never echo the entry back; it holds a secret.
			return nil, fmt.Errorf("invalid API_TOKENS entry #%d: expected token:user:role", i+1)
		}
		grants = append(grants, TokenGrant{Token: parts[0], UserID: parts[1], Role: parts[2]})
	}
	return grants, nil
}

// RoleGrant gives a role one permission.
type RoleGrant struct {
	Role     string
	Resource string
	Action   string
	Scope    string
}

// ParseRolePermissions parses ROLE_PERMISSIONS entries in
// "role:resource.action[:scope]" form.
func (c *Config) ParseRolePermissions() ([]RoleGrant, error) {
	grants := make([]RoleGrant, 0, len(c.RolePermissions))
	for _, raw := range c.RolePermissions {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("invalid role permission %q: expected role:resource.action[:scope]", raw)
		}
		resource, action, ok := strings.Cut(parts[1], ".")
		if !ok || resource == "" || action == "" {
			return nil, fmt.Errorf("invalid role permission %q: expected resource.action", raw)
		}
		g := RoleGrant{Role: parts[0], Resource: resource, Action: action}
		if len(parts) == 3 {
			g.Scope = parts[2]
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.ListenAddr, &c.MetricsAddr, &c.HealthAddr,
		&c.StoreBackend, &c.DataDir, &c.RedisAddr, &c.RedisPassword, &c.RedisPrefix,
		&c.CrowdSecLAPIURL, &c.CrowdSecLAPIKey,
		&c.LogLevel, &c.LogFormat,
	} {
		*p = stripEnvQuotes(*p)
	}
	for _, list := range [][]string{
		c.RateLimitPolicies, c.AuthEndpoints, c.KnownEndpoints, c.TrustedProxies, c.AllowedOrigins,
		c.APITokens, c.RolePermissions, c.CrowdSecOrigins, c.BlockScenarioExclude, c.BlockWhitelist,
	} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":                ":8080",
		"metrics_enabled":            true,
		"metrics_addr":               ":9090",
		"health_addr":                ":8081",
		"store_backend":              "bbolt",
		"data_dir":                   "/data",
		"redis_addr":                 "localhost:6379",
		"redis_db":                   0,
		"redis_prefix":               "guard",
		"store_timeout":              "100ms",
		"auth_endpoints":             "login,register,passwordReset",
		"activity_lookback":          "24h",
		"counter_retention":          "24h",
		"suspicious_threshold":       50,
		"block_threshold":            80,
		"auto_block_duration":        "1h",
		"default_block_duration":     "1h",
		"require_https":              false,
		"max_request_size":           1 << 20,
		"hsts_max_age":               31536000,
		"role_permissions":           "admin:blocks.read,admin:blocks.write,admin:activity.read,admin:audit.read,support:blocks.read,support:activity.read",
		"crowdsec_enabled":           false,
		"crowdsec_lapi_url":          "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls":   true,
		"crowdsec_poll_interval":     "30s",
		"lapi_metrics_push_interval": "30m",
		"audit_workers":              2,
		"audit_queue_depth":          4096,
		"audit_max_retries":          3,
		"audit_retry_base":           "1s",
		"audit_max_len":              10000,
		"log_level":                  "info",
		"log_format":                 "json",
		"janitor_interval":           "5m",
		"error_log_interval":         "10s",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads an optional .env file, then configuration from environment
// variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	// "." as delimiter keeps names like REDIS_ADDR flat ("redis_addr").
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// koanf won't split comma-separated env values on its own
	cfg.RateLimitPolicies = splitCSV(k.String("ratelimit_policies"))
	cfg.AuthEndpoints = splitCSV(k.String("auth_endpoints"))
	cfg.KnownEndpoints = splitCSV(k.String("known_endpoints"))
	cfg.TrustedProxies = splitCSV(k.String("trusted_proxies"))
	cfg.AllowedOrigins = splitCSV(k.String("allowed_origins"))
	cfg.APITokens = splitCSV(k.String("api_tokens"))
	cfg.RolePermissions = splitCSV(k.String("role_permissions"))
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))
	cfg.BlockWhitelist = splitCSV(k.String("block_whitelist"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "bbolt":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR is required when STORE_BACKEND=bbolt")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be bbolt or redis; got %q", c.StoreBackend)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0; got %s", c.StoreTimeout)
	}

	if _, err := c.ParsePolicies(); err != nil {
		return fmt.Errorf("RATELIMIT_POLICIES: %w", err)
	}
	if _, err := c.ParseTokens(); err != nil {
		return err
	}
	if _, err := c.ParseRolePermissions(); err != nil {
		return fmt.Errorf("ROLE_PERMISSIONS: %w", err)
	}

	if c.ActivityLookback <= 0 {
		return fmt.Errorf("ACTIVITY_LOOKBACK must be > 0; got %s", c.ActivityLookback)
	}
	if c.CounterRetention < c.ActivityLookback {
		return fmt.Errorf("COUNTER_RETENTION (%s) must be >= ACTIVITY_LOOKBACK (%s)", c.CounterRetention, c.ActivityLookback)
	}
	if c.SuspiciousThreshold < 1 {
		return fmt.Errorf("SUSPICIOUS_THRESHOLD must be >= 1; got %d", c.SuspiciousThreshold)
	}
	if c.BlockThreshold < c.SuspiciousThreshold {
		return fmt.Errorf("BLOCK_THRESHOLD must be >= SUSPICIOUS_THRESHOLD; got %d < %d", c.BlockThreshold, c.SuspiciousThreshold)
	}
	if c.AutoBlockDuration <= 0 {
		return fmt.Errorf("AUTO_BLOCK_DURATION must be > 0; got %s", c.AutoBlockDuration)
	}
	if c.DefaultBlockDuration <= 0 {
		return fmt.Errorf("DEFAULT_BLOCK_DURATION must be > 0; got %s", c.DefaultBlockDuration)
	}

	for _, entry := range c.TrustedProxies {
		if err := validIPOrCIDR(entry); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
	}
	for _, entry := range c.BlockWhitelist {
		if err := validIPOrCIDR(entry); err != nil {
			return fmt.Errorf("BLOCK_WHITELIST: %w", err)
		}
	}
	for _, origin := range c.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("ALLOWED_ORIGINS: %q must start with http:// or https://", origin)
		}
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED=true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
		if c.CrowdSecPollInterval <= 0 {
			return fmt.Errorf("CROWDSEC_POLL_INTERVAL must be > 0; got %s", c.CrowdSecPollInterval)
		}
		if c.LAPIMetricsInterval < 0 {
			return fmt.Errorf("LAPI_METRICS_PUSH_INTERVAL must be >= 0; got %s", c.LAPIMetricsInterval)
		}
	}

	if c.AuditWorkers < 1 || c.AuditWorkers > 64 {
		return fmt.Errorf("AUDIT_WORKERS must be 1–64; got %d", c.AuditWorkers)
	}
	if c.AuditQueueDepth < 1 {
		return fmt.Errorf("AUDIT_QUEUE_DEPTH must be >= 1; got %d", c.AuditQueueDepth)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

func validIPOrCIDR(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return nil
	}
	if net.ParseIP(entry) == nil {
		return fmt.Errorf("invalid IP address %q", entry)
	}
	return nil
}

// fileSecretKeys are the keys that also accept a <KEY>_FILE path.
var fileSecretKeys = []string{
	"api_tokens",
	"redis_password",
	"crowdsec_lapi_key",
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if key == "api_tokens" {
			// One token per line becomes one CSV list.
			val = strings.Join(strings.Fields(val), ",")
		}
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
