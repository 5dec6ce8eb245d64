package security

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/admission-guard/internal/activity"
	"github.com/developingchet/admission-guard/internal/ratelimit"
)

// Config selects the checks WithSecurity applies to one handler. The zero
// value runs only the blocklist check and the default body size limit.
type Config struct {
	// RequireAuth rejects requests without a valid session (401).
	RequireAuth bool
	// AllowedRoles restricts access to these roles. Nil allows any role.
	AllowedRoles []string
	// RequiredPermissions must all be granted to the user's role.
	RequiredPermissions []Permission
	// RateLimitEndpoint names the policy to count against. Empty disables
	// rate limiting.
	RateLimitEndpoint string
	// EnableSuspiciousActivityDetection scores the client's recent history
	// and denies at the block threshold.
	EnableSuspiciousActivityDetection bool
	// ActivityType is passed to the detector. Empty means "api".
	ActivityType string
	// RequireHTTPS rejects plain HTTP (400).
	RequireHTTPS bool
	// AllowedOrigins lists acceptable Origin header values. Nil allows any.
	AllowedOrigins []string
	// MaxRequestSize caps the body in bytes. 0 uses the guard default,
	// negative disables the cap.
	MaxRequestSize int64
}

// Permission is one fine-grained grant. Scope is optional.
type Permission struct {
	Resource string
	Action   string
	Scope    string
}

func (p Permission) String() string {
	s := p.Resource + "." + p.Action
	if p.Scope != "" {
		s += ":" + p.Scope
	}
	return s
}

// User is the authenticated principal of a request.
type User struct {
	ID   string
	Role string
}

// SessionProvider resolves the request's session. A nil user with a nil
// error means the request is anonymous.
type SessionProvider interface {
	Session(r *http.Request) (*User, error)
}

// PermissionValidator answers whether role holds perm.
type PermissionValidator interface {
	HasPermission(role string, perm Permission) bool
}

// RateLimiter is the subset of ratelimit.Limiter the pipeline uses.
type RateLimiter interface {
	Check(ctx context.Context, endpoint, identifier string, p ratelimit.Policy) (ratelimit.Result, error)
	Refund(ctx context.Context, endpoint, identifier string, windowStart time.Time) error
}

// Blocker is the subset of blocklist.Blocklist the pipeline uses.
type Blocker interface {
	IsBlocked(ctx context.Context, identifier string) bool
	Block(ctx context.Context, identifier, reason string, duration time.Duration, blockedBy string) error
}

// ActivityDetector is the subset of activity.Aggregator the pipeline uses.
type ActivityDetector interface {
	Detect(ctx context.Context, identifier, activityType string, metadata map[string]string) activity.Assessment
}

// UsageRecorder counts processed and turned-away requests.
type UsageRecorder interface {
	RecordProcessed()
	RecordBlocked(origin, remediationType string)
}

// SecureContext is what the wrapped handler learns about its request.
type SecureContext struct {
	User      *User
	ClientIP  string
	UserAgent string
	RequestID string
}

// HandlerFunc is business logic behind the pipeline. A returned error is
// logged and answered with 500 unless the handler already wrote a response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, sc SecureContext) error

// RateLimitHeaders are the X-RateLimit-* values of one decision.
type RateLimitHeaders struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func (h RateLimitHeaders) apply(hdr http.Header) {
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(h.Limit))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(h.Remaining))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(h.Reset.Unix(), 10))
	if h.RetryAfter > 0 {
		hdr.Set("Retry-After", strconv.FormatInt(retrySeconds(h.RetryAfter), 10))
	}
}

// Decision summarises how the pipeline answered one request.
type Decision struct {
	Allowed    bool
	StatusCode int
	Headers    *RateLimitHeaders
	RiskScore  int
	Reasons    []string
}
