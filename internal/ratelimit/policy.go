package ratelimit

import (
	"fmt"
	"time"
)

// Policy names.
const (
	PolicyLogin               = "login"
	PolicyBookingCreate       = "bookingCreate"
	PolicyAPIGeneral          = "apiGeneral"
	PolicyPartnerVerification = "partnerVerification"
)

// Policy is a fixed-window budget for one endpoint.
type Policy struct {
	Window      time.Duration
	MaxRequests int
	// SkipSuccessful refunds the hit when the handler answered < 400.
	SkipSuccessful bool
	// SkipFailed refunds the hit when the handler answered >= 400.
	SkipFailed bool
}

// Validate reports whether the policy can be enforced.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("window must be > 0; got %s", p.Window)
	}
	if p.MaxRequests < 1 {
		return fmt.Errorf("max requests must be >= 1; got %d", p.MaxRequests)
	}
	if p.SkipSuccessful && p.SkipFailed {
		return fmt.Errorf("skip successful and skip failed are mutually exclusive")
	}
	return nil
}

// ShouldRefund reports whether a response with the given status code should
// not count against the budget.
func (p Policy) ShouldRefund(status int) bool {
	if p.SkipSuccessful && status < 400 {
		return true
	}
	return p.SkipFailed && status >= 400
}

// Policies maps endpoint names to budgets. It is built once at startup and
// read-only afterwards.
type Policies map[string]Policy

// DefaultPolicies returns the built-in table.
func DefaultPolicies() Policies {
	return Policies{
		PolicyLogin:               {Window: 15 * time.Minute, MaxRequests: 5},
		PolicyBookingCreate:       {Window: time.Minute, MaxRequests: 2},
		PolicyAPIGeneral:          {Window: time.Minute, MaxRequests: 100},
		PolicyPartnerVerification: {Window: 24 * time.Hour, MaxRequests: 1},
	}
}

// Merge returns a copy of p with overrides applied by name.
func (p Policies) Merge(overrides Policies) (Policies, error) {
	out := make(Policies, len(p)+len(overrides))
	for name, pol := range p {
		out[name] = pol
	}
	for name, pol := range overrides {
		if err := pol.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		out[name] = pol
	}
	return out, nil
}

// Resolve finds the policy for endpoint. Endpoints without their own policy
// get the apiGeneral limits and name; ok is false only when no fallback exists.
func (p Policies) Resolve(endpoint string) (name string, pol Policy, ok bool) {
	if pol, ok := p[endpoint]; ok {
		return endpoint, pol, true
	}
	if pol, ok := p[PolicyAPIGeneral]; ok {
		return PolicyAPIGeneral, pol, true
	}
	return "", Policy{}, false
}
