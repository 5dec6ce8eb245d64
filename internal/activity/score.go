// Package activity derives per-identifier behaviour from counter history and
// scores it for abuse.
package activity

import "strings"

// Activity types passed to Detect.
const (
	TypeAuthentication = "authentication"
	TypeAPI            = "api"
)

// Default thresholds.
const (
	SuspiciousThreshold = 50
	BlockThreshold      = 80
)

// Heuristic weights and trigger points.
const (
	violationLimit = 3
	violationScore = 30
	endpointLimit  = 10
	endpointScore  = 20
	volumeLimit    = 1000
	volumeScore    = 25
	authHitLimit   = 20
	authHitScore   = 40
)

// Reason phrases.
const (
	ReasonViolations = "multiple rate limit violations"
	ReasonSwitching  = "rapid endpoint switching"
	ReasonVolume     = "high volume activity"
	ReasonAuth       = "excessive authentication attempts"
)

// Snapshot summarises an identifier's windows over the lookback period.
type Snapshot struct {
	ViolationCount        int
	DistinctEndpointCount int
	TotalHits             int
	AuthEndpointHits      int
}

// Assessment is the scored result. Reason is set only when Suspicious; the
// individual triggers are always in Reasons.
type Assessment struct {
	Suspicious bool
	Reason     string
	RiskScore  int
	Reasons    []string
}

// Score applies the additive heuristics to s. Each heuristic is evaluated once
// and independently, so order does not matter.
func Score(s Snapshot, activityType string) Assessment {
	return scoreWithThreshold(s, activityType, SuspiciousThreshold)
}

func scoreWithThreshold(s Snapshot, activityType string, threshold int) Assessment {
	var a Assessment
	if s.ViolationCount > violationLimit {
		a.RiskScore += violationScore
		a.Reasons = append(a.Reasons, ReasonViolations)
	}
	if s.DistinctEndpointCount > endpointLimit {
		a.RiskScore += endpointScore
		a.Reasons = append(a.Reasons, ReasonSwitching)
	}
	if s.TotalHits > volumeLimit {
		a.RiskScore += volumeScore
		a.Reasons = append(a.Reasons, ReasonVolume)
	}
	if activityType == TypeAuthentication && s.AuthEndpointHits > authHitLimit {
		a.RiskScore += authHitScore
		a.Reasons = append(a.Reasons, ReasonAuth)
	}
	a.Suspicious = a.RiskScore >= threshold
	if a.Suspicious {
		a.Reason = strings.Join(a.Reasons, ", ")
	}
	return a
}
