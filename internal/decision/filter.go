// Package decision canonicalises client addresses and filters CrowdSec LAPI
// decisions before they reach the blocklist.
package decision

import (
	"net"
	"slices"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// Decision actions that survive the filter.
const (
	ActionBan    = "ban"
	ActionDelete = "delete"
)

// FilterConfig says which LAPI decisions the guard enforces.
type FilterConfig struct {
	AllowedActions       []string // default ban, delete
	BlockScenarioExclude []string // substrings; a match drops the decision
	AllowedOrigins       []string // empty allows every origin
	AllowedScopes        []string // default ip, range
	Whitelist            []*net.IPNet
	MinBanDuration       time.Duration // 0 disables
}

// NewFilterConfig returns the default FilterConfig.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{ActionBan, ActionDelete},
		AllowedScopes:  []string{"ip", "range"},
	}
}

// FilterResult is a decision that passed. Identifier is the canonical client
// IP the blocklist is keyed on.
type FilterResult struct {
	Passed     bool
	Action     string
	Identifier string
	Scenario   string
	Origin     string
	Duration   time.Duration
}

// candidate is a decision unpacked from its pointer fields.
type candidate struct {
	action   string
	scope    string
	value    string
	origin   string
	scenario string
	duration time.Duration

	identifier string // set by the parse check
}

// check returns a non-empty reason to drop the decision.
type check struct {
	stage string
	run   func(*candidate, FilterConfig, zerolog.Logger) string
}

// checks run in order; the stage label keeps its position for dashboards.
var checks = []check{
	{"1_action", checkAction},
	{"2_scenario_exclude", checkScenario},
	{"3_origin", checkOrigin},
	{"4_scope", checkScope},
	{"5_parse", checkParse},
	{"6_private", checkPrivate},
	{"7_whitelist", checkWhitelist},
	{"8_min_duration", checkMinDuration},
}

// Filter reports whether the guard should act on d.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	if d == nil || d.Type == nil || d.Scope == nil || d.Value == nil {
		metrics.DecisionsFiltered.WithLabelValues(checks[0].stage, "malformed").Inc()
		return FilterResult{}
	}
	c := unpack(d)
	for _, chk := range checks {
		if reason := chk.run(&c, cfg, log); reason != "" {
			metrics.DecisionsFiltered.WithLabelValues(chk.stage, reason).Inc()
			log.Trace().Str("value", c.value).Str("scenario", c.scenario).Str("reason", reason).Msg("decision filtered")
			return FilterResult{}
		}
	}
	return FilterResult{
		Passed:     true,
		Action:     c.action,
		Identifier: c.identifier,
		Scenario:   c.scenario,
		Origin:     c.origin,
		Duration:   c.duration,
	}
}

func unpack(d *models.Decision) candidate {
	c := candidate{
		action: strings.ToLower(*d.Type),
		scope:  strings.ToLower(*d.Scope),
		value:  *d.Value,
	}
	if d.Origin != nil {
		c.origin = *d.Origin
	}
	if d.Scenario != nil {
		c.scenario = *d.Scenario
	}
	// Unparseable or missing durations read as zero and skip the minimum.
	if d.Duration != nil {
		c.duration, _ = time.ParseDuration(*d.Duration)
	}
	return c
}

func checkAction(c *candidate, cfg FilterConfig, _ zerolog.Logger) string {
	if !containsFold(cfg.AllowedActions, c.action) {
		return "unsupported_action"
	}
	return ""
}

func checkScenario(c *candidate, cfg FilterConfig, _ zerolog.Logger) string {
	for _, exc := range cfg.BlockScenarioExclude {
		if exc != "" && strings.Contains(c.scenario, exc) {
			return "excluded_scenario"
		}
	}
	return ""
}

func checkOrigin(c *candidate, cfg FilterConfig, _ zerolog.Logger) string {
	if len(cfg.AllowedOrigins) > 0 && !containsFold(cfg.AllowedOrigins, c.origin) {
		return "origin_not_allowed"
	}
	return ""
}

func checkScope(c *candidate, cfg FilterConfig, _ zerolog.Logger) string {
	if !containsFold(cfg.AllowedScopes, c.scope) {
		return "unsupported_scope"
	}
	return ""
}

// checkParse canonicalises the value. Blocks are per address, so a range
// is only usable when it covers a single host.
func checkParse(c *candidate, _ FilterConfig, log zerolog.Logger) string {
	ip, isRange, err := ParseAndSanitize(c.value)
	if err != nil {
		log.Warn().Err(err).Str("value", c.value).Msg("unparseable decision value")
		return "parse_error"
	}
	if isRange {
		return "multi_host_range"
	}
	c.identifier = ip
	return ""
}

func checkPrivate(c *candidate, _ FilterConfig, _ zerolog.Logger) string {
	if IsPrivate(c.identifier) {
		return "private_ip"
	}
	return ""
}

func checkWhitelist(c *candidate, cfg FilterConfig, _ zerolog.Logger) string {
	if InNetworks(c.identifier, cfg.Whitelist) {
		return "whitelisted"
	}
	return ""
}

func checkMinDuration(c *candidate, cfg FilterConfig, _ zerolog.Logger) string {
	if c.action == ActionBan && cfg.MinBanDuration > 0 && c.duration > 0 && c.duration < cfg.MinBanDuration {
		return "too_short"
	}
	return ""
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
