package server

import (
	"context"
	"fmt"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/admission-guard/internal/blocklist"
	"github.com/developingchet/admission-guard/internal/decision"
	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/rs/zerolog"
)

// decisionImporter turns LAPI stream decisions into block entries.
type decisionImporter struct {
	blocks *blocklist.Blocklist
	filter decision.FilterConfig
	log    zerolog.Logger
}

// processStream reads decisions from the CrowdSec LAPI and applies them.
func (s *Server) processStream(ctx context.Context) error {
	// Run returns when ctx is cancelled
	go s.streamBnc.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case decisions, ok := <-s.streamBnc.Stream:
			if !ok {
				return fmt.Errorf("CrowdSec stream closed")
			}
			s.importer.apply(ctx, decisions)
		}
	}
}

// apply bans new decisions and lifts deleted ones. Store failures are logged
// and counted; the next stream pull does not retry them.
func (im *decisionImporter) apply(ctx context.Context, decisions *models.DecisionsStreamResponse) {
	if decisions == nil {
		return
	}

	for _, d := range decisions.New {
		result := decision.Filter(d, im.filter, im.log)
		if !result.Passed {
			metrics.CrowdSecDecisions.WithLabelValues(decision.ActionBan, "filtered").Inc()
			continue
		}
		reason := "crowdsec"
		if result.Scenario != "" {
			reason += ": " + result.Scenario
		}
		if err := im.blocks.Block(ctx, result.Identifier, reason, result.Duration, blocklist.SourceCrowdSec); err != nil {
			metrics.CrowdSecDecisions.WithLabelValues(decision.ActionBan, "error").Inc()
			im.log.Warn().Err(err).Str("identifier", result.Identifier).Msg("crowdsec ban not applied")
			continue
		}
		metrics.CrowdSecDecisions.WithLabelValues(decision.ActionBan, "applied").Inc()
	}

	for _, d := range decisions.Deleted {
		result := decision.Filter(d, im.filter, im.log)
		if !result.Passed {
			metrics.CrowdSecDecisions.WithLabelValues(decision.ActionDelete, "filtered").Inc()
			continue
		}
		n, err := im.blocks.Unblock(ctx, result.Identifier, blocklist.SourceCrowdSec)
		if err != nil {
			metrics.CrowdSecDecisions.WithLabelValues(decision.ActionDelete, "error").Inc()
			im.log.Warn().Err(err).Str("identifier", result.Identifier).Msg("crowdsec deletion not applied")
			continue
		}
		outcome := "applied"
		if n == 0 {
			outcome = "not_found"
		}
		metrics.CrowdSecDecisions.WithLabelValues(decision.ActionDelete, outcome).Inc()
	}
}
