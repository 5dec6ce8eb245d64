package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/admission-guard/internal/activity"
	"github.com/developingchet/admission-guard/internal/blocklist"
	"github.com/developingchet/admission-guard/internal/decision"
	"github.com/developingchet/admission-guard/internal/ratelimit"
	"github.com/developingchet/admission-guard/internal/security"
	"github.com/go-chi/chi/v5"
)

// Admin API limits.
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

var adminRoles = []string{"admin", "support"}

var (
	permBlocksRead   = security.Permission{Resource: "blocks", Action: "read"}
	permBlocksWrite  = security.Permission{Resource: "blocks", Action: "write"}
	permActivityRead = security.Permission{Resource: "activity", Action: "read"}
	permAuditRead    = security.Permission{Resource: "audit", Action: "read"}
)

func (s *Server) routes(policies ratelimit.Policies) http.Handler {
	r := chi.NewRouter()

	authz := s.authzHandlers(policies)
	r.Get("/authz/{endpoint}", func(w http.ResponseWriter, req *http.Request) {
		h, ok := authz[chi.URLParam(req, "endpoint")]
		if !ok {
			h = authz[ratelimit.PolicyAPIGeneral]
		}
		h.ServeHTTP(w, req)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Method(http.MethodPost, "/blocks", s.admin(s.createBlock, permBlocksWrite))
		r.Method(http.MethodGet, "/blocks", s.admin(s.listBlocks, permBlocksRead))
		r.Method(http.MethodDelete, "/blocks/{identifier}", s.admin(s.deleteBlock, permBlocksWrite))
		r.Method(http.MethodGet, "/activity/{identifier}", s.admin(s.activitySnapshot, permActivityRead))
		r.Method(http.MethodGet, "/audit", s.admin(s.listAudit, permAuditRead))
	})
	return r
}

// authzHandlers prebuilds one secured handler per known endpoint. Policies,
// auth endpoints and KNOWN_ENDPOINTS are counted under their own name; any
// other name collapses onto apiGeneral so counter keys stay bounded.
func (s *Server) authzHandlers(policies ratelimit.Policies) map[string]http.Handler {
	names := make(map[string]struct{}, len(policies)+len(s.cfg.AuthEndpoints)+len(s.cfg.KnownEndpoints))
	for name := range policies {
		names[name] = struct{}{}
	}
	for _, list := range [][]string{s.cfg.AuthEndpoints, s.cfg.KnownEndpoints} {
		for _, name := range list {
			names[name] = struct{}{}
		}
	}
	names[ratelimit.PolicyAPIGeneral] = struct{}{}

	out := make(map[string]http.Handler, len(names))
	for name := range names {
		activityType := activity.TypeAPI
		if s.activity.IsAuthEndpoint(name) {
			activityType = activity.TypeAuthentication
		}
		out[name] = s.guard.WithSecurity(authzAllow, security.Config{
			RateLimitEndpoint:                 name,
			EnableSuspiciousActivityDetection: true,
			ActivityType:                      activityType,
			RequireHTTPS:                      s.cfg.RequireHTTPS,
			AllowedOrigins:                    s.cfg.AllowedOrigins,
		})
	}
	return out
}

// authzAllow answers an admitted forward-auth check.
func authzAllow(w http.ResponseWriter, _ *http.Request, sc security.SecureContext) error {
	if sc.User != nil {
		w.Header().Set("X-Auth-User", sc.User.ID)
		w.Header().Set("X-Auth-Role", sc.User.Role)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) admin(h security.HandlerFunc, perm security.Permission) http.Handler {
	return s.guard.WithSecurity(h, security.Config{
		RequireAuth:         true,
		AllowedRoles:        adminRoles,
		RequiredPermissions: []security.Permission{perm},
		RateLimitEndpoint:   ratelimit.PolicyAPIGeneral,
		RequireHTTPS:        s.cfg.RequireHTTPS,
		AllowedOrigins:      s.cfg.AllowedOrigins,
	})
}

type blockRequest struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
	Duration   string `json:"duration"`
}

type blockView struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	BlockedBy  string    `json:"blockedBy,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (s *Server) createBlock(w http.ResponseWriter, r *http.Request, sc security.SecureContext) error {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		badRequest(w, "body must be a JSON object")
		return nil
	}
	identifier := canonicalIdentifier(req.Identifier)
	if identifier == "" {
		badRequest(w, "identifier is required")
		return nil
	}
	duration := s.cfg.DefaultBlockDuration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			badRequest(w, "duration must be a positive Go duration")
			return nil
		}
		duration = d
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual block"
	}

	now := time.Now()
	if err := s.blocks.Block(r.Context(), identifier, reason, duration, sc.User.ID); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, blockView{
		Identifier: identifier,
		Reason:     reason,
		BlockedBy:  sc.User.ID,
		CreatedAt:  now.UTC(),
		ExpiresAt:  now.Add(duration).UTC(),
	})
	return nil
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request, _ security.SecureContext) error {
	entries, err := s.blocks.Active(r.Context())
	if err != nil {
		return err
	}
	out := make([]blockView, 0, len(entries))
	for _, e := range entries {
		out = append(out, blockView{
			Identifier: e.Identifier,
			Reason:     e.Reason,
			BlockedBy:  e.BlockedBy,
			CreatedAt:  e.CreatedAt.UTC(),
			ExpiresAt:  e.ExpiresAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": out})
	return nil
}

func (s *Server) deleteBlock(w http.ResponseWriter, r *http.Request, sc security.SecureContext) error {
	identifier := canonicalIdentifier(chi.URLParam(r, "identifier"))
	n, err := s.blocks.Unblock(r.Context(), identifier, sc.User.ID)
	if errors.Is(err, blocklist.ErrEmptyIdentifier) {
		badRequest(w, "identifier is required")
		return nil
	}
	if err != nil {
		return err
	}
	if n == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "no active block for " + identifier,
		})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"identifier": identifier, "lifted": n})
	return nil
}

type activityView struct {
	Identifier            string   `json:"identifier"`
	ActivityType          string   `json:"activityType"`
	ViolationCount        int      `json:"violationCount"`
	DistinctEndpointCount int      `json:"distinctEndpointCount"`
	TotalHits             int      `json:"totalHits"`
	AuthEndpointHits      int      `json:"authEndpointHits"`
	RiskScore             int      `json:"riskScore"`
	Suspicious            bool     `json:"suspicious"`
	Reasons               []string `json:"reasons"`
}

func (s *Server) activitySnapshot(w http.ResponseWriter, r *http.Request, _ security.SecureContext) error {
	identifier := canonicalIdentifier(chi.URLParam(r, "identifier"))
	activityType := r.URL.Query().Get("type")
	switch activityType {
	case "":
		activityType = activity.TypeAPI
	case activity.TypeAPI, activity.TypeAuthentication:
	default:
		badRequest(w, "type must be api or authentication")
		return nil
	}

	snap, err := s.activity.Snapshot(r.Context(), identifier)
	if err != nil {
		return err
	}
	res := s.activity.Assess(snap, activityType)
	reasons := res.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, activityView{
		Identifier:            identifier,
		ActivityType:          activityType,
		ViolationCount:        snap.ViolationCount,
		DistinctEndpointCount: snap.DistinctEndpointCount,
		TotalHits:             snap.TotalHits,
		AuthEndpointHits:      snap.AuthEndpointHits,
		RiskScore:             res.RiskScore,
		Suspicious:            res.Suspicious,
		Reasons:               reasons,
	})
	return nil
}

type auditView struct {
	ActorID      string            `json:"actorId"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resourceType"`
	ResourceID   string            `json:"resourceId"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	At           time.Time         `json:"at"`
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request, _ security.SecureContext) error {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return nil
		}
		limit = min(n, maxAuditLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	recs, err := s.store.ListAudit(ctx, limit)
	if err != nil {
		return fmt.Errorf("list audit: %w", err)
	}
	out := make([]auditView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, auditView{
			ActorID:      rec.ActorID,
			Action:       rec.Action,
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			Metadata:     rec.Metadata,
			At:           rec.At.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
	return nil
}

// canonicalIdentifier folds IP spellings onto the form the pipeline keys on.
// Anything that is not an address is kept as given.
func canonicalIdentifier(raw string) string {
	raw = strings.TrimSpace(raw)
	if ip, err := decision.HostIP(raw); err == nil {
		return ip
	}
	return raw
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
