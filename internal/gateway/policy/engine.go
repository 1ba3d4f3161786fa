package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/audit"
	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
	"github.com/marcus-qen/jurisdiction/internal/gateway/registry"
)

// ServerLookup is the single registry read the engine performs per
// decision. The registry service satisfies it.
type ServerLookup interface {
	LookupByCanonicalID(ctx context.Context, canonicalID string) (*registry.Server, error)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Decision        audit.Decision `json:"decision"`
	Reason          string         `json:"reason,omitempty"`
	ServerRiskScore *float64       `json:"serverRiskScore,omitempty"`
}

// Allowed reports whether the verdict lets the call through.
func (v Verdict) Allowed() bool { return v.Decision.Allowed() }

// Engine evaluates tool-call admission against the active snapshot.
// Safe for concurrent use; Reload swaps the snapshot atomically and
// in-flight decisions finish on the snapshot they started with.
type Engine struct {
	snapshot atomic.Pointer[Snapshot]
	lookup   ServerLookup
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewEngine builds an engine over the given snapshot. m may be nil.
func NewEngine(snap *Snapshot, lookup ServerLookup, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{lookup: lookup, logger: logger.Named("policy"), metrics: m}
	e.snapshot.Store(snap)
	return e
}

// Reload atomically swaps the active snapshot.
func (e *Engine) Reload(snap *Snapshot) {
	e.snapshot.Store(snap)
	e.logger.Info("policy snapshot reloaded")
}

// Decide evaluates one tool call. Evaluation order is significant and
// short-circuits on the first match:
//
//  1. bypass principals
//  2. registry-only: server must exist and be Approved
//  3. high risk requires admin
//  4. global tool denylist
//  5. denied tool categories (substring)
//  6. team allowlist
//  7. team denylist
//  8. allow, decorated with the server's risk score
//
// At most one registry read, no writes.
func (e *Engine) Decide(ctx context.Context, p auth.Principal, serverCanonicalID, toolName string) Verdict {
	start := time.Now()
	v := e.decide(ctx, p, serverCanonicalID, toolName)
	if e.metrics != nil {
		e.metrics.PolicyEvalDuration.Observe(time.Since(start).Seconds())
		e.metrics.PolicyDecisions.WithLabelValues(v.Decision.String()).Inc()
	}
	return v
}

func (e *Engine) decide(ctx context.Context, p auth.Principal, serverCanonicalID, toolName string) Verdict {
	snap := e.snapshot.Load()

	// 1. Break-glass principals skip everything.
	if snap.bypassPrincipals[p.ID] {
		return Verdict{Decision: audit.DecisionAllowed, Reason: "bypass principal"}
	}

	// The single registry read serves steps 2, 3, and 8.
	var srv *registry.Server
	if serverCanonicalID != "" && e.lookup != nil {
		found, err := e.lookup.LookupByCanonicalID(ctx, serverCanonicalID)
		switch {
		case err == nil:
			srv = found
		case errors.Is(err, registry.ErrNotFound):
		default:
			e.logger.Error("server lookup failed",
				zap.String("server", serverCanonicalID), zap.Error(err))
			return Verdict{Decision: audit.DecisionError, Reason: "registry lookup failed"}
		}
	}

	// 2. Registry-only mode: unknown or unapproved servers are denied.
	if snap.enforceRegistryOnly {
		if srv == nil {
			return Verdict{
				Decision: audit.DecisionDeniedServerNotApproved,
				Reason:   fmt.Sprintf("server %q is not registered", serverCanonicalID),
			}
		}
		if srv.Status != registry.StatusApproved {
			return Verdict{
				Decision:        audit.DecisionDeniedServerNotApproved,
				Reason:          fmt.Sprintf("server %q is %s, not Approved", serverCanonicalID, srv.Status),
				ServerRiskScore: srv.LatestRiskScore,
			}
		}
	}

	var risk *float64
	if srv != nil {
		risk = srv.LatestRiskScore
	}

	// 3. High-risk servers are admin-only when so configured.
	if risk != nil && *risk > snap.riskThreshold && snap.requireAdminForHighRisk && !p.IsAdmin() {
		return Verdict{
			Decision:        audit.DecisionDeniedHighRisk,
			Reason:          fmt.Sprintf("risk %.2f exceeds threshold %.2f and caller is not admin", *risk, snap.riskThreshold),
			ServerRiskScore: risk,
		}
	}

	tool := strings.ToLower(toolName)

	// 4. Exact global denylist.
	if tool != "" && snap.globalToolDenylist[tool] {
		return Verdict{
			Decision:        audit.DecisionDeniedToolDenylisted,
			Reason:          fmt.Sprintf("tool %q is denylisted", toolName),
			ServerRiskScore: risk,
		}
	}

	// 5. Category substrings.
	for _, category := range snap.deniedToolCategories {
		if tool != "" && strings.Contains(tool, category) {
			return Verdict{
				Decision:        audit.DecisionDeniedToolDenylisted,
				Reason:          fmt.Sprintf("tool %q matches denied category %q", toolName, category),
				ServerRiskScore: risk,
			}
		}
	}

	team := strings.ToLower(p.Team)
	server := strings.ToLower(serverCanonicalID)

	// 6. A non-empty team allowlist is exhaustive for that team.
	if team != "" {
		if allowed, ok := snap.teamAllowlists[team]; ok && len(allowed) > 0 && !allowed[server] {
			return Verdict{
				Decision:        audit.DecisionDeniedTeamNotAuthorized,
				Reason:          fmt.Sprintf("team %q is not allowlisted for server %q", p.Team, serverCanonicalID),
				ServerRiskScore: risk,
			}
		}
		// 7. Team denylist.
		if denied, ok := snap.teamDenylists[team]; ok && denied[server] {
			return Verdict{
				Decision:        audit.DecisionDeniedTeamNotAuthorized,
				Reason:          fmt.Sprintf("team %q is denylisted for server %q", p.Team, serverCanonicalID),
				ServerRiskScore: risk,
			}
		}
	}

	// 8. Allow.
	return Verdict{Decision: audit.DecisionAllowed, ServerRiskScore: risk}
}
