// Package policy is the admission check on the tool-call hot path. A
// compiled Snapshot holds the active rules; Decide reads the snapshot
// through an atomic pointer so reloads never block in-flight evaluations.
package policy

import (
	"strings"

	"github.com/marcus-qen/jurisdiction/internal/gateway/config"
)

// Snapshot is an immutable, pre-lowered view of the policy configuration.
// Build one with Compile and never mutate it afterwards.
type Snapshot struct {
	bypassPrincipals        map[string]bool
	enforceRegistryOnly     bool
	riskThreshold           float64
	requireAdminForHighRisk bool
	globalToolDenylist      map[string]bool
	deniedToolCategories    []string
	teamAllowlists          map[string]map[string]bool
	teamDenylists           map[string]map[string]bool
}

// Compile lowers the policy configuration into lookup-friendly form. All
// string matching downstream is case-insensitive, so everything is folded
// here, once.
func Compile(cfg config.PolicyConfig) *Snapshot {
	snap := &Snapshot{
		bypassPrincipals:        make(map[string]bool, len(cfg.BypassAllowedPrincipals)),
		enforceRegistryOnly:     cfg.EnforceRegistryOnly,
		riskThreshold:           cfg.RiskThreshold,
		requireAdminForHighRisk: cfg.RequireAdminForHighRisk,
		globalToolDenylist:      make(map[string]bool, len(cfg.GlobalToolDenylist)),
		deniedToolCategories:    make([]string, 0, len(cfg.DeniedToolCategories)),
		teamAllowlists:          make(map[string]map[string]bool, len(cfg.TeamAllowlists)),
		teamDenylists:           make(map[string]map[string]bool, len(cfg.TeamDenylists)),
	}
	for _, id := range cfg.BypassAllowedPrincipals {
		snap.bypassPrincipals[id] = true
	}
	for _, tool := range cfg.GlobalToolDenylist {
		snap.globalToolDenylist[strings.ToLower(tool)] = true
	}
	for _, category := range cfg.DeniedToolCategories {
		if c := strings.ToLower(strings.TrimSpace(category)); c != "" {
			snap.deniedToolCategories = append(snap.deniedToolCategories, c)
		}
	}
	for team, servers := range cfg.TeamAllowlists {
		snap.teamAllowlists[strings.ToLower(team)] = foldSet(servers)
	}
	for team, servers := range cfg.TeamDenylists {
		snap.teamDenylists[strings.ToLower(team)] = foldSet(servers)
	}
	return snap
}

func foldSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, v := range in {
		out[strings.ToLower(v)] = true
	}
	return out
}
