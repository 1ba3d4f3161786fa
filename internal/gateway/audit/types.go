// Package audit is the gateway's audit trail: a fire-and-forget pipeline
// from the enforcement hot path and registry mutations into a queryable
// store. Recording never blocks a request; under sustained overload the
// oldest queued events are dropped and counted.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Decision is the outcome of a policy evaluation. Persisted by integer
// ordinal; append new decisions at the end, never reorder.
type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionDeniedServerNotApproved
	DecisionDeniedToolDenylisted
	DecisionDeniedTeamNotAuthorized
	DecisionDeniedHighRisk
	DecisionDeniedRateLimited
	DecisionDeniedPayloadTooLarge
	DecisionTimedOut
	DecisionError
)

var decisionNames = [...]string{
	"Allowed", "DeniedServerNotApproved", "DeniedToolDenylisted",
	"DeniedTeamNotAuthorized", "DeniedHighRisk", "DeniedRateLimited",
	"DeniedPayloadTooLarge", "TimedOut", "Error",
}

func (d Decision) String() string {
	if int(d) < 0 || int(d) >= len(decisionNames) {
		return fmt.Sprintf("Decision(%d)", int(d))
	}
	return decisionNames[d]
}

// Allowed reports whether the decision lets the call through.
func (d Decision) Allowed() bool { return d == DecisionAllowed }

func (d Decision) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Decision) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseDecision(name)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDecision maps a decision name to its value.
func ParseDecision(name string) (Decision, error) {
	for i, n := range decisionNames {
		if n == name {
			return Decision(i), nil
		}
	}
	return 0, fmt.Errorf("unknown decision %q", name)
}

// Event type names. Tool calls come from the enforcement path; the rest
// are registry lifecycle mutations.
const (
	EventToolCall = "ToolCall"
)

// Event is one audit record. Request and response sizes are pointers so
// absent measurements stay distinguishable from zero-byte payloads.
type Event struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	EventType         string    `json:"eventType"`
	Decision          Decision  `json:"decision"`
	Actor             string    `json:"actor,omitempty"`
	ActorEmail        string    `json:"actorEmail,omitempty"`
	ActorTeam         string    `json:"actorTeam,omitempty"`
	ServerCanonicalID string    `json:"serverCanonicalId,omitempty"`
	Tool              string    `json:"tool,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	RequestSize       *int64    `json:"requestSize,omitempty"`
	ResponseSize      *int64    `json:"responseSize,omitempty"`
	SourceIP          string    `json:"sourceIp,omitempty"`
	UserAgent         string    `json:"userAgent,omitempty"`
	ServerRiskScore   *float64  `json:"serverRiskScore,omitempty"`
	LatencyMs         *float64  `json:"latencyMs,omitempty"`
	TraceID           string    `json:"traceId,omitempty"`
}
