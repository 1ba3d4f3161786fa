// Package registry manages the lifecycle of governed MCP servers: the
// server records themselves, their security scans, and admin approvals.
// The three relations are owned together so compound status transitions
// can be transactional.
package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ServerStatus is the server lifecycle state. Persisted by integer ordinal;
// append new states at the end, never reorder.
type ServerStatus int

const (
	StatusDraft ServerStatus = iota
	StatusPendingScan
	StatusScanning
	StatusScannedPass
	StatusScannedFail
	StatusPendingApproval
	StatusApproved
	StatusDenied
	StatusDeprecated
	StatusSuspended
)

var serverStatusNames = [...]string{
	"Draft", "PendingScan", "Scanning", "ScannedPass", "ScannedFail",
	"PendingApproval", "Approved", "Denied", "Deprecated", "Suspended",
}

func (s ServerStatus) String() string {
	if int(s) < 0 || int(s) >= len(serverStatusNames) {
		return fmt.Sprintf("ServerStatus(%d)", int(s))
	}
	return serverStatusNames[s]
}

func (s ServerStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ServerStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseServerStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseServerStatus maps a status name to its value.
func ParseServerStatus(name string) (ServerStatus, error) {
	for i, n := range serverStatusNames {
		if n == name {
			return ServerStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown server status %q", name)
}

// SourceType describes where a server's code or artifact lives.
// Persisted by integer ordinal.
type SourceType int

const (
	SourceExternalRepo SourceType = iota
	SourceInternalRepo
	SourceLocalDeclared
	SourceContainerImage
	SourcePackageArtifact
)

var sourceTypeNames = [...]string{
	"ExternalRepo", "InternalRepo", "LocalDeclared", "ContainerImage", "PackageArtifact",
}

func (s SourceType) String() string {
	if int(s) < 0 || int(s) >= len(sourceTypeNames) {
		return fmt.Sprintf("SourceType(%d)", int(s))
	}
	return sourceTypeNames[s]
}

func (s SourceType) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *SourceType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSourceType(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSourceType maps a source type name to its value.
func ParseSourceType(name string) (SourceType, error) {
	for i, n := range sourceTypeNames {
		if n == name {
			return SourceType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown source type %q", name)
}

// Server is one governed MCP server record.
type Server struct {
	ID              string          `json:"id"`
	CanonicalID     string          `json:"canonicalId"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	OwnerTeam       string          `json:"ownerTeam"`
	SourceType      SourceType      `json:"sourceType"`
	SourceURL       string          `json:"sourceUrl,omitempty"`
	Version         string          `json:"version"`
	Status          ServerStatus    `json:"status"`
	DeclaredTools   []string        `json:"declaredTools"`
	MCPConfig       json.RawMessage `json:"mcpConfig,omitempty"`
	TestEndpoint    string          `json:"testEndpoint,omitempty"`
	Tags            []string        `json:"tags"`
	CreatedBy       string          `json:"createdBy"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	LatestScanID    string          `json:"latestScanId,omitempty"`
	LatestRiskScore *float64        `json:"latestRiskScore,omitempty"`
}

// ScanStatus is the scan lifecycle state. Persisted by integer ordinal.
type ScanStatus int

const (
	ScanPending ScanStatus = iota
	ScanRunning
	ScanCompleted
	ScanFailed
	ScanCancelled
	ScanTimedOut
)

var scanStatusNames = [...]string{
	"Pending", "Running", "Completed", "Failed", "Cancelled", "TimedOut",
}

func (s ScanStatus) String() string {
	if int(s) < 0 || int(s) >= len(scanStatusNames) {
		return fmt.Sprintf("ScanStatus(%d)", int(s))
	}
	return scanStatusNames[s]
}

func (s ScanStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ScanStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range scanStatusNames {
		if n == name {
			*s = ScanStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown scan status %q", name)
}

// Terminal reports whether the scan status is final.
func (s ScanStatus) Terminal() bool {
	switch s {
	case ScanCompleted, ScanFailed, ScanCancelled, ScanTimedOut:
		return true
	default:
		return false
	}
}

// IssueSeverity classifies scanner findings.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityError    IssueSeverity = "error"
	SeverityCritical IssueSeverity = "critical"
)

// NormalizeSeverity maps unknown severities to info.
func NormalizeSeverity(raw string) IssueSeverity {
	switch IssueSeverity(raw) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return IssueSeverity(raw)
	default:
		return SeverityInfo
	}
}

// Issue is one scanner finding.
type Issue struct {
	Code           string        `json:"code,omitempty"`
	Severity       IssueSeverity `json:"severity"`
	Message        string        `json:"message"`
	AffectedEntity string        `json:"affectedEntity,omitempty"`
	Remediation    string        `json:"remediation,omitempty"`
}

// ToolLabels are per-tool risk signals, each in [0,1].
type ToolLabels struct {
	IsPublicSink     float64 `json:"isPublicSink"`
	Destructive      float64 `json:"destructive"`
	UntrustedContent float64 `json:"untrustedContent"`
	PrivateData      float64 `json:"privateData"`
}

// DiscoveredTool is a tool the scanner observed the server exposing.
type DiscoveredTool struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	DescriptionHash string     `json:"descriptionHash,omitempty"`
	Labels          ToolLabels `json:"labels"`
}

// Scan records one security-analysis run over a server.
type Scan struct {
	ID              string           `json:"id"`
	ServerID        string           `json:"serverId"`
	ScannerVersion  string           `json:"scannerVersion"`
	Status          ScanStatus       `json:"status"`
	RiskScore       *float64         `json:"riskScore,omitempty"`
	Summary         string           `json:"summary,omitempty"`
	ReportJSON      json.RawMessage  `json:"reportJson,omitempty"`
	Issues          []Issue          `json:"issues"`
	DiscoveredTools []DiscoveredTool `json:"discoveredTools"`
	JobName         string           `json:"jobName,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	StartedAt       time.Time        `json:"startedAt"`
	FinishedAt      *time.Time       `json:"finishedAt,omitempty"`
	TriggeredBy     string           `json:"triggeredBy"`
}

// ApprovalAction is the admin action recorded on a server.
// Persisted by integer ordinal.
type ApprovalAction int

const (
	ActionApproved ApprovalAction = iota
	ActionDenied
	ActionDeprecated
	ActionSuspended
	ActionReinstated
	ActionRevoked
)

var approvalActionNames = [...]string{
	"Approved", "Denied", "Deprecated", "Suspended", "Reinstated", "Revoked",
}

func (a ApprovalAction) String() string {
	if int(a) < 0 || int(a) >= len(approvalActionNames) {
		return fmt.Sprintf("ApprovalAction(%d)", int(a))
	}
	return approvalActionNames[a]
}

func (a ApprovalAction) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *ApprovalAction) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range approvalActionNames {
		if n == name {
			*a = ApprovalAction(i)
			return nil
		}
	}
	return fmt.Errorf("unknown approval action %q", name)
}

// Approval is one append-only admin decision about a server.
type Approval struct {
	ID                string         `json:"id"`
	ServerID          string         `json:"serverId"`
	ServerCanonicalID string         `json:"serverCanonicalId"`
	Actor             string         `json:"actor"`
	Action            ApprovalAction `json:"action"`
	Reason            string         `json:"reason"`
	OverrideReason    string         `json:"overrideReason,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	ExpiresAt         *time.Time     `json:"expiresAt,omitempty"`
	ScanID            string         `json:"scanId,omitempty"`
}

// Expired reports whether the approval's advisory expiry has passed.
// Expiry never reverts server status automatically; it only surfaces here.
func (a Approval) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// canonicalIDPattern: lowercase alphanumeric start/end, with -, _, / inside.
var canonicalIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-_/]*[a-z0-9]$`)

// MaxCanonicalIDLength matches the path-segment limit enforced downstream.
const MaxCanonicalIDLength = 63

// ValidateCanonicalID checks a canonical id against the registry rules.
// Matching is case-insensitive; ids are stored as given but compared folded.
func ValidateCanonicalID(id string) error {
	if id == "" {
		return fmt.Errorf("canonicalId is required")
	}
	if len(id) > MaxCanonicalIDLength {
		return fmt.Errorf("canonicalId exceeds %d characters", MaxCanonicalIDLength)
	}
	if !canonicalIDPattern.MatchString(strings.ToLower(id)) {
		return fmt.Errorf("canonicalId %q must match %s", id, canonicalIDPattern.String())
	}
	return nil
}
