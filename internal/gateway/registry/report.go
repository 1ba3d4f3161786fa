package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ScanReport is a normalized scanner result: risk in [0,1], severities
// folded to the known set, tool labels clamped to the unit interval.
type ScanReport struct {
	RiskScore      *float64
	Summary        string
	ScannerVersion string
	Issues         []Issue
	Tools          []DiscoveredTool
	Raw            json.RawMessage
}

type rawReport struct {
	RiskScore      *float64   `json:"risk_score"`
	ScannerVersion string     `json:"scanner_version"`
	Summary        string     `json:"summary"`
	Issues         []rawIssue `json:"issues"`
	Tools          []rawTool  `json:"tools"`
	Servers        []struct {
		Name  string    `json:"name"`
		Tools []rawTool `json:"tools"`
	} `json:"servers"`
}

type rawIssue struct {
	Code           string `json:"code"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	AffectedEntity string `json:"affected_entity"`
	Remediation    string `json:"remediation"`
}

type rawTool struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	DescriptionHash string `json:"description_hash"`
	Labels          struct {
		IsPublicSink     *float64 `json:"is_public_sink"`
		Destructive      *float64 `json:"destructive"`
		UntrustedContent *float64 `json:"untrusted_content"`
		PrivateData      *float64 `json:"private_data"`
	} `json:"labels"`
}

// ParseScannerReport decodes raw scanner output. Scanners have emitted risk
// on both a [0,1] and a [0,100] scale; anything above 1.0 is treated as a
// percentage and divided down exactly once. A missing risk_score defaults
// to 0.0, unknown severities fold to info, and tool labels are clamped to
// the unit interval.
func ParseScannerReport(data []byte) (*ScanReport, error) {
	var raw rawReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode scanner report: %w", err)
	}

	report := &ScanReport{
		ScannerVersion: raw.ScannerVersion,
		Summary:        strings.TrimSpace(raw.Summary),
		Raw:            json.RawMessage(data),
	}

	score := 0.0
	if raw.RiskScore != nil {
		score = *raw.RiskScore
		if score > 1.0 {
			score = score / 100.0
		}
		score = clampUnit(score)
	}
	report.RiskScore = &score

	report.Issues = make([]Issue, 0, len(raw.Issues))
	for _, ri := range raw.Issues {
		if strings.TrimSpace(ri.Message) == "" {
			continue
		}
		report.Issues = append(report.Issues, Issue{
			Code:           ri.Code,
			Severity:       NormalizeSeverity(strings.ToLower(ri.Severity)),
			Message:        ri.Message,
			AffectedEntity: ri.AffectedEntity,
			Remediation:    ri.Remediation,
		})
	}

	// Tools appear both top-level and nested under servers; merge by name,
	// first occurrence wins.
	seen := make(map[string]bool)
	appendTool := func(rt rawTool) {
		name := strings.TrimSpace(rt.Name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		report.Tools = append(report.Tools, DiscoveredTool{
			Name:            name,
			Description:     rt.Description,
			DescriptionHash: rt.DescriptionHash,
			Labels: ToolLabels{
				IsPublicSink:     clampUnit(deref(rt.Labels.IsPublicSink)),
				Destructive:      clampUnit(deref(rt.Labels.Destructive)),
				UntrustedContent: clampUnit(deref(rt.Labels.UntrustedContent)),
				PrivateData:      clampUnit(deref(rt.Labels.PrivateData)),
			},
		})
	}
	for _, rt := range raw.Tools {
		appendTool(rt)
	}
	for _, srv := range raw.Servers {
		for _, rt := range srv.Tools {
			appendTool(rt)
		}
	}

	if report.Summary == "" {
		report.Summary = fmt.Sprintf("%d issues, %d tools discovered",
			len(report.Issues), len(report.Tools))
	}
	return report, nil
}

// Passed reports whether the normalized risk clears the pass threshold.
func (r *ScanReport) Passed(passThreshold float64) bool {
	return r.RiskScore != nil && *r.RiskScore <= passThreshold
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
