package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/auth"
	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
)

// ErrForbidden is returned when the principal lacks the rights for an
// operation. Handlers map it to 403.
var ErrForbidden = errors.New("forbidden")

// ValidationError is a client error in the request payload.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Auditor receives registry lifecycle events. Implementations must not
// block; the service calls it inline on the request path.
type Auditor interface {
	RecordEvent(eventType, actor, actorTeam, serverCanonicalID, reason string)
}

// ScanLauncher starts the scan workload for a queued scan. The orchestrator
// satisfies it; launch outcomes land in the store, not in the return path.
type ScanLauncher interface {
	Launch(ctx context.Context, srv *Server, scan *Scan)
}

const (
	eventServerRegistered = "ServerRegistered"
	eventServerUpdated    = "ServerUpdated"
	eventServerDeleted    = "ServerDeleted"
	eventScanSubmitted    = "ScanSubmitted"
	eventScanUploaded     = "ScanUploaded"
	eventServerApproved   = "ServerApproved"
	eventServerDenied     = "ServerDenied"
	eventServerSuspended  = "ServerSuspended"
	eventServerReinstated = "ServerReinstated"
	eventServerDeprecated = "ServerDeprecated"
)

// Service implements registry operations on top of a Store: registration,
// lifecycle transitions, scan bookkeeping, and approvals.
type Service struct {
	store         Store
	logger        *zap.Logger
	auditor       Auditor
	metrics       *metrics.Metrics
	launcher      ScanLauncher
	passThreshold float64
	now           func() time.Time
}

// NewService builds a registry service. auditor and m may be nil.
func NewService(store Store, passThreshold float64, logger *zap.Logger, auditor Auditor, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:         store,
		logger:        logger.Named("registry"),
		auditor:       auditor,
		metrics:       m,
		passThreshold: passThreshold,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetLauncher wires the scan orchestrator. Called once during startup,
// before the service takes traffic.
func (s *Service) SetLauncher(l ScanLauncher) { s.launcher = l }

func (s *Service) audit(eventType string, p auth.Principal, canonicalID, reason string) {
	if s.auditor != nil {
		s.auditor.RecordEvent(eventType, p.ID, p.Team, canonicalID, reason)
	}
}

func (s *Service) countTransition(trigger Trigger) {
	if s.metrics != nil {
		s.metrics.StatusTransitions.WithLabelValues(string(trigger)).Inc()
	}
}

// canManage reports whether p may mutate srv: admins always, otherwise
// members of the owning team.
func canManage(p auth.Principal, srv *Server) bool {
	return p.IsAdmin() || p.InTeam(srv.OwnerTeam)
}

// CanAccess reports whether p may read srv: admins, the registering
// principal, and members of the owning team.
func CanAccess(p auth.Principal, srv *Server) bool {
	return p.IsAdmin() || srv.CreatedBy == p.ID || p.InTeam(srv.OwnerTeam)
}

// RegisterInput is the payload for registering a server.
type RegisterInput struct {
	CanonicalID   string          `json:"canonicalId"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	OwnerTeam     string          `json:"ownerTeam"`
	SourceType    SourceType      `json:"sourceType"`
	SourceURL     string          `json:"sourceUrl"`
	Version       string          `json:"version"`
	DeclaredTools []string        `json:"declaredTools"`
	MCPConfig     json.RawMessage `json:"mcpConfig"`
	TestEndpoint  string          `json:"testEndpoint"`
	Tags          []string        `json:"tags"`
}

// Register creates a new server in Draft.
func (s *Service) Register(ctx context.Context, p auth.Principal, in RegisterInput) (*Server, error) {
	if err := ValidateCanonicalID(in.CanonicalID); err != nil {
		return nil, &ValidationError{msg: err.Error()}
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, validationErrorf("name is required")
	}
	team := in.OwnerTeam
	if team == "" {
		team = p.Team
	}
	if team == "" {
		return nil, validationErrorf("ownerTeam is required")
	}
	if !p.IsAdmin() && !p.InTeam(team) {
		return nil, fmt.Errorf("register into team %s: %w", team, ErrForbidden)
	}

	switch in.SourceType {
	case SourceExternalRepo, SourceInternalRepo, SourceContainerImage, SourcePackageArtifact:
		if strings.TrimSpace(in.SourceURL) == "" {
			return nil, validationErrorf("sourceUrl is required for %s sources", in.SourceType)
		}
	case SourceLocalDeclared:
		if len(in.DeclaredTools) == 0 && len(in.MCPConfig) == 0 {
			return nil, validationErrorf("local servers must declare tools or an mcpConfig")
		}
	default:
		return nil, validationErrorf("unknown sourceType %d", int(in.SourceType))
	}

	now := s.now()
	srv := &Server{
		ID:            uuid.NewString(),
		CanonicalID:   in.CanonicalID,
		Name:          in.Name,
		Description:   in.Description,
		OwnerTeam:     team,
		SourceType:    in.SourceType,
		SourceURL:     in.SourceURL,
		Version:       in.Version,
		Status:        StatusDraft,
		DeclaredTools: emptyIfNil(in.DeclaredTools),
		MCPConfig:     in.MCPConfig,
		TestEndpoint:  in.TestEndpoint,
		Tags:          emptyIfNil(in.Tags),
		CreatedBy:     p.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateServer(ctx, srv); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ServersRegistered.WithLabelValues(srv.SourceType.String(), srv.Status.String()).Inc()
	}
	s.audit(eventServerRegistered, p, srv.CanonicalID, "")
	s.logger.Info("server registered",
		zap.String("canonicalId", srv.CanonicalID),
		zap.String("team", srv.OwnerTeam),
		zap.String("sourceType", srv.SourceType.String()))
	return srv, nil
}

// Resolve fetches a server by uuid or, failing that, by canonical id.
func (s *Service) Resolve(ctx context.Context, idOrCanonical string) (*Server, error) {
	if _, err := uuid.Parse(idOrCanonical); err == nil {
		srv, err := s.store.GetServer(ctx, idOrCanonical)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return srv, err
		}
	}
	return s.store.GetServerByCanonicalID(ctx, idOrCanonical)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *ServerStatus
	Team   string
}

// List returns the servers matching the filter that p can access.
func (s *Service) List(ctx context.Context, p auth.Principal, filter ListFilter) ([]Server, error) {
	var servers []Server
	var err error
	switch {
	case filter.Status != nil:
		servers, err = s.store.ListServersByStatus(ctx, *filter.Status)
	case filter.Team != "":
		servers, err = s.store.ListServersByTeam(ctx, filter.Team)
	default:
		servers, err = s.store.ListServers(ctx)
	}
	if err != nil {
		return nil, err
	}

	visible := make([]Server, 0, len(servers))
	for _, srv := range servers {
		if !CanAccess(p, &srv) {
			continue
		}
		if filter.Status != nil && filter.Team != "" && srv.OwnerTeam != filter.Team {
			continue
		}
		visible = append(visible, srv)
	}
	return visible, nil
}

// Get fetches a server, enforcing read access.
func (s *Service) Get(ctx context.Context, p auth.Principal, idOrCanonical string) (*Server, error) {
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return nil, err
	}
	if !CanAccess(p, srv) {
		return nil, fmt.Errorf("read %s: %w", srv.CanonicalID, ErrForbidden)
	}
	return srv, nil
}

// UpdateInput carries a partial server update. Nil fields are untouched.
type UpdateInput struct {
	Name          *string          `json:"name"`
	Description   *string          `json:"description"`
	SourceURL     *string          `json:"sourceUrl"`
	Version       *string          `json:"version"`
	DeclaredTools *[]string        `json:"declaredTools"`
	MCPConfig     *json.RawMessage `json:"mcpConfig"`
	TestEndpoint  *string          `json:"testEndpoint"`
	Tags          *[]string        `json:"tags"`
}

// material reports whether the update touches fields that invalidate a
// previous security review.
func (in UpdateInput) material() bool {
	return in.SourceURL != nil || in.Version != nil || in.DeclaredTools != nil || in.MCPConfig != nil
}

// Update applies a partial update. A material edit to an Approved server
// sends it back to Draft for re-review.
func (s *Service) Update(ctx context.Context, p auth.Principal, idOrCanonical string, in UpdateInput) (*Server, error) {
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return nil, err
	}
	if !canManage(p, srv) {
		return nil, fmt.Errorf("update %s: %w", srv.CanonicalID, ErrForbidden)
	}

	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, validationErrorf("name cannot be empty")
		}
		srv.Name = *in.Name
	}
	if in.Description != nil {
		srv.Description = *in.Description
	}
	if in.SourceURL != nil {
		srv.SourceURL = *in.SourceURL
	}
	if in.Version != nil {
		srv.Version = *in.Version
	}
	if in.DeclaredTools != nil {
		srv.DeclaredTools = emptyIfNil(*in.DeclaredTools)
	}
	if in.MCPConfig != nil {
		srv.MCPConfig = *in.MCPConfig
	}
	if in.TestEndpoint != nil {
		srv.TestEndpoint = *in.TestEndpoint
	}
	if in.Tags != nil {
		srv.Tags = emptyIfNil(*in.Tags)
	}

	detail := ""
	if in.material() && srv.Status == StatusApproved {
		next, err := NextStatus(TriggerMaterialEdit, srv.Status)
		if err != nil {
			return nil, err
		}
		srv.Status = next
		detail = "material edit: approval invalidated"
		s.countTransition(TriggerMaterialEdit)
	}

	srv.UpdatedAt = s.now()
	if err := s.store.UpdateServer(ctx, srv); err != nil {
		return nil, err
	}
	s.audit(eventServerUpdated, p, srv.CanonicalID, detail)
	return srv, nil
}

// Delete removes a server and its scans and approvals. Admins and the
// owning team may delete.
func (s *Service) Delete(ctx context.Context, p auth.Principal, idOrCanonical string) error {
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return err
	}
	if !canManage(p, srv) {
		return fmt.Errorf("delete %s: %w", srv.CanonicalID, ErrForbidden)
	}
	if err := s.store.DeleteServer(ctx, srv.ID); err != nil {
		return err
	}
	s.audit(eventServerDeleted, p, srv.CanonicalID, "")
	s.logger.Info("server deleted", zap.String("canonicalId", srv.CanonicalID))
	return nil
}

// SubmitForScan queues a new scan and moves the server to PendingScan. The
// orchestrator picks up pending scans and launches jobs.
func (s *Service) SubmitForScan(ctx context.Context, p auth.Principal, idOrCanonical string) (*Scan, error) {
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return nil, err
	}
	if !canManage(p, srv) {
		return nil, fmt.Errorf("submit scan for %s: %w", srv.CanonicalID, ErrForbidden)
	}
	if srv.SourceType == SourceLocalDeclared {
		return nil, validationErrorf("local servers cannot be scanned in-cluster; upload scan results instead")
	}
	next, err := NextStatus(TriggerSubmitScan, srv.Status)
	if err != nil {
		return nil, err
	}

	scan := &Scan{
		ID:              uuid.NewString(),
		ServerID:        srv.ID,
		Status:          ScanPending,
		Issues:          []Issue{},
		DiscoveredTools: []DiscoveredTool{},
		StartedAt:       s.now(),
		TriggeredBy:     p.ID,
	}
	if err := s.store.QueueScan(ctx, scan, srv.Status, next); err != nil {
		if errors.Is(err, ErrStale) {
			// Another submission moved the server first.
			if cur, gerr := s.store.GetServer(ctx, srv.ID); gerr == nil {
				return nil, &InvalidStateError{Trigger: TriggerSubmitScan, From: cur.Status}
			}
			return nil, &InvalidStateError{Trigger: TriggerSubmitScan, From: srv.Status}
		}
		return nil, err
	}

	s.countTransition(TriggerSubmitScan)
	s.audit(eventScanSubmitted, p, srv.CanonicalID, "")
	s.logger.Info("scan queued",
		zap.String("canonicalId", srv.CanonicalID),
		zap.String("scanId", scan.ID))

	if s.launcher != nil {
		// Detached from the request: the launch outcome lands in the store
		// and is observable via the scan row.
		go s.launcher.Launch(context.WithoutCancel(ctx), srv, scan)
	}
	return scan, nil
}

// UploadLocalScanInput is the payload for posting out-of-cluster scan
// results against a locally declared server.
type UploadLocalScanInput struct {
	ScanOutput  json.RawMessage `json:"scanOutput"`
	ScanVersion string          `json:"scanVersion"`
	ScannedAt   *time.Time      `json:"scannedAt"`
}

// UploadLocalScan records externally produced scanner output for a
// LocalDeclared server and moves it to ScannedPass or ScannedFail.
func (s *Service) UploadLocalScan(ctx context.Context, p auth.Principal, idOrCanonical string, in UploadLocalScanInput) (*Scan, error) {
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return nil, err
	}
	if !canManage(p, srv) {
		return nil, fmt.Errorf("upload scan for %s: %w", srv.CanonicalID, ErrForbidden)
	}
	if srv.SourceType != SourceLocalDeclared {
		return nil, validationErrorf("scan upload is only supported for LocalDeclared servers")
	}
	switch srv.Status {
	case StatusDraft, StatusPendingScan, StatusScanning, StatusScannedPass, StatusScannedFail, StatusDenied:
	default:
		return nil, &InvalidStateError{Trigger: "upload-scan", From: srv.Status}
	}
	if len(in.ScanOutput) == 0 {
		return nil, validationErrorf("scanOutput is required")
	}

	report, err := ParseScannerReport(in.ScanOutput)
	if err != nil {
		return nil, &ValidationError{msg: err.Error()}
	}

	finished := s.now()
	if in.ScannedAt != nil {
		finished = in.ScannedAt.UTC()
	}
	version := in.ScanVersion
	if version == "" {
		version = report.ScannerVersion
	}

	scan := &Scan{
		ID:              uuid.NewString(),
		ServerID:        srv.ID,
		ScannerVersion:  version,
		Status:          ScanCompleted,
		RiskScore:       report.RiskScore,
		Summary:         report.Summary,
		ReportJSON:      report.Raw,
		Issues:          report.Issues,
		DiscoveredTools: report.Tools,
		StartedAt:       finished,
		FinishedAt:      &finished,
		TriggeredBy:     p.ID,
	}
	if err := s.store.CreateScan(ctx, scan); err != nil {
		return nil, err
	}

	trigger, outcome := TriggerScanFail, "fail"
	newStatus := StatusScannedFail
	if report.Passed(s.passThreshold) {
		trigger, outcome = TriggerScanPass, "pass"
		newStatus = StatusScannedPass
	}
	if err := s.store.RecordScanCompletion(ctx, srv.ID, scan, newStatus, report.RiskScore); err != nil {
		return nil, err
	}

	s.countTransition(trigger)
	if s.metrics != nil {
		s.metrics.ScansCompleted.WithLabelValues(outcome).Inc()
		if report.RiskScore != nil {
			s.metrics.ScanRiskScore.Observe(*report.RiskScore)
		}
	}
	s.audit(eventScanUploaded, p, srv.CanonicalID, outcome)
	s.logger.Info("local scan recorded",
		zap.String("canonicalId", srv.CanonicalID),
		zap.String("outcome", outcome))
	return scan, nil
}

// ApprovalRequest is the payload for admin lifecycle decisions. Reason is
// mandatory on every decision; overrideReason is additionally required when
// approving a server whose latest scan failed.
type ApprovalRequest struct {
	Reason         string     `json:"reason"`
	OverrideReason string     `json:"overrideReason"`
	Notes          string     `json:"notes"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

// Approve moves a reviewed server to Approved and returns the approval
// record. Approving a server whose latest scan failed requires a distinct
// override reason on top of the regular one.
func (s *Service) Approve(ctx context.Context, p auth.Principal, idOrCanonical string, req ApprovalRequest) (*Approval, error) {
	if !p.IsAdmin() {
		return nil, fmt.Errorf("approve server: %w", ErrForbidden)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, validationErrorf("reason is required")
	}
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return nil, err
	}
	next, err := NextStatus(TriggerApprove, srv.Status)
	if err != nil {
		return nil, err
	}

	if srv.Status == StatusScannedFail && strings.TrimSpace(req.OverrideReason) == "" {
		return nil, validationErrorf("approving a failed scan requires overrideReason")
	}

	approval := &Approval{
		ID:                uuid.NewString(),
		ServerID:          srv.ID,
		ServerCanonicalID: srv.CanonicalID,
		Actor:             p.ID,
		Action:            ActionApproved,
		Reason:            req.Reason,
		OverrideReason:    req.OverrideReason,
		Notes:             req.Notes,
		Timestamp:         s.now(),
		ExpiresAt:         req.ExpiresAt,
		ScanID:            srv.LatestScanID,
	}
	if err := s.store.RecordApproval(ctx, approval, next); err != nil {
		return nil, err
	}

	s.countTransition(TriggerApprove)
	s.audit(eventServerApproved, p, srv.CanonicalID, req.Reason)
	s.logger.Info("server approved",
		zap.String("canonicalId", srv.CanonicalID),
		zap.String("actor", p.ID),
		zap.Bool("override", req.OverrideReason != ""))
	return approval, nil
}

// Deny rejects a server from any non-terminal status. Denying a previously
// approved server is recorded as a revocation.
func (s *Service) Deny(ctx context.Context, p auth.Principal, idOrCanonical string, req ApprovalRequest) (*Approval, error) {
	action := ActionDenied
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err == nil && (srv.Status == StatusApproved || srv.Status == StatusSuspended) {
		action = ActionRevoked
	}
	return s.adminTransition(ctx, p, idOrCanonical, TriggerDeny, action, eventServerDenied, req)
}

// Suspend temporarily pulls an approved server out of service.
func (s *Service) Suspend(ctx context.Context, p auth.Principal, idOrCanonical string, req ApprovalRequest) (*Approval, error) {
	return s.adminTransition(ctx, p, idOrCanonical, TriggerSuspend, ActionSuspended, eventServerSuspended, req)
}

// Reinstate returns a suspended server to Approved.
func (s *Service) Reinstate(ctx context.Context, p auth.Principal, idOrCanonical string, req ApprovalRequest) (*Approval, error) {
	return s.adminTransition(ctx, p, idOrCanonical, TriggerReinstate, ActionReinstated, eventServerReinstated, req)
}

// Deprecate retires a server permanently.
func (s *Service) Deprecate(ctx context.Context, p auth.Principal, idOrCanonical string, req ApprovalRequest) (*Approval, error) {
	return s.adminTransition(ctx, p, idOrCanonical, TriggerDeprecate, ActionDeprecated, eventServerDeprecated, req)
}

func (s *Service) adminTransition(ctx context.Context, p auth.Principal, idOrCanonical string, trigger Trigger, action ApprovalAction, eventType string, req ApprovalRequest) (*Approval, error) {
	if !p.IsAdmin() {
		return nil, fmt.Errorf("%s server: %w", trigger, ErrForbidden)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, validationErrorf("reason is required")
	}
	srv, err := s.Resolve(ctx, idOrCanonical)
	if err != nil {
		return nil, err
	}
	next, err := NextStatus(trigger, srv.Status)
	if err != nil {
		return nil, err
	}

	approval := &Approval{
		ID:                uuid.NewString(),
		ServerID:          srv.ID,
		ServerCanonicalID: srv.CanonicalID,
		Actor:             p.ID,
		Action:            action,
		Reason:            req.Reason,
		Notes:             req.Notes,
		Timestamp:         s.now(),
		ScanID:            srv.LatestScanID,
	}
	if err := s.store.RecordApproval(ctx, approval, next); err != nil {
		return nil, err
	}

	s.countTransition(trigger)
	s.audit(eventType, p, srv.CanonicalID, req.Reason)
	s.logger.Info("server transitioned",
		zap.String("canonicalId", srv.CanonicalID),
		zap.String("trigger", string(trigger)),
		zap.String("status", next.String()))
	return approval, nil
}

// GetScan fetches a scan, enforcing read access on its server.
func (s *Service) GetScan(ctx context.Context, p auth.Principal, scanID string) (*Scan, error) {
	scan, err := s.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	srv, err := s.store.GetServer(ctx, scan.ServerID)
	if err != nil {
		return nil, err
	}
	if !CanAccess(p, srv) {
		return nil, fmt.Errorf("read scan for %s: %w", srv.CanonicalID, ErrForbidden)
	}
	return scan, nil
}

// ListScans returns a server's scans, newest first.
func (s *Service) ListScans(ctx context.Context, p auth.Principal, idOrCanonical string) ([]Scan, error) {
	srv, err := s.Get(ctx, p, idOrCanonical)
	if err != nil {
		return nil, err
	}
	return s.store.ListScansByServer(ctx, srv.ID)
}

// LatestScan returns a server's most recent scan, enforcing read access.
func (s *Service) LatestScan(ctx context.Context, p auth.Principal, idOrCanonical string) (*Scan, error) {
	srv, err := s.Get(ctx, p, idOrCanonical)
	if err != nil {
		return nil, err
	}
	return s.store.LatestScan(ctx, srv.ID)
}

// ListApprovals returns a server's approval history, newest first.
func (s *Service) ListApprovals(ctx context.Context, p auth.Principal, idOrCanonical string) ([]Approval, error) {
	srv, err := s.Get(ctx, p, idOrCanonical)
	if err != nil {
		return nil, err
	}
	return s.store.ListApprovalsByServer(ctx, srv.ID)
}

// IsApproved is the fast predicate used by enforcement fast paths.
func (s *Service) IsApproved(ctx context.Context, canonicalID string) (bool, error) {
	srv, err := s.store.GetServerByCanonicalID(ctx, canonicalID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return srv.Status == StatusApproved, nil
}

// LookupByCanonicalID is the read path used by policy evaluation.
func (s *Service) LookupByCanonicalID(ctx context.Context, canonicalID string) (*Server, error) {
	return s.store.GetServerByCanonicalID(ctx, canonicalID)
}

func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
