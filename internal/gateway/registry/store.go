package registry

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a server, scan, or approval does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStale is returned by conditional transitions when another writer
	// already moved the row past the expected status.
	ErrStale = errors.New("row already transitioned")
)

// DuplicateError is a uniqueness violation carrying the conflicting field.
type DuplicateError struct {
	Field string
	Value string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s %q", e.Field, e.Value)
}

// IsDuplicate reports whether err is a uniqueness violation.
func IsDuplicate(err error) bool {
	var d *DuplicateError
	return errors.As(err, &d)
}

// Store persists servers, scans, and approvals. A server exclusively owns
// its scans and approvals; deleting the server cascades to both.
// Implementations: PostgresStore (production), MemoryStore (tests).
type Store interface {
	// Servers.
	CreateServer(ctx context.Context, s *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	GetServerByCanonicalID(ctx context.Context, canonicalID string) (*Server, error)
	ListServers(ctx context.Context) ([]Server, error)
	ListServersByStatus(ctx context.Context, status ServerStatus) ([]Server, error)
	ListServersByTeam(ctx context.Context, team string) ([]Server, error)
	UpdateServer(ctx context.Context, s *Server) error
	DeleteServer(ctx context.Context, id string) error

	// UpdateServerStatus moves the server to status in a single write and
	// refreshes updatedAt.
	UpdateServerStatus(ctx context.Context, id string, status ServerStatus) error

	// Scans.
	CreateScan(ctx context.Context, scan *Scan) error

	// QueueScan inserts the scan row and moves its server from one status
	// to another in a single transaction. The server transition is
	// conditional on the observed status; ErrStale means another writer
	// already moved the server and no scan row was created.
	QueueScan(ctx context.Context, scan *Scan, from, to ServerStatus) error
	GetScan(ctx context.Context, id string) (*Scan, error)
	ListScansByServer(ctx context.Context, serverID string) ([]Scan, error)
	ListScansByStatus(ctx context.Context, status ScanStatus) ([]Scan, error)
	LatestScan(ctx context.Context, serverID string) (*Scan, error)
	UpdateScan(ctx context.Context, scan *Scan) error

	// MarkScanRunning sets the scan Running with its job name and the server
	// Scanning in one transaction.
	MarkScanRunning(ctx context.Context, scanID, jobName string) error

	// TransitionScan conditionally moves a scan from one status to another.
	// Returns ErrStale when the scan is no longer in from; the caller treats
	// that as another replica having already processed the scan.
	TransitionScan(ctx context.Context, scanID string, from, to ScanStatus, errorMessage string) error

	// RecordScanCompletion writes the terminal scan row and updates the
	// server's status, latestScanId, latestRiskScore, and updatedAt in one
	// transaction.
	RecordScanCompletion(ctx context.Context, serverID string, scan *Scan, newStatus ServerStatus, riskScore *float64) error

	// Approvals.
	// RecordApproval writes the approval row and moves the server to
	// newStatus atomically. Approvals are append-only.
	RecordApproval(ctx context.Context, approval *Approval, newStatus ServerStatus) error
	ListApprovalsByServer(ctx context.Context, serverID string) ([]Approval, error)

	Close() error
}
