package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

// PostgresStore persists the registry in PostgreSQL via the pgx stdlib driver.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens the database and bootstraps the schema. Bootstrap
// failure is logged but not fatal; operations against missing relations
// surface their own errors and a later restart can retry.
func NewPostgresStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger.Named("registry-store")}
	if err := s.bootstrap(ctx); err != nil {
		s.logger.Warn("schema bootstrap failed", zap.Error(err))
	}
	return s, nil
}

// bootstrap creates tables and indices. Idempotent.
func (s *PostgresStore) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id                UUID PRIMARY KEY,
			canonical_id      TEXT NOT NULL,
			name              TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			owner_team        TEXT NOT NULL,
			source_type       INT NOT NULL,
			source_url        TEXT NOT NULL DEFAULT '',
			version           TEXT NOT NULL DEFAULT '',
			status            INT NOT NULL,
			declared_tools    JSONB NOT NULL DEFAULT '[]',
			mcp_config        JSONB,
			test_endpoint     TEXT NOT NULL DEFAULT '',
			tags              JSONB NOT NULL DEFAULT '[]',
			created_by        TEXT NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			latest_scan_id    UUID,
			latest_risk_score DOUBLE PRECISION
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_canonical_id ON servers (LOWER(canonical_id))`,
		`CREATE INDEX IF NOT EXISTS idx_servers_status ON servers (status)`,
		`CREATE INDEX IF NOT EXISTS idx_servers_owner_team ON servers (owner_team)`,
		`CREATE TABLE IF NOT EXISTS scans (
			id               UUID PRIMARY KEY,
			server_id        UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			scanner_version  TEXT NOT NULL DEFAULT '',
			status           INT NOT NULL,
			risk_score       DOUBLE PRECISION,
			summary          TEXT NOT NULL DEFAULT '',
			report_json      JSONB,
			issues           JSONB NOT NULL DEFAULT '[]',
			discovered_tools JSONB NOT NULL DEFAULT '[]',
			job_name         TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			started_at       TIMESTAMPTZ NOT NULL,
			finished_at      TIMESTAMPTZ,
			triggered_by     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_server ON scans (server_id)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON scans (status)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_started ON scans (server_id, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id                  UUID PRIMARY KEY,
			server_id           UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			server_canonical_id TEXT NOT NULL,
			actor               TEXT NOT NULL,
			action              INT NOT NULL,
			reason              TEXT NOT NULL,
			override_reason     TEXT NOT NULL DEFAULT '',
			notes               TEXT NOT NULL DEFAULT '',
			ts                  TIMESTAMPTZ NOT NULL,
			expires_at          TIMESTAMPTZ,
			scan_id             UUID
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_server ON approvals (server_id, ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap registry schema: %w", err)
		}
	}
	return nil
}

const serverColumns = `id, canonical_id, name, description, owner_team, source_type,
	source_url, version, status, declared_tools, mcp_config, test_endpoint, tags,
	created_by, created_at, updated_at, latest_scan_id, latest_risk_score`

// CreateServer inserts a new server row.
func (s *PostgresStore) CreateServer(ctx context.Context, srv *Server) error {
	declared, tags := mustJSON(srv.DeclaredTools), mustJSON(srv.Tags)
	_, err := s.db.ExecContext(ctx, `INSERT INTO servers (`+serverColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		srv.ID, srv.CanonicalID, srv.Name, srv.Description, srv.OwnerTeam, int(srv.SourceType),
		srv.SourceURL, srv.Version, int(srv.Status), declared, nullJSON(srv.MCPConfig),
		srv.TestEndpoint, tags, srv.CreatedBy, srv.CreatedAt, srv.UpdatedAt,
		nullUUID(srv.LatestScanID), srv.LatestRiskScore,
	)
	if isUniqueViolation(err) {
		return &DuplicateError{Field: "canonicalId", Value: srv.CanonicalID}
	}
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

// GetServer fetches a server by id.
func (s *PostgresStore) GetServer(ctx context.Context, id string) (*Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	return scanServer(row)
}

// GetServerByCanonicalID fetches a server by canonical id, case-insensitive.
func (s *PostgresStore) GetServerByCanonicalID(ctx context.Context, canonicalID string) (*Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE LOWER(canonical_id) = LOWER($1)`, canonicalID)
	return scanServer(row)
}

// ListServers returns all servers, newest first.
func (s *PostgresStore) ListServers(ctx context.Context) ([]Server, error) {
	return s.queryServers(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at DESC`)
}

// ListServersByStatus returns servers in the given status.
func (s *PostgresStore) ListServersByStatus(ctx context.Context, status ServerStatus) ([]Server, error) {
	return s.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE status = $1 ORDER BY created_at DESC`, int(status))
}

// ListServersByTeam returns servers owned by team.
func (s *PostgresStore) ListServersByTeam(ctx context.Context, team string) ([]Server, error) {
	return s.queryServers(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE owner_team = $1 ORDER BY created_at DESC`, team)
}

func (s *PostgresStore) queryServers(ctx context.Context, query string, args ...any) ([]Server, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	servers := make([]Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list servers rows: %w", err)
	}
	return servers, nil
}

// UpdateServer rewrites all mutable columns. canonical_id is immutable and
// intentionally absent from the SET list.
func (s *PostgresStore) UpdateServer(ctx context.Context, srv *Server) error {
	res, err := s.db.ExecContext(ctx, `UPDATE servers SET
			name = $2, description = $3, owner_team = $4, source_type = $5,
			source_url = $6, version = $7, status = $8, declared_tools = $9,
			mcp_config = $10, test_endpoint = $11, tags = $12, updated_at = $13,
			latest_scan_id = $14, latest_risk_score = $15
		WHERE id = $1`,
		srv.ID, srv.Name, srv.Description, srv.OwnerTeam, int(srv.SourceType),
		srv.SourceURL, srv.Version, int(srv.Status), mustJSON(srv.DeclaredTools),
		nullJSON(srv.MCPConfig), srv.TestEndpoint, mustJSON(srv.Tags), srv.UpdatedAt,
		nullUUID(srv.LatestScanID), srv.LatestRiskScore,
	)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return checkRowsAffected(res)
}

// UpdateServerStatus moves the server to status and refreshes updated_at.
func (s *PostgresStore) UpdateServerStatus(ctx context.Context, id string, status ServerStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE servers SET status = $2, updated_at = $3 WHERE id = $1`,
		id, int(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update server status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteServer removes the server; scans and approvals cascade.
func (s *PostgresStore) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return checkRowsAffected(res)
}

const scanColumns = `id, server_id, scanner_version, status, risk_score, summary,
	report_json, issues, discovered_tools, job_name, error_message, started_at,
	finished_at, triggered_by`

// CreateScan inserts a new scan row.
func (s *PostgresStore) CreateScan(ctx context.Context, scan *Scan) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scans (`+scanColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		scan.ID, scan.ServerID, scan.ScannerVersion, int(scan.Status), scan.RiskScore,
		scan.Summary, nullJSON(scan.ReportJSON), mustJSON(scan.Issues),
		mustJSON(scan.DiscoveredTools), scan.JobName, scan.ErrorMessage,
		scan.StartedAt, scan.FinishedAt, scan.TriggeredBy,
	)
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	return nil
}

// QueueScan inserts the scan and moves the server off its observed status
// in one transaction. The conditional UPDATE makes concurrent submissions
// race-safe: the loser matches zero rows, gets ErrStale, and the tx rolls
// the scan insert back.
func (s *PostgresStore) QueueScan(ctx context.Context, scan *Scan, from, to ServerStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE servers SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
			scan.ServerID, int(from), int(to), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("queue scan server update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStale
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO scans (`+scanColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			scan.ID, scan.ServerID, scan.ScannerVersion, int(scan.Status), scan.RiskScore,
			scan.Summary, nullJSON(scan.ReportJSON), mustJSON(scan.Issues),
			mustJSON(scan.DiscoveredTools), scan.JobName, scan.ErrorMessage,
			scan.StartedAt, scan.FinishedAt, scan.TriggeredBy,
		); err != nil {
			return fmt.Errorf("queue scan insert: %w", err)
		}
		return nil
	})
}

// GetScan fetches a scan by id.
func (s *PostgresStore) GetScan(ctx context.Context, id string) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1`, id)
	return scanScan(row)
}

// ListScansByServer returns a server's scans, newest first.
func (s *PostgresStore) ListScansByServer(ctx context.Context, serverID string) ([]Scan, error) {
	return s.queryScans(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE server_id = $1 ORDER BY started_at DESC`, serverID)
}

// ListScansByStatus returns all scans in the given status.
func (s *PostgresStore) ListScansByStatus(ctx context.Context, status ScanStatus) ([]Scan, error) {
	return s.queryScans(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE status = $1 ORDER BY started_at ASC`, int(status))
}

// LatestScan returns the server's most recent scan.
func (s *PostgresStore) LatestScan(ctx context.Context, serverID string) (*Scan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE server_id = $1 ORDER BY started_at DESC LIMIT 1`, serverID)
	return scanScan(row)
}

func (s *PostgresStore) queryScans(ctx context.Context, query string, args ...any) ([]Scan, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	scans := make([]Scan, 0)
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, *sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scans rows: %w", err)
	}
	return scans, nil
}

// UpdateScan rewrites a scan's mutable columns.
func (s *PostgresStore) UpdateScan(ctx context.Context, scan *Scan) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scans SET
			status = $2, risk_score = $3, summary = $4, report_json = $5, issues = $6,
			discovered_tools = $7, job_name = $8, error_message = $9, finished_at = $10
		WHERE id = $1`,
		scan.ID, int(scan.Status), scan.RiskScore, scan.Summary, nullJSON(scan.ReportJSON),
		mustJSON(scan.Issues), mustJSON(scan.DiscoveredTools), scan.JobName,
		scan.ErrorMessage, scan.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	return checkRowsAffected(res)
}

// MarkScanRunning sets the scan Running and the server Scanning in one tx.
func (s *PostgresStore) MarkScanRunning(ctx context.Context, scanID, jobName string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var serverID string
		err := tx.QueryRowContext(ctx,
			`UPDATE scans SET status = $2, job_name = $3 WHERE id = $1 RETURNING server_id`,
			scanID, int(ScanRunning), jobName).Scan(&serverID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("mark scan running: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE servers SET status = $2, updated_at = $3 WHERE id = $1`,
			serverID, int(StatusScanning), time.Now().UTC()); err != nil {
			return fmt.Errorf("mark server scanning: %w", err)
		}
		return nil
	})
}

// TransitionScan conditionally moves a scan between statuses. The WHERE on
// the current status makes concurrent reconcilers idempotent: the loser of
// the race sees ErrStale and skips the scan.
func (s *PostgresStore) TransitionScan(ctx context.Context, scanID string, from, to ScanStatus, errorMessage string) error {
	var finishedAt any
	if to.Terminal() {
		finishedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = $3, error_message = $4, finished_at = COALESCE($5, finished_at)
		 WHERE id = $1 AND status = $2`,
		scanID, int(from), int(to), errorMessage, finishedAt)
	if err != nil {
		return fmt.Errorf("transition scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// RecordScanCompletion writes the terminal scan and the server's new status,
// latest scan pointer, and risk score in one transaction.
func (s *PostgresStore) RecordScanCompletion(ctx context.Context, serverID string, scan *Scan, newStatus ServerStatus, riskScore *float64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE scans SET
				status = $2, risk_score = $3, summary = $4, report_json = $5, issues = $6,
				discovered_tools = $7, error_message = $8, finished_at = $9
			WHERE id = $1`,
			scan.ID, int(scan.Status), scan.RiskScore, scan.Summary, nullJSON(scan.ReportJSON),
			mustJSON(scan.Issues), mustJSON(scan.DiscoveredTools), scan.ErrorMessage, scan.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("record scan completion: %w", err)
		}
		if err := checkRowsAffected(res); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `UPDATE servers SET
				status = $2, latest_scan_id = $3, latest_risk_score = $4, updated_at = $5
			WHERE id = $1`,
			serverID, int(newStatus), scan.ID, riskScore, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("record scan completion server update: %w", err)
		}
		return checkRowsAffected(res)
	})
}

const approvalColumns = `id, server_id, server_canonical_id, actor, action, reason,
	override_reason, notes, ts, expires_at, scan_id`

// RecordApproval appends the approval and moves the server atomically.
func (s *PostgresStore) RecordApproval(ctx context.Context, approval *Approval, newStatus ServerStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO approvals (`+approvalColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			approval.ID, approval.ServerID, approval.ServerCanonicalID, approval.Actor,
			int(approval.Action), approval.Reason, approval.OverrideReason, approval.Notes,
			approval.Timestamp, approval.ExpiresAt, nullUUID(approval.ScanID),
		); err != nil {
			return fmt.Errorf("record approval: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE servers SET status = $2, updated_at = $3 WHERE id = $1`,
			approval.ServerID, int(newStatus), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("record approval server update: %w", err)
		}
		return checkRowsAffected(res)
	})
}

// ListApprovalsByServer returns a server's approvals, newest first.
func (s *PostgresStore) ListApprovalsByServer(ctx context.Context, serverID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE server_id = $1 ORDER BY ts DESC`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	approvals := make([]Approval, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals rows: %w", err)
	}
	return approvals, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(r rowScanner) (*Server, error) {
	var (
		srv                    Server
		sourceType, status     int
		declared, tags         []byte
		mcpConfig              sql.NullString
		latestScanID           sql.NullString
		latestRisk             sql.NullFloat64
	)
	err := r.Scan(&srv.ID, &srv.CanonicalID, &srv.Name, &srv.Description, &srv.OwnerTeam,
		&sourceType, &srv.SourceURL, &srv.Version, &status, &declared, &mcpConfig,
		&srv.TestEndpoint, &tags, &srv.CreatedBy, &srv.CreatedAt, &srv.UpdatedAt,
		&latestScanID, &latestRisk)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server row: %w", err)
	}

	srv.SourceType = SourceType(sourceType)
	srv.Status = ServerStatus(status)
	_ = json.Unmarshal(declared, &srv.DeclaredTools)
	_ = json.Unmarshal(tags, &srv.Tags)
	if mcpConfig.Valid && mcpConfig.String != "" && mcpConfig.String != "null" {
		srv.MCPConfig = json.RawMessage(mcpConfig.String)
	}
	if latestScanID.Valid {
		srv.LatestScanID = latestScanID.String
	}
	if latestRisk.Valid {
		srv.LatestRiskScore = &latestRisk.Float64
	}
	return &srv, nil
}

func scanScan(r rowScanner) (*Scan, error) {
	var (
		sc               Scan
		status           int
		risk             sql.NullFloat64
		report           sql.NullString
		issues, tools    []byte
		finishedAt       sql.NullTime
	)
	err := r.Scan(&sc.ID, &sc.ServerID, &sc.ScannerVersion, &status, &risk, &sc.Summary,
		&report, &issues, &tools, &sc.JobName, &sc.ErrorMessage, &sc.StartedAt,
		&finishedAt, &sc.TriggeredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan scan row: %w", err)
	}

	sc.Status = ScanStatus(status)
	if risk.Valid {
		sc.RiskScore = &risk.Float64
	}
	if report.Valid && report.String != "" && report.String != "null" {
		sc.ReportJSON = json.RawMessage(report.String)
	}
	_ = json.Unmarshal(issues, &sc.Issues)
	_ = json.Unmarshal(tools, &sc.DiscoveredTools)
	if finishedAt.Valid {
		t := finishedAt.Time
		sc.FinishedAt = &t
	}
	return &sc, nil
}

func scanApproval(r rowScanner) (*Approval, error) {
	var (
		a         Approval
		action    int
		expiresAt sql.NullTime
		scanID    sql.NullString
	)
	err := r.Scan(&a.ID, &a.ServerID, &a.ServerCanonicalID, &a.Actor, &action,
		&a.Reason, &a.OverrideReason, &a.Notes, &a.Timestamp, &expiresAt, &scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval row: %w", err)
	}

	a.Action = ApprovalAction(action)
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	if scanID.Valid {
		a.ScanID = scanID.String
	}
	return &a, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("[]")
	}
	return data
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
