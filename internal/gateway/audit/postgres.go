package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PostgresStore persists audit events in PostgreSQL. It owns its table
// independently of the registry so that deleting a server never erases
// its audit history.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore opens the database and bootstraps the audit schema.
func NewPostgresStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresStore{db: db, logger: logger.Named("audit-store")}
	if err := s.bootstrap(ctx); err != nil {
		s.logger.Warn("schema bootstrap failed", zap.Error(err))
	}
	return s, nil
}

func (s *PostgresStore) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id                  UUID PRIMARY KEY,
			ts                  TIMESTAMPTZ NOT NULL,
			event_type          TEXT NOT NULL,
			decision            INT NOT NULL,
			actor               TEXT NOT NULL DEFAULT '',
			actor_team          TEXT NOT NULL DEFAULT '',
			server_canonical_id TEXT NOT NULL DEFAULT '',
			tool                TEXT NOT NULL DEFAULT '',
			reason              TEXT NOT NULL DEFAULT '',
			actor_email         TEXT NOT NULL DEFAULT '',
			request_size        BIGINT,
			response_size       BIGINT,
			source_ip           TEXT NOT NULL DEFAULT '',
			user_agent          TEXT NOT NULL DEFAULT '',
			server_risk_score   DOUBLE PRECISION,
			latency_ms          DOUBLE PRECISION,
			trace_id            TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events (ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_server ON audit_events (server_canonical_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events (actor, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_events (decision)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap audit schema: %w", err)
		}
	}
	return nil
}

// Insert writes one event.
func (s *PostgresStore) Insert(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events
		(id, ts, event_type, decision, actor, actor_team, server_canonical_id,
		 tool, reason, actor_email, request_size, response_size, source_ip,
		 user_agent, server_risk_score, latency_ms, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		ev.ID, ev.Timestamp, ev.EventType, int(ev.Decision), ev.Actor, ev.ActorTeam,
		ev.ServerCanonicalID, ev.Tool, ev.Reason, ev.ActorEmail, ev.RequestSize,
		ev.ResponseSize, ev.SourceIP, ev.UserAgent, ev.ServerRiskScore,
		ev.LatencyMs, ev.TraceID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Query returns a page of events, newest first, and the total match count.
func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Event, int64, error) {
	f = f.normalized()
	where, args := buildWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := fmt.Sprintf(`SELECT id, ts, event_type, decision, actor, actor_team,
		server_canonical_id, tool, reason, actor_email, request_size, response_size,
		source_ip, user_agent, server_risk_score, latency_ms, trace_id
		FROM audit_events%s ORDER BY ts DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, f.Limit)
	for rows.Next() {
		var (
			ev                 Event
			decision           int
			reqSize, respSize  sql.NullInt64
			riskScore, latency sql.NullFloat64
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EventType, &decision, &ev.Actor,
			&ev.ActorTeam, &ev.ServerCanonicalID, &ev.Tool, &ev.Reason, &ev.ActorEmail,
			&reqSize, &respSize, &ev.SourceIP, &ev.UserAgent, &riskScore, &latency,
			&ev.TraceID); err != nil {
			return nil, 0, fmt.Errorf("scan audit row: %w", err)
		}
		ev.Decision = Decision(decision)
		if reqSize.Valid {
			ev.RequestSize = &reqSize.Int64
		}
		if respSize.Valid {
			ev.ResponseSize = &respSize.Int64
		}
		if riskScore.Valid {
			ev.ServerRiskScore = &riskScore.Float64
		}
		if latency.Valid {
			ev.LatencyMs = &latency.Float64
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit rows: %w", err)
	}
	return events, total, nil
}

func buildWhere(f Filter) (string, []any) {
	clauses := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Decision != nil {
		add("decision = $%d", int(*f.Decision))
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.ActorTeam != "" {
		add("actor_team = $%d", f.ActorTeam)
	}
	if f.ServerCanonicalID != "" {
		add("LOWER(server_canonical_id) = LOWER($%d)", f.ServerCanonicalID)
	}
	if f.Tool != "" {
		add("tool = $%d", f.Tool)
	}
	if f.Since != nil {
		add("ts >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("ts < $%d", *f.Until)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Stats aggregates the events matching f. The per-server and per-team
// breakdowns keep the StatsTopN busiest entries.
func (s *PostgresStore) Stats(ctx context.Context, f Filter) (*Stats, error) {
	stats := &Stats{
		ByDecision: make(map[string]int64),
		ByServer:   make(map[string]int64),
		ByTeam:     make(map[string]int64),
	}
	where, args := buildWhere(f)

	rows, err := s.db.QueryContext(ctx,
		`SELECT decision, COUNT(*) FROM audit_events`+where+` GROUP BY decision`, args...)
	if err != nil {
		return nil, fmt.Errorf("audit stats by decision: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var decision int
		var count int64
		if err := rows.Scan(&decision, &count); err != nil {
			return nil, err
		}
		d := Decision(decision)
		stats.ByDecision[d.String()] = count
		stats.Total += count
		if !d.Allowed() {
			stats.DeniedTotal += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.statsGroup(ctx, where, args, "server_canonical_id", stats.ByServer); err != nil {
		return nil, err
	}
	if err := s.statsGroup(ctx, where, args, "actor_team", stats.ByTeam); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(latency_ms) FROM audit_events`+andClause(where, "latency_ms IS NOT NULL"),
		args...).Scan(&avg); err != nil {
		return nil, fmt.Errorf("audit stats latency: %w", err)
	}
	if avg.Valid {
		stats.AvgLatency = &avg.Float64
	}
	return stats, nil
}

// statsGroup fills out with the top-N counts of one grouping column.
func (s *PostgresStore) statsGroup(ctx context.Context, where string, args []any, column string, out map[string]int64) error {
	query := fmt.Sprintf(`SELECT %[1]s, COUNT(*) FROM audit_events%[2]s
		 GROUP BY %[1]s ORDER BY COUNT(*) DESC LIMIT %[3]d`,
		column, andClause(where, column+" <> ''"), StatsTopN)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("audit stats by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		out[key] = count
	}
	return rows.Err()
}

// andClause appends a literal condition to an optional WHERE fragment.
func andClause(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
