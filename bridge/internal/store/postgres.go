package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects to PostgreSQL and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signups (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			agent_pkg TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			remote_ip TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signups_created ON signups(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			client_id TEXT NOT NULL DEFAULT '',
			agent_pkg TEXT NOT NULL DEFAULT '',
			session_key TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_client ON audit_events(client_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// --- Signups ---

func (s *PostgresStore) AppendSignup(ctx context.Context, su *Signup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signups (id, email, name, agent_pkg, source, remote_ip, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		su.ID, su.Email, su.Name, su.AgentPkg, su.Source, su.RemoteIP, su.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListSignups(ctx context.Context, limit, offset int) ([]Signup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, agent_pkg, source, remote_ip, created_at
		 FROM signups ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		clampLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, err
	}
	return scanSignups(rows)
}

func (s *PostgresStore) CountSignups(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM signups").Scan(&n)
	return n, err
}

// --- Audit ---

func (s *PostgresStore) LogAuditEvent(ctx context.Context, e *AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, client_id, agent_pkg, session_key, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Action, e.ClientID, e.AgentPkg, e.SessionKey, detailString(e.Detail), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query, args := auditQuery(filter, pgPlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAuditEvents(rows)
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
