// Package store persists the bridge's signup log and audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentarena/arena/bridge/internal/config"
)

// Store is the persistence interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Signup log (append-only)
	AppendSignup(ctx context.Context, s *Signup) error
	ListSignups(ctx context.Context, limit, offset int) ([]Signup, error)
	CountSignups(ctx context.Context) (int, error)

	// Audit trail
	LogAuditEvent(ctx context.Context, e *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Signup is one waitlist/interest record.
type Signup struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AgentPkg  string    `json:"agent_pkg,omitempty"`
	Source    string    `json:"source,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions.
const (
	ActionClientConnect    = "client.connect"
	ActionClientDisconnect = "client.disconnect"
	ActionSessionHatch     = "session.hatch"
	ActionSessionHatchFail = "session.hatch_failed"
	ActionAdminLogin       = "admin.login"
)

// AuditEvent records something a client or admin did.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ClientID   string          `json:"client_id,omitempty"`
	AgentPkg   string          `json:"agent_pkg,omitempty"`
	SessionKey string          `json:"session_key,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter narrows ListAuditEvents. Action matches as a prefix.
type AuditFilter struct {
	Action   string
	ClientID string
	AgentPkg string
	Limit    int
	Offset   int
}

// New creates a Store for the configured driver.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func scanSignups(rows *sql.Rows) ([]Signup, error) {
	defer rows.Close()
	var out []Signup
	for rows.Next() {
		var s Signup
		if err := rows.Scan(&s.ID, &s.Email, &s.Name, &s.AgentPkg, &s.Source, &s.RemoteIP, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.ClientID, &e.AgentPkg, &e.SessionKey, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// auditQuery builds the filtered select. placeholder renders the n-th
// (1-based) bind parameter for the driver.
func auditQuery(filter AuditFilter, placeholder func(n int) string) (string, []any) {
	query := `SELECT id, action, client_id, agent_pkg, session_key, detail, created_at
	          FROM audit_events WHERE 1=1`
	var args []any

	if filter.Action != "" {
		args = append(args, filter.Action+"%")
		query += " AND action LIKE " + placeholder(len(args))
	}
	if filter.ClientID != "" {
		args = append(args, filter.ClientID)
		query += " AND client_id = " + placeholder(len(args))
	}
	if filter.AgentPkg != "" {
		args = append(args, filter.AgentPkg)
		query += " AND agent_pkg = " + placeholder(len(args))
	}

	args = append(args, clampLimit(filter.Limit))
	query += " ORDER BY created_at DESC LIMIT " + placeholder(len(args))
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, offset)
	query += " OFFSET " + placeholder(len(args))
	return query, args
}

func detailString(d json.RawMessage) string {
	if len(d) == 0 {
		return ""
	}
	return string(d)
}
