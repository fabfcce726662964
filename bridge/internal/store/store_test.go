package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentarena/arena/bridge/internal/config"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "arena.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseAudit runs the audit flow against any Store. Filters use a fresh
// client id so leftover rows from earlier runs do not interfere.
func exerciseAudit(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	clientID := "c-" + uuid.New().String()[:8]
	now := time.Now().UTC().Truncate(time.Second)

	events := []AuditEvent{
		{Action: ActionClientConnect, CreatedAt: now.Add(-3 * time.Hour)},
		{Action: ActionSessionHatch, AgentPkg: "coach-agent", SessionKey: "agent:coach:arena:coach-agent-" + clientID, CreatedAt: now.Add(-time.Minute)},
		{Action: ActionSessionHatchFail, AgentPkg: "ghost", Detail: json.RawMessage(`{"error":"package not found"}`), CreatedAt: now},
	}
	for i := range events {
		events[i].ID = uuid.New().String()
		events[i].ClientID = clientID
		if err := s.LogAuditEvent(ctx, &events[i]); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
	}

	all, err := s.ListAuditEvents(ctx, AuditFilter{ClientID: clientID})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Action != ActionSessionHatchFail {
		t.Errorf("newest event = %q, want %q", all[0].Action, ActionSessionHatchFail)
	}
	if string(all[0].Detail) != `{"error":"package not found"}` {
		t.Errorf("detail = %s", all[0].Detail)
	}

	sessions, err := s.ListAuditEvents(ctx, AuditFilter{ClientID: clientID, Action: "session."})
	if err != nil {
		t.Fatalf("ListAuditEvents(prefix): %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("prefix filter returned %d events, want 2", len(sessions))
	}

	byPkg, err := s.ListAuditEvents(ctx, AuditFilter{ClientID: clientID, AgentPkg: "coach-agent"})
	if err != nil {
		t.Fatalf("ListAuditEvents(pkg): %v", err)
	}
	if len(byPkg) != 1 || byPkg[0].SessionKey == "" {
		t.Errorf("package filter = %+v", byPkg)
	}

	paged, err := s.ListAuditEvents(ctx, AuditFilter{ClientID: clientID, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListAuditEvents(page): %v", err)
	}
	if len(paged) != 1 || paged[0].Action != ActionSessionHatch {
		t.Errorf("page 2 = %+v", paged)
	}

	if _, err := s.PurgeOldAuditEvents(ctx, now.Add(-time.Hour)); err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	remaining, _ := s.ListAuditEvents(ctx, AuditFilter{ClientID: clientID})
	if len(remaining) != 2 {
		t.Errorf("after purge %d events remain, want 2", len(remaining))
	}
}

func TestSQLite_Audit(t *testing.T) {
	exerciseAudit(t, newTestSQLiteStore(t))
}

func TestPostgres_Audit(t *testing.T) {
	exerciseAudit(t, newTestPostgresStore(t))
}

func TestSQLite_Signups(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		err := s.AppendSignup(ctx, &Signup{
			ID:        uuid.New().String(),
			Email:     email,
			AgentPkg:  "coach-agent",
			Source:    "landing",
			RemoteIP:  "10.0.0.1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendSignup: %v", err)
		}
	}

	n, err := s.CountSignups(ctx)
	if err != nil || n != 3 {
		t.Fatalf("CountSignups = %d, %v; want 3", n, err)
	}

	list, err := s.ListSignups(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListSignups: %v", err)
	}
	if len(list) != 2 || list[0].Email != "c@example.com" {
		t.Errorf("ListSignups = %+v, want newest first", list)
	}
	if list[0].AgentPkg != "coach-agent" || list[0].Source != "landing" {
		t.Errorf("fields not round-tripped: %+v", list[0])
	}
}

func TestSQLite_MemoryDSN(t *testing.T) {
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite(:memory:): %v", err)
	}
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNew_Drivers(t *testing.T) {
	s, err := New(config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "f.db")})
	if err != nil {
		t.Fatalf("New(sqlite): %v", err)
	}
	s.Close()

	if _, err := New(config.StorageConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestAuditQuery_Placeholders(t *testing.T) {
	q, args := auditQuery(AuditFilter{Action: "session.", ClientID: "abc"}, pgPlaceholder)
	want := `SELECT id, action, client_id, agent_pkg, session_key, detail, created_at
	          FROM audit_events WHERE 1=1 AND action LIKE $1 AND client_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	if q != want {
		t.Errorf("query =\n%s\nwant\n%s", q, want)
	}
	if len(args) != 4 || args[0] != "session.%" || args[2] != 100 {
		t.Errorf("args = %v", args)
	}
}
