package history

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"salonreach/internal/campaign"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport(id string, started time.Time) *campaign.Report {
	return &campaign.Report{
		ID:               id,
		Success:          false,
		SentCount:        2,
		FailedCount:      1,
		UnconfirmedCount: 1,
		Errors:           []string{"failed to send to 11912345678: compose box not found"},
		Details: []campaign.Detail{
			{ProfessionalID: "p1", Phone: "11987654321", Status: campaign.StatusSent, Attempts: 1},
			{ProfessionalID: "p2", Phone: "11912345678", Status: campaign.StatusFailed, Error: "compose box not found", Attempts: 2},
			{ProfessionalID: "p3", Phone: "1133334444", Status: campaign.StatusSent, Warning: "no visual confirmation", Attempts: 1},
		},
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}
}

func TestSaveAndGetReport(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	if err := s.SaveReport(ctx, sampleReport("c-1", start)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetReport(ctx, "c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("report not found")
	}
	if got.SentCount != 2 || got.FailedCount != 1 || got.UnconfirmedCount != 1 || got.Success {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if len(got.Errors) != 1 {
		t.Fatalf("errors not restored: %v", got.Errors)
	}
	if len(got.Details) != 3 || got.Details[1].ProfessionalID != "p2" || got.Details[1].Attempts != 2 {
		t.Fatalf("details not restored in order: %+v", got.Details)
	}
	if got.Details[2].Warning == "" {
		t.Fatal("warning lost")
	}
	if !got.StartedAt.Equal(start) {
		t.Fatalf("started_at mismatch: %v", got.StartedAt)
	}
}

func TestGetReport_Unknown(t *testing.T) {
	s := testStore(t)
	got, err := s.GetReport(context.Background(), "missing")
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %v, %v", got, err)
	}
}

func TestSaveReport_DuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	r := sampleReport("dup", time.Now())
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReport(ctx, r); err == nil {
		t.Fatal("expected primary key violation")
	}
}

func TestListReports_NewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveReport(ctx, sampleReport(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListReports(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}
	if list[0].Details != nil {
		t.Fatal("listing should not load details")
	}
}

func TestListReports_Empty(t *testing.T) {
	s := testStore(t)
	list, err := s.ListReports(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", list)
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.SaveReport(ctx, sampleReport("old", time.Now().Add(-100*24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveReport(ctx, sampleReport("new", time.Now())); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned campaign, got %d", n)
	}
	if r, _ := s.GetReport(ctx, "old"); r != nil {
		t.Fatal("old campaign should be gone")
	}
	var orphans int
	s.db.QueryRow("SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = 'old'").Scan(&orphans)
	if orphans != 0 {
		t.Fatalf("messages should cascade, %d left", orphans)
	}
}

func TestSessionLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for _, st := range []string{"initializing", "awaiting_login", "logged_in"} {
		if err := s.LogSession(ctx, st, ""); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := s.RecentSessions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].State != "logged_in" || entries[1].State != "awaiting_login" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

// --- migrations ---

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 2; i++ {
		if err := RunMigrations(db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"campaigns", "campaign_messages", "session_log", "schema_version"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	db := testDB(t)
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("expected version 0 for empty db, got %d", version)
	}
}

func TestSplitSQL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{"empty", "", 0},
		{"single", "CREATE TABLE t (id INT)", 1},
		{"multiple", "CREATE TABLE t1 (id INT); CREATE TABLE t2 (id INT)", 2},
		{"trailing semicolon", "CREATE TABLE t (id INT);", 1},
		{"whitespace", "  CREATE TABLE t (id INT)  ;  ", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitSQL(tt.input); len(got) != tt.expected {
				t.Errorf("expected %d statements, got %d: %v", tt.expected, len(got), got)
			}
		})
	}
}
