package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: campaigns, campaign_messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS campaigns (
			id           TEXT PRIMARY KEY,
			success      INTEGER NOT NULL,
			sent         INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			unconfirmed  INTEGER NOT NULL DEFAULT 0,
			errors       TEXT,
			started_at   DATETIME NOT NULL,
			finished_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_campaigns_started ON campaigns(started_at);

		CREATE TABLE IF NOT EXISTS campaign_messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			campaign_id     TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			position        INTEGER NOT NULL,
			professional_id TEXT NOT NULL,
			phone           TEXT NOT NULL,
			status          TEXT NOT NULL,
			error           TEXT DEFAULT '',
			warning         TEXT DEFAULT '',
			attempts        INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_campaign_messages ON campaign_messages(campaign_id, position);
		`,
	},
	{
		Version:     2,
		Description: "v2: session_log for session state transitions",
		SQL: `
		CREATE TABLE IF NOT EXISTS session_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			state       TEXT NOT NULL,
			detail      TEXT DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_session_log_time ON session_log(created_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(src string) []string {
	var out []string
	for _, s := range strings.Split(src, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
