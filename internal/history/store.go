// Package history persists campaign reports and session transitions in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"salonreach/internal/campaign"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed campaign history.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// SessionEntry is one recorded session state transition.
type SessionEntry struct {
	ID        int64     `json:"id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// SaveReport stores a finished campaign and its per-message details.
func (s *Store) SaveReport(ctx context.Context, r *campaign.Report) error {
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaigns (id, success, sent, failed, unconfirmed, errors, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Success, r.SentCount, r.FailedCount, r.UnconfirmedCount, string(errs),
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert campaign %s: %w", r.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO campaign_messages (campaign_id, position, professional_id, phone, status, error, warning, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, d := range r.Details {
		if _, err := stmt.ExecContext(ctx, r.ID, i, d.ProfessionalID, d.Phone, string(d.Status), d.Error, d.Warning, d.Attempts); err != nil {
			return fmt.Errorf("insert message %d of %s: %w", i, r.ID, err)
		}
	}
	return tx.Commit()
}

// ListReports returns the most recent campaigns first, without details.
func (s *Store) ListReports(ctx context.Context, limit int) ([]campaign.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, success, sent, failed, unconfirmed, errors, started_at, finished_at
		 FROM campaigns ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []campaign.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// GetReport returns one campaign with its details, or nil if it is unknown.
func (s *Store) GetReport(ctx context.Context, id string) (*campaign.Report, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT id, success, sent, failed, unconfirmed, errors, started_at, finished_at
		 FROM campaigns WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT professional_id, phone, status, error, warning, attempts
		 FROM campaign_messages WHERE campaign_id = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	r.Details = []campaign.Detail{}
	for rows.Next() {
		var d campaign.Detail
		var status string
		var errText, warning sql.NullString
		if err := rows.Scan(&d.ProfessionalID, &d.Phone, &status, &errText, &warning, &d.Attempts); err != nil {
			return nil, err
		}
		d.Status = campaign.Status(status)
		d.Error = errText.String
		d.Warning = warning.String
		r.Details = append(r.Details, d)
	}
	return r, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*campaign.Report, error) {
	var r campaign.Report
	var errs sql.NullString
	if err := row.Scan(&r.ID, &r.Success, &r.SentCount, &r.FailedCount, &r.UnconfirmedCount,
		&errs, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.Errors = []string{}
	if errs.Valid && errs.String != "" {
		if err := json.Unmarshal([]byte(errs.String), &r.Errors); err != nil {
			return nil, fmt.Errorf("decode errors of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

// LogSession records a session state transition.
func (s *Store) LogSession(ctx context.Context, state, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_log (state, detail, created_at) VALUES (?, ?, ?)`,
		state, detail, time.Now().UTC(),
	)
	return err
}

// RecentSessions returns the latest session transitions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, detail, created_at FROM session_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionEntry
	for rows.Next() {
		var e SessionEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.State, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes campaigns and session entries older than retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_log WHERE created_at < ?`, cutoff); err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.Info("pruned campaign history", "campaigns", n, "older_than", cutoff)
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
