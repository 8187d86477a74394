// Package database persists final events and camera liveness in SQLite
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"sentinel/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// EventFilter narrows ListEvents. Zero values do not filter.
type EventFilter struct {
	CameraID string
	State    pipeline.EventState
	Since    time.Time
	Limit    int
}

// New opens the database at path and runs migrations
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	d := &Database{db: db}
	if err := d.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			camera_ids TEXT,
			triggered_at INTEGER NOT NULL,
			finalized_at INTEGER,
			state TEXT NOT NULL,
			confidence REAL,
			peak TEXT,
			triggers INTEGER DEFAULT 1,
			confirmation TEXT,
			rejection_reason TEXT,
			unconfirmed INTEGER DEFAULT 0,
			incomplete INTEGER DEFAULT 0,
			evidence TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS camera_status (
			camera_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			attempt INTEGER DEFAULT 0,
			error TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_camera_time ON events(camera_id, triggered_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(triggered_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	slog.Debug("database: migrations completed")
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveEvent inserts a final event. Saving the same id again replaces it.
func (d *Database) SaveEvent(ctx context.Context, rec *pipeline.EventRecord) error {
	cameraIDs, err := json.Marshal(rec.CameraIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal camera ids: %w", err)
	}
	peak, err := json.Marshal(rec.Peak)
	if err != nil {
		return fmt.Errorf("failed to marshal peak detection: %w", err)
	}
	evidence, err := json.Marshal(rec.Refs)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	var confirmation sql.NullString
	if rec.Confirmation != nil {
		b, err := json.Marshal(rec.Confirmation)
		if err != nil {
			return fmt.Errorf("failed to marshal confirmation: %w", err)
		}
		confirmation = sql.NullString{String: string(b), Valid: true}
	}

	query := `INSERT INTO events
		(id, camera_id, camera_ids, triggered_at, finalized_at, state, confidence, peak,
		 triggers, confirmation, rejection_reason, unconfirmed, incomplete, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finalized_at = excluded.finalized_at,
			state = excluded.state,
			confidence = excluded.confidence,
			confirmation = excluded.confirmation,
			rejection_reason = excluded.rejection_reason,
			unconfirmed = excluded.unconfirmed,
			incomplete = excluded.incomplete,
			evidence = excluded.evidence`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.CameraID, string(cameraIDs),
		millis(rec.TriggeredAt), millis(rec.FinalizedAt), string(rec.State), rec.Confidence,
		string(peak), rec.Triggers, confirmation, rec.RejectionReason,
		boolInt(rec.Unconfirmed), boolInt(rec.Incomplete), string(evidence))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

const eventColumns = `id, camera_id, camera_ids, triggered_at, finalized_at, state, confidence,
	peak, triggers, confirmation, rejection_reason, unconfirmed, incomplete, evidence`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*pipeline.EventRecord, error) {
	var (
		rec                     pipeline.EventRecord
		cameraIDs, peak, refs   sql.NullString
		confirmation, rejection sql.NullString
		triggered, finalized    int64
		state                   string
		unconfirmed, incomplete int
	)
	if err := s.Scan(&rec.ID, &rec.CameraID, &cameraIDs, &triggered, &finalized, &state,
		&rec.Confidence, &peak, &rec.Triggers, &confirmation, &rejection,
		&unconfirmed, &incomplete, &refs); err != nil {
		return nil, err
	}

	rec.TriggeredAt = fromMillis(triggered)
	rec.FinalizedAt = fromMillis(finalized)
	rec.State = pipeline.EventState(state)
	rec.RejectionReason = rejection.String
	rec.Unconfirmed = unconfirmed == 1
	rec.Incomplete = incomplete == 1

	if cameraIDs.Valid && cameraIDs.String != "" {
		if err := json.Unmarshal([]byte(cameraIDs.String), &rec.CameraIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal camera ids: %w", err)
		}
	}
	if peak.Valid && peak.String != "" {
		if err := json.Unmarshal([]byte(peak.String), &rec.Peak); err != nil {
			return nil, fmt.Errorf("failed to unmarshal peak detection: %w", err)
		}
	}
	if confirmation.Valid {
		var c pipeline.Confirmation
		if err := json.Unmarshal([]byte(confirmation.String), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal confirmation: %w", err)
		}
		rec.Confirmation = &c
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &rec.Refs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
	}
	return &rec, nil
}

// GetEvent retrieves an event by id. A missing event returns nil, nil.
func (d *Database) GetEvent(ctx context.Context, id string) (*pipeline.EventRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	rec, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return rec, nil
}

// ListEvents returns events newest first
func (d *Database) ListEvents(ctx context.Context, f EventFilter) ([]*pipeline.EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}

	if f.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, f.CameraID)
	}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	if !f.Since.IsZero() {
		query += " AND triggered_at >= ?"
		args = append(args, millis(f.Since))
	}

	query += " ORDER BY triggered_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*pipeline.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, rec)
	}
	return events, rows.Err()
}

// DeleteEventsBefore deletes events triggered before t
func (d *Database) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM events WHERE triggered_at < ?", millis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

// CameraStatus is the last known liveness of a camera
type CameraStatus struct {
	CameraID  string
	State     pipeline.Liveness
	Attempt   int
	Error     string
	UpdatedAt time.Time
}

// SaveCameraStatus records the latest liveness change of a camera
func (d *Database) SaveCameraStatus(ctx context.Context, ev pipeline.LivenessEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	query := `INSERT INTO camera_status (camera_id, state, attempt, error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(camera_id) DO UPDATE SET
			state = excluded.state,
			attempt = excluded.attempt,
			error = excluded.error,
			updated_at = excluded.updated_at`

	if _, err := d.db.ExecContext(ctx, query, ev.CameraID, string(ev.State), ev.Attempt, ev.Error, millis(ts)); err != nil {
		return fmt.Errorf("failed to save camera status: %w", err)
	}
	return nil
}

// ListCameraStatus returns the status of every camera seen so far
func (d *Database) ListCameraStatus(ctx context.Context) ([]CameraStatus, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT camera_id, state, attempt, error, updated_at FROM camera_status ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list camera status: %w", err)
	}
	defer rows.Close()

	var out []CameraStatus
	for rows.Next() {
		var (
			s       CameraStatus
			state   string
			errText sql.NullString
			updated int64
		)
		if err := rows.Scan(&s.CameraID, &state, &s.Attempt, &errText, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan camera status: %w", err)
		}
		s.State = pipeline.Liveness(state)
		s.Error = errText.String
		s.UpdatedAt = fromMillis(updated)
		out = append(out, s)
	}
	return out, rows.Err()
}
