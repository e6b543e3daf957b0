// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cron

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLease is the optional cross-restart Lease backend, persisting
// to environment_leases and environment_events tables. Plugins that
// need a job's run history to survive a supervisor restart opt into
// this instead of the default in-memory bookkeeping.
type SQLiteLease struct {
	db *sql.DB
}

// NewSQLiteLease opens (creating if absent) a SQLite database at path
// and runs its migrations.
func NewSQLiteLease(path string) (*SQLiteLease, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cron: open lease db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cron: ping lease db: %w", err)
	}

	l := &SQLiteLease{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLease) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS environment_leases (
			job_id TEXT PRIMARY KEY,
			scheduled_at TEXT NOT NULL,
			run_count INTEGER NOT NULL DEFAULT 0,
			last_status TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS environment_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			event TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_environment_events_job_id ON environment_events(job_id)`,
	}
	for _, stmt := range migrations {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cron: migrate lease db: %w", err)
		}
	}
	return nil
}

// RecordFire upserts jobID's lease row and appends a "fired" event.
func (l *SQLiteLease) RecordFire(jobID string, scheduledAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	scheduled := scheduledAt.UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO environment_leases (job_id, scheduled_at, run_count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			scheduled_at = excluded.scheduled_at,
			run_count = environment_leases.run_count + 1,
			updated_at = excluded.updated_at
	`, jobID, scheduled, now); err != nil {
		return fmt.Errorf("cron: upsert lease: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO environment_events (job_id, event, scheduled_at, created_at)
		VALUES (?, 'fired', ?, ?)
	`, jobID, scheduled, now); err != nil {
		return fmt.Errorf("cron: insert fire event: %w", err)
	}

	return tx.Commit()
}

// RecordComplete appends a completion event and the job's last status.
func (l *SQLiteLease) RecordComplete(jobID string, scheduledAt time.Time, ok bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := "failed"
	event := "failed"
	if ok {
		status = "succeeded"
		event = "completed"
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	scheduled := scheduledAt.UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx, `
		UPDATE environment_leases SET last_status = ?, updated_at = ? WHERE job_id = ?
	`, status, now, jobID); err != nil {
		return fmt.Errorf("cron: update lease status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO environment_events (job_id, event, scheduled_at, created_at)
		VALUES (?, ?, ?, ?)
	`, jobID, event, scheduled, now); err != nil {
		return fmt.Errorf("cron: insert completion event: %w", err)
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (l *SQLiteLease) Close() error {
	return l.db.Close()
}
