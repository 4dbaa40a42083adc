// ump is an OGC API Processes federation gateway.
// Copyright (C) 2025 The ump Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package jobstore provides the Job Repository: durable storage for jobs and
// their append-only status history, with a SQLite-backed default
// implementation and a Postgres alternate behind the same Repository
// interface.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ump/pkg/process"
)

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("jobstore: not found")

// ErrConflict indicates an Update's expected prior state no longer matches
// what is stored (a concurrent writer already moved the job on).
var ErrConflict = errors.New("jobstore: conflicting update")

// Repository is the Job Repository's storage contract. Both the SQLite and
// Postgres backends implement it identically so the Job Manager never
// branches on which is active.
type Repository interface {
	Create(ctx context.Context, job *process.Job) error
	Get(ctx context.Context, id string) (*process.Job, error)
	// Update replaces the mutable fields of a job, preserving id, created_at
	// and process_id. It fails with ErrConflict if the stored row's Updated
	// timestamp no longer matches expectedUpdated (optimistic concurrency).
	Update(ctx context.Context, job *process.Job, expectedUpdated time.Time) error
	List(ctx context.Context, filter process.JobFilter) ([]*process.Job, error)
	// AppendStatus appends a history row at the next sequence number for
	// jobID. Appending a snapshot byte-identical to the most recent entry is
	// a no-op.
	AppendStatus(ctx context.Context, jobID string, snapshot process.StatusInfo) error
	ListStatusHistory(ctx context.Context, jobID string) ([]process.StatusHistoryEntry, error)
	MarkFailed(ctx context.Context, id, message string) error
	// ListAnonymousTerminalBefore returns anonymous-policy jobs that reached
	// a terminal state before cutoff, for a deployment-layer cleanup sweep
	// this package does not itself schedule.
	ListAnonymousTerminalBefore(ctx context.Context, cutoff time.Time) ([]*process.Job, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// repo holds the CRUD logic shared by both backends. bind translates a
// query written with "?" placeholders into the target driver's dialect
// (SQLite accepts "?" natively; Postgres needs "$1", "$2", ...).
type repo struct {
	db   *sql.DB
	bind func(query string) string
}

func identityBind(q string) string { return q }

// SQLiteStore is the default Repository implementation.
type SQLiteStore struct {
	*repo
}

// OpenSQLite opens (or creates) a SQLite database at path, applies
// durability/concurrency pragmas, runs migrations, and returns a ready
// SQLiteStore.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: ping sqlite: %w", err)
	}

	s := &SQLiteStore{repo: &repo{db: db, bind: identityBind}}
	if err := s.migrate(ctx, sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// sqliteDDL and postgresDDL differ only in column types SQLite is lax about
// (TIMESTAMP vs TIMESTAMPTZ; both store anonymous as an INTEGER 0/1 flag,
// which the shared CRUD writes and queries); the schema shape is
// identical so Job Repository behavior does not depend on which is active.
var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
  id                 TEXT PRIMARY KEY,
  process_id         TEXT NOT NULL,
  provider_name      TEXT NOT NULL,
  remote_job_id      TEXT NULL,
  remote_status_url  TEXT NULL,
  status_code        TEXT NOT NULL CHECK (status_code IN ('accepted','running','successful','failed','dismissed')),
  status_info_json   TEXT NOT NULL,
  inputs_json        TEXT NULL,
  anonymous          INTEGER NOT NULL DEFAULT 0,
  created_at         TIMESTAMP NOT NULL,
  started_at         TIMESTAMP NULL,
  finished_at        TIMESTAMP NULL,
  updated_at         TIMESTAMP NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status_code);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_anonymous_finished ON jobs(anonymous, finished_at);`,
	`CREATE TABLE IF NOT EXISTS job_status_history (
  job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  seq           INTEGER NOT NULL,
  observed_at   TIMESTAMP NOT NULL,
  snapshot_json TEXT NOT NULL,
  PRIMARY KEY (job_id, seq)
);`,
}

func (r *repo) migrate(ctx context.Context, ddl []string) error {
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}
