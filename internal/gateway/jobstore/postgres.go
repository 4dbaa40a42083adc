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

package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresDDL mirrors sqliteDDL column-for-column; see the comment there.
var postgresDDL = []string{
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
  created_at         TIMESTAMPTZ NOT NULL,
  started_at         TIMESTAMPTZ NULL,
  finished_at        TIMESTAMPTZ NULL,
  updated_at         TIMESTAMPTZ NOT NULL
);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status_code);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_anonymous_finished ON jobs(anonymous, finished_at);`,
	`CREATE TABLE IF NOT EXISTS job_status_history (
  job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  seq           INTEGER NOT NULL,
  observed_at   TIMESTAMPTZ NOT NULL,
  snapshot_json TEXT NOT NULL,
  PRIMARY KEY (job_id, seq)
);`,
}

// PostgresStore is the alternate Repository implementation for multi-replica
// deployments, selected via UMP_JOB_STORE_DRIVER=postgres.
type PostgresStore struct {
	*repo
}

// OpenPostgres connects to dsn via pgx's database/sql driver, runs
// migrations, and returns a ready PostgresStore.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: ping postgres: %w", err)
	}

	s := &PostgresStore{repo: &repo{db: db, bind: rebindPositional}}
	if err := s.migrate(ctx, postgresDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebindPositional rewrites "?" placeholders into Postgres's "$1", "$2", ...
// form so the CRUD layer can be written once and shared by both backends.
func rebindPositional(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
