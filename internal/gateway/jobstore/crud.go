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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ump/pkg/process"
)

func (r *repo) Create(ctx context.Context, job *process.Job) error {
	statusInfoJSON, err := json.Marshal(job.StatusInfo)
	if err != nil {
		return fmt.Errorf("jobstore: marshal status info: %w", err)
	}
	anonymous := 0
	q := r.bind(`
INSERT INTO jobs (id, process_id, provider_name, remote_job_id, remote_status_url, status_code, status_info_json, inputs_json, anonymous, created_at, started_at, finished_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	_, err = r.db.ExecContext(ctx, q,
		job.ID, job.ProcessID, job.ProviderName, nullableStringPtr(job.RemoteJobID), nullableStringPtr(job.RemoteStatusURL),
		string(job.StatusCode), string(statusInfoJSON), nullableRawJSON(job.InputsSnapshot), anonymous,
		job.Created.UTC(), nullableTimePtr(job.Started), nullableTimePtr(job.Finished), job.Updated.UTC())
	if err != nil {
		return fmt.Errorf("jobstore: create job: %w", err)
	}
	return nil
}

const jobColumns = `id, process_id, provider_name, remote_job_id, remote_status_url, status_code, status_info_json, inputs_json, created_at, started_at, finished_at, updated_at`

func (r *repo) Get(ctx context.Context, id string) (*process.Job, error) {
	q := r.bind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	row := r.db.QueryRowContext(ctx, q, id)
	return scanJob(row)
}

func (r *repo) Update(ctx context.Context, job *process.Job, expectedUpdated time.Time) error {
	statusInfoJSON, err := json.Marshal(job.StatusInfo)
	if err != nil {
		return fmt.Errorf("jobstore: marshal status info: %w", err)
	}
	now := time.Now().UTC()
	q := r.bind(`
UPDATE jobs SET remote_job_id = ?, remote_status_url = ?, status_code = ?, status_info_json = ?, started_at = ?, finished_at = ?, updated_at = ?
WHERE id = ? AND updated_at = ?;`)
	res, err := r.db.ExecContext(ctx, q,
		nullableStringPtr(job.RemoteJobID), nullableStringPtr(job.RemoteStatusURL), string(job.StatusCode), string(statusInfoJSON),
		nullableTimePtr(job.Started), nullableTimePtr(job.Finished), now,
		job.ID, expectedUpdated.UTC())
	if err != nil {
		return fmt.Errorf("jobstore: update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: update job: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	job.Updated = now
	return nil
}

func (r *repo) List(ctx context.Context, filter process.JobFilter) ([]*process.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if filter.Status != "" {
		q += ` WHERE status_code = ?`
		args = append(args, string(filter.Status))
	}
	q += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, r.bind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*process.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendStatus appends a history row at the next sequence number for jobID.
// A snapshot byte-identical to the most recent entry is a no-op, so a job
// polled repeatedly with no change does not grow its history unboundedly.
func (r *repo) AppendStatus(ctx context.Context, jobID string, snapshot process.StatusInfo) error {
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("jobstore: marshal snapshot: %w", err)
	}

	var lastSeq sql.NullInt64
	var lastSnapshot sql.NullString
	err = r.db.QueryRowContext(ctx, r.bind(`SELECT seq, snapshot_json FROM job_status_history WHERE job_id = ? ORDER BY seq DESC LIMIT 1`), jobID).Scan(&lastSeq, &lastSnapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("jobstore: read last status history: %w", err)
	}
	if lastSnapshot.Valid && lastSnapshot.String == string(snapshotJSON) {
		return nil
	}

	nextSeq := int64(0)
	if lastSeq.Valid {
		nextSeq = lastSeq.Int64 + 1
	}
	_, err = r.db.ExecContext(ctx, r.bind(`INSERT INTO job_status_history (job_id, seq, observed_at, snapshot_json) VALUES (?, ?, ?, ?)`),
		jobID, nextSeq, time.Now().UTC(), string(snapshotJSON))
	if err != nil {
		return fmt.Errorf("jobstore: append status history: %w", err)
	}
	return nil
}

func (r *repo) ListStatusHistory(ctx context.Context, jobID string) ([]process.StatusHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.bind(`SELECT job_id, seq, observed_at, snapshot_json FROM job_status_history WHERE job_id = ? ORDER BY seq ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list status history: %w", err)
	}
	defer rows.Close()

	var entries []process.StatusHistoryEntry
	for rows.Next() {
		var e process.StatusHistoryEntry
		var snapshotJSON string
		if err := rows.Scan(&e.JobID, &e.Seq, &e.ObservedAt, &snapshotJSON); err != nil {
			return nil, fmt.Errorf("jobstore: scan status history: %w", err)
		}
		if err := json.Unmarshal([]byte(snapshotJSON), &e.Snapshot); err != nil {
			return nil, fmt.Errorf("jobstore: unmarshal snapshot: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repo) MarkFailed(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	si := process.StatusInfo{Status: process.JobStatusFailed, Message: message}
	siJSON, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("jobstore: marshal status info: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.bind(`UPDATE jobs SET status_code = ?, status_info_json = ?, finished_at = ?, updated_at = ? WHERE id = ?`),
		string(process.JobStatusFailed), string(siJSON), now, now, id)
	if err != nil {
		return fmt.Errorf("jobstore: mark failed: %w", err)
	}
	return nil
}

func (r *repo) ListAnonymousTerminalBefore(ctx context.Context, cutoff time.Time) ([]*process.Job, error) {
	q := r.bind(`SELECT ` + jobColumns + ` FROM jobs WHERE anonymous = 1 AND finished_at IS NOT NULL AND finished_at < ? ORDER BY finished_at ASC`)
	rows, err := r.db.QueryContext(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("jobstore: list anonymous terminal jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*process.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *repo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.bind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("jobstore: delete job: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*process.Job, error) {
	var (
		job                               process.Job
		remoteJobID, remoteStatusURL      sql.NullString
		statusInfoJSON                    string
		inputsJSON                        sql.NullString
		started, finished                 sql.NullTime
	)
	err := row.Scan(&job.ID, &job.ProcessID, &job.ProviderName, &remoteJobID, &remoteStatusURL,
		&job.StatusCode, &statusInfoJSON, &inputsJSON, &job.Created, &started, &finished, &job.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: scan job: %w", err)
	}
	if remoteJobID.Valid {
		job.RemoteJobID = &remoteJobID.String
	}
	if remoteStatusURL.Valid {
		job.RemoteStatusURL = &remoteStatusURL.String
	}
	if inputsJSON.Valid {
		job.InputsSnapshot = json.RawMessage(inputsJSON.String)
	}
	if started.Valid {
		job.Started = &started.Time
	}
	if finished.Valid {
		job.Finished = &finished.Time
	}
	if err := json.Unmarshal([]byte(statusInfoJSON), &job.StatusInfo); err != nil {
		return nil, fmt.Errorf("jobstore: unmarshal status info: %w", err)
	}
	job.Created = job.Created.UTC()
	job.Updated = job.Updated.UTC()
	return &job, nil
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableRawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
