package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ump/pkg/process"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLite(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	job := process.NewJob("ms1:square", "ms1", nil)
	job.ID = "job-1"

	if err := s.Create(context.Background(), &job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProcessID != "ms1:square" || got.StatusCode != process.JobStatusAccepted {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestGetUnknownReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePreservesIdentityAndDetectsConflict(t *testing.T) {
	s := newTestStore(t)
	job := process.NewJob("ms1:square", "ms1", nil)
	job.ID = "job-1"
	if err := s.Create(context.Background(), &job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale := job.Updated
	job.StatusCode = process.JobStatusRunning
	job.StatusInfo = process.StatusInfo{Status: process.JobStatusRunning}
	if err := s.Update(context.Background(), &job, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Second update against the now-stale timestamp must conflict.
	job2 := job
	job2.StatusCode = process.JobStatusSuccessful
	if err := s.Update(context.Background(), &job2, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProcessID != "ms1:square" || got.StatusCode != process.JobStatusRunning {
		t.Fatalf("unexpected job after update: %+v", got)
	}
}

func TestListFiltersByStatusAndOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i, id := range []string{"job-1", "job-2", "job-3"} {
		job := process.NewJob("ms1:square", "ms1", nil)
		job.ID = id
		job.Created = job.Created.Add(time.Duration(i) * time.Second)
		if i == 1 {
			job.StatusCode = process.JobStatusRunning
		}
		if err := s.Create(context.Background(), &job); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := s.List(context.Background(), process.JobFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	if all[0].ID != "job-3" || all[2].ID != "job-1" {
		t.Fatalf("expected newest-first order, got %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	running, err := s.List(context.Background(), process.JobFilter{Status: process.JobStatusRunning})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(running) != 1 || running[0].ID != "job-2" {
		t.Fatalf("unexpected filtered list: %+v", running)
	}
}

func TestAppendStatusIsMonotonicAndDedupesRepeats(t *testing.T) {
	s := newTestStore(t)
	job := process.NewJob("ms1:square", "ms1", nil)
	job.ID = "job-1"
	if err := s.Create(context.Background(), &job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap := process.StatusInfo{Status: process.JobStatusRunning, Message: "working"}
	if err := s.AppendStatus(context.Background(), "job-1", snap); err != nil {
		t.Fatalf("AppendStatus: %v", err)
	}
	if err := s.AppendStatus(context.Background(), "job-1", snap); err != nil {
		t.Fatalf("AppendStatus (repeat): %v", err)
	}
	if err := s.AppendStatus(context.Background(), "job-1", process.StatusInfo{Status: process.JobStatusSuccessful}); err != nil {
		t.Fatalf("AppendStatus (changed): %v", err)
	}

	history, err := s.ListStatusHistory(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ListStatusHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected repeat snapshot to be deduped, got %d entries", len(history))
	}
	if history[0].Seq != 0 || history[1].Seq != 1 {
		t.Fatalf("expected monotonic seq 0,1, got %d,%d", history[0].Seq, history[1].Seq)
	}
}

func TestListAnonymousTerminalBeforeCutoff(t *testing.T) {
	s := newTestStore(t)
	job := process.NewJob("ms1:square", "ms1", nil)
	job.ID = "job-1"
	if err := s.Create(context.Background(), &job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	finished := time.Now().Add(-time.Hour)
	_, err := s.db.ExecContext(context.Background(), `UPDATE jobs SET anonymous = 1, finished_at = ? WHERE id = ?`, finished, "job-1")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	jobs, err := s.ListAnonymousTerminalBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ListAnonymousTerminalBefore: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected result: %+v", jobs)
	}
}
