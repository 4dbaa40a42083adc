package jobmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"ump/internal/gateway/httpclient"
	"ump/internal/gateway/jobstore"
	"ump/internal/gateway/observer"
	"ump/internal/gateway/providers"
	"ump/internal/gateway/retry"
	"ump/internal/gateway/statusderive"
	"ump/pkg/process"
)

type stubScheduler struct {
	stopped []string
}

func (s *stubScheduler) Stop(jobID string) { s.stopped = append(s.stopped, jobID) }
func (s *stubScheduler) StopAll()          {}
func (s *stubScheduler) Wait(context.Context) {}

func newTestManager(t *testing.T, srv *httptest.Server) (*Manager, jobstore.Repository, *stubScheduler) {
	t.Helper()
	dir := t.TempDir()
	repo, err := jobstore.OpenSQLite(context.Background(), filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	reg := providers.NewRegistry([]process.Provider{
		{Name: "ms1", BaseURL: srv.URL, DefaultTimeout: time.Second},
	})
	pol, err := retry.New(1, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("retry.New: %v", err)
	}
	sched := &stubScheduler{}
	bus := observer.NewBus(nil)
	bus.Register(observer.NewStatusHistoryObserver(repo, nil))
	mgr, err := New(Config{
		Repo:          repo,
		Registry:      reg,
		Processes:     fixedProcesses{desc: process.ProcessDescriptor{ProcessSummary: process.ProcessSummary{ID: "ms1:square"}}},
		HTTPClient:    httpclient.New(httpclient.Config{}),
		Bus:           bus,
		Scheduler:     sched,
		ForwardPolicy: pol,
		PollPolicy:    pol,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr, repo, sched
}

// fixedProcesses is a test double standing in for processmgr.Manager so
// these tests exercise forwarding and status derivation without a second
// HTTP round trip through a live process-discovery fetch.
type fixedProcesses struct {
	desc process.ProcessDescriptor
}

func (f fixedProcesses) Get(context.Context, string) (process.ProcessDescriptor, error) {
	return f.desc, nil
}

func TestCreateAndForwardDirectStatusInfoAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/processes/square/execution" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jobID": "remote-1", "status": "accepted"})
	}))
	defer srv.Close()

	mgr, _, _ := newTestManager(t, srv)
	job, code, hdr, si, err := mgr.CreateAndForward(context.Background(), "square", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if hdr.Get("Location") != "/jobs/"+job.ID {
		t.Fatalf("unexpected Location header: %q", hdr.Get("Location"))
	}
	if si.Status != process.JobStatusAccepted {
		t.Fatalf("expected accepted, got %s", si.Status)
	}
	if job.RemoteJobID == nil || *job.RemoteJobID != "remote-1" {
		t.Fatalf("expected remote job id captured, got %+v", job.RemoteJobID)
	}
}

func TestCreateAndForwardImmediateResultsSuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"outputs": map[string]any{"value": 4}})
	}))
	defer srv.Close()

	mgr, _, _ := newTestManager(t, srv)
	job, _, _, si, err := mgr.CreateAndForward(context.Background(), "square", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if si.Status != process.JobStatusSuccessful {
		t.Fatalf("expected successful, got %s", si.Status)
	}
	if !job.IsTerminal() {
		t.Fatal("expected job to be terminal")
	}
	if job.Finished == nil {
		t.Fatal("expected Finished to be stamped")
	}
}

func TestCreateAndForwardUpstreamErrorProducesFailedWithStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down for maintenance"))
	}))
	defer srv.Close()

	mgr, _, _ := newTestManager(t, srv)
	job, code, _, si, err := mgr.CreateAndForward(context.Background(), "square", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != http.StatusCreated {
		t.Fatalf("job creation itself must still succeed, got code %d", code)
	}
	if si.Status != process.JobStatusFailed {
		t.Fatalf("expected failed, got %s", si.Status)
	}
	if !contains(si.Message, "503") {
		t.Fatalf("expected message to mention upstream status 503, got %q", si.Message)
	}
	if !job.IsTerminal() {
		t.Fatal("expected job to be terminal")
	}
}

func TestPollOnceRepeatedIdenticalResponsesDoNotGrowHistory(t *testing.T) {
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/processes/square/execution":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"jobID": "remote-1", "status": "running"})
		case "/status/remote-1":
			n++
			status := "running"
			if n >= 3 {
				status = "successful"
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"jobID": "remote-1", "status": status})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	mgr, repo, _ := newTestManager(t, srv)
	job, _, _, _, err := mgr.CreateAndForward(context.Background(), "square", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The upstream has no Location header and no remote_status_url was
	// derived by Direct StatusInfo, so manually point the job at the
	// status endpoint to exercise the poll path in isolation.
	statusURL := srv.URL + "/status/remote-1"
	got, err := repo.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.RemoteStatusURL = &statusURL
	if err := repo.Update(context.Background(), got, got.Updated); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for i := 0; i < 5; i++ {
		mgr.PollOnce(context.Background(), job.ID)
	}

	history, err := repo.ListStatusHistory(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListStatusHistory: %v", err)
	}
	// created(accepted) -> running -> successful: exactly three transitions
	// regardless of how many identical "running" polls occurred in between.
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d: %+v", len(history), history)
	}
}

func TestCommitIgnoresTransitionsOnTerminalJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"outputs": map[string]any{}})
	}))
	defer srv.Close()

	mgr, repo, sched := newTestManager(t, srv)
	job, _, _, si, err := mgr.CreateAndForward(context.Background(), "square", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if si.Status != process.JobStatusSuccessful {
		t.Fatalf("expected successful, got %s", si.Status)
	}

	before, err := repo.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	mgr.commit(context.Background(), before, statusderive.Result{
		StatusInfo: process.StatusInfo{Status: process.JobStatusFailed, Message: "should be ignored"},
	})

	after, err := repo.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.StatusCode != process.JobStatusSuccessful {
		t.Fatalf("terminal job transitioned: %s", after.StatusCode)
	}
	_ = sched
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
