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

// Package jobmanager is the central coordinator of the job lifecycle: it
// creates jobs, forwards execution requests to providers with retry and
// circuit-breaker protection, applies Status Derivation to every upstream
// response, and drives the per-job poll loop via the Observer Bus's
// PollingSchedulerObserver until a job reaches a terminal state.
package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ump/internal/gateway/breaker"
	"ump/internal/gateway/gwerr"
	"ump/internal/gateway/httpclient"
	"ump/internal/gateway/jobstore"
	"ump/internal/gateway/metrics"
	"ump/internal/gateway/observer"
	"ump/internal/gateway/processid"
	"ump/internal/gateway/providers"
	"ump/internal/gateway/retry"
	"ump/internal/gateway/statusderive"
	"ump/pkg/process"
)

// PollStopper is the slice of PollingSchedulerObserver the Job Manager
// needs to end a poll task from outside the normal terminal-transition
// path (a job disappearing or losing its remote status URL mid-poll).
type PollStopper interface {
	Stop(jobID string)
	StopAll()
	Wait(ctx context.Context)
}

// ProcessResolver is the slice of processmgr.Manager the Job Manager depends
// on: resolving a process reference to its canonical descriptor. Expressed
// as an interface so forwarding logic can be tested without a live
// process-discovery fetch.
type ProcessResolver interface {
	Get(ctx context.Context, idOrBare string) (process.ProcessDescriptor, error)
}

// Config wires a Manager's collaborators. Repo, Registry, Processes,
// HTTPClient and Bus are required; the other fields may be left zero.
type Config struct {
	Repo       jobstore.Repository
	Registry   *providers.Registry
	Processes  ProcessResolver
	HTTPClient *httpclient.Client
	Bus        *observer.Bus
	Scheduler  PollStopper
	Breakers   *breaker.Registry // optional; nil disables circuit breaking

	ForwardPolicy retry.Policy
	PollPolicy    retry.Policy
	PollTimeout   time.Duration // 0 disables the wall-clock deadline

	Strategies []statusderive.Strategy // defaults to statusderive.Default()
	Logger     *slog.Logger
}

// Manager is the Job Manager: the state machine, create-and-forward flow,
// poll driver, and shutdown coordinator described by the spec's §4.11.
type Manager struct {
	repo       jobstore.Repository
	registry   *providers.Registry
	processes  ProcessResolver
	http       *httpclient.Client
	bus        *observer.Bus
	scheduler  PollStopper
	breakers   *breaker.Registry
	forwardPol retry.Policy
	pollPol    retry.Policy
	pollTO     time.Duration
	strategies []statusderive.Strategy
	logger     *slog.Logger

	shuttingDown atomic.Bool
}

// New constructs a Manager from cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Repo == nil || cfg.Registry == nil || cfg.Processes == nil || cfg.HTTPClient == nil || cfg.Bus == nil {
		return nil, errors.New("jobmanager: Repo, Registry, Processes, HTTPClient, and Bus are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = statusderive.Default()
	}
	return &Manager{
		repo:       cfg.Repo,
		registry:   cfg.Registry,
		processes:  cfg.Processes,
		http:       cfg.HTTPClient,
		bus:        cfg.Bus,
		scheduler:  cfg.Scheduler,
		breakers:   cfg.Breakers,
		forwardPol: cfg.ForwardPolicy,
		pollPol:    cfg.PollPolicy,
		pollTO:     cfg.PollTimeout,
		strategies: strategies,
		logger:     logger,
	}, nil
}

// CreateAndForward resolves processRef, mints and persists a new local Job
// in the accepted state, and forwards the execution request to the
// resolved provider. It always returns a created Job and a 201 status when
// the process itself resolves — forwarding failures are expressed inside
// the returned StatusInfo, not as a returned error, per the spec's "the
// gateway always creates a local job, even on forwarding failure" rule.
func (m *Manager) CreateAndForward(ctx context.Context, processRef string, inputs json.RawMessage, _ http.Header) (*process.Job, int, http.Header, process.StatusInfo, error) {
	if m.shuttingDown.Load() {
		return nil, 0, nil, process.StatusInfo{}, gwerr.New(gwerr.ShuttingDown, "jobmanager.CreateAndForward", errors.New("gateway is shutting down"))
	}

	desc, err := m.processes.Get(ctx, processRef)
	if err != nil {
		return nil, 0, nil, process.StatusInfo{}, err
	}
	canonical, err := processid.Parse(desc.ID)
	if err != nil {
		return nil, 0, nil, process.StatusInfo{}, gwerr.New(gwerr.Internal, "jobmanager.CreateAndForward", fmt.Errorf("pipeline produced non-canonical id %q", desc.ID))
	}
	provider, ok := m.registry.Get(canonical.Provider)
	if !ok {
		return nil, 0, nil, process.StatusInfo{}, gwerr.New(gwerr.NotFound, "jobmanager.CreateAndForward", fmt.Errorf("unknown provider %q", canonical.Provider))
	}

	job := m.newAcceptedJob(desc.ID, provider.Name, inputs)
	if err := m.repo.Create(ctx, &job); err != nil {
		return nil, 0, nil, process.StatusInfo{}, gwerr.New(gwerr.Internal, "jobmanager.CreateAndForward", fmt.Errorf("persist job: %w", err))
	}
	metrics.ObserveJobCreated(provider.Name)
	m.bus.PublishJobCreated(&job, job.StatusInfo)

	execURL := strings.TrimRight(provider.BaseURL, "/") + "/processes/" + canonical.Bare + "/execution"
	start := time.Now()
	resp, ferr := m.forward(ctx, provider, execURL, inputs)
	metrics.ObserveForward(provider.Name, time.Since(start))

	if resp == nil {
		m.applyFailureMessage(ctx, &job, fmt.Sprintf("forward failed: %v", ferr))
		return &job, http.StatusCreated, locationHeader(job.ID), job.StatusInfo, nil
	}

	dc := statusderive.Context{
		ProviderBaseURL: provider.BaseURL,
		ProviderTimeout: provider.DefaultTimeout,
		Job:             &job,
		HTTPClient:      m.http,
		AuthHeaders:     process.AuthHeaders(provider),
	}
	result, derr := statusderive.Derive(ctx, dc, resp, m.strategies)
	if derr != nil {
		m.applyFailureMessage(ctx, &job, fmt.Sprintf("forward failed: %v", derr))
		return &job, http.StatusCreated, locationHeader(job.ID), job.StatusInfo, nil
	}

	m.commit(ctx, &job, result)
	return &job, http.StatusCreated, locationHeader(job.ID), job.StatusInfo, nil
}

// newAcceptedJob mints a local id and builds the initial accepted-state Job
// and its StatusInfo. remote_job_id is deliberately never set here — it
// only ever arrives from an upstream response.
func (m *Manager) newAcceptedJob(canonicalProcessID, providerName string, inputs json.RawMessage) process.Job {
	job := process.NewJob(canonicalProcessID, providerName, inputs)
	job.ID = uuid.NewString()
	job.Links = []process.Link{{Href: "/jobs/" + job.ID, Rel: "self", Type: "application/json"}}
	job.StatusInfo = process.StatusInfo{
		ProcessID: canonicalProcessID,
		Type:      "process",
		JobID:     job.ID,
		Status:    process.JobStatusAccepted,
		Created:   &job.Created,
		Updated:   &job.Updated,
		Links:     job.Links,
	}
	return job
}

// forward posts the execution request through the provider's circuit
// breaker (when configured) and the forward Retry Policy. Per the retry
// policy's contract, a non-nil resp accompanies a non-nil err exactly when
// attempts were exhausted on a retryable upstream status; the caller routes
// that case through Status Derivation same as a clean response, and only
// falls back to a synthesized diagnostic when no response was ever
// obtained (transport/timeout exhaustion, or an open breaker).
func (m *Manager) forward(ctx context.Context, provider process.Provider, url string, inputs json.RawMessage) (*httpclient.Response, error) {
	call := func() (*httpclient.Response, error) {
		return m.forwardPol.Do(ctx, func(ctx context.Context) (*httpclient.Response, error) {
			return m.http.Post(ctx, url, inputs, provider.DefaultTimeout, process.AuthHeaders(provider))
		})
	}
	if m.breakers == nil {
		return call()
	}
	resp, err := m.breakers.Do(provider.Name, call)
	if err != nil && gwerr.Is(err, gwerr.TransientUpstream) {
		metrics.IncForwardRetry(provider.Name)
	}
	return resp, err
}

// applyFailureMessage marks job failed with a diagnostic message, reusing
// the same commit path as a successful derivation so history, observers,
// and timestamp bookkeeping all go through one place.
func (m *Manager) applyFailureMessage(ctx context.Context, job *process.Job, message string) {
	m.commit(ctx, job, statusderive.Result{
		StatusInfo: process.StatusInfo{Status: process.JobStatusFailed, Message: message},
	})
}

// commit applies a derived Result to job: it enforces the terminal-state
// invariant, fills in lifecycle timestamps the strategies don't own
// (Started, Finished), persists via optimistic concurrency, and fires
// observers — skipping all of that when the meaningful fields of the
// candidate snapshot are unchanged from what's already stored, so a poll
// loop observing no real change produces no history entry and no
// notification.
func (m *Manager) commit(ctx context.Context, job *process.Job, result statusderive.Result) {
	if job.IsTerminal() {
		m.logger.Debug("ignoring status transition on terminal job", "job_id", job.ID)
		return
	}

	newStatus := result.StatusInfo.Status
	if !newStatus.Valid() {
		newStatus = process.JobStatusFailed
	}

	candidate := result.StatusInfo
	candidate.ProcessID = job.ProcessID
	candidate.JobID = job.ID
	candidate.Type = "process"
	candidate.Status = newStatus
	// job.Links (the struct field) is a construction-time convenience and is
	// never persisted; job.StatusInfo.Links is the durable record of what
	// links a job carries, so merge against that instead of the field.
	candidate.Links = mergeLinks(job.StatusInfo.Links, candidate.Links)

	// A repeated poll deriving the same status produces a candidate
	// byte-identical to what's stored; that alone must not grow history or
	// fire observers. But the very first forward response often derives
	// "accepted" again (matching the synthetic stub CreateAndForward already
	// persisted) while also being the only place remote_job_id/
	// remote_status_url are learned, so bookkeeping-only changes still need
	// to persist even when statusChanged is false.
	statusChanged := !equalSnapshot(candidate, job.StatusInfo)
	remoteChanged := (result.RemoteJobID != "" && (job.RemoteJobID == nil || *job.RemoteJobID != result.RemoteJobID)) ||
		(result.RemoteStatusURL != "" && (job.RemoteStatusURL == nil || *job.RemoteStatusURL != result.RemoteStatusURL))
	if !statusChanged && !remoteChanged {
		return
	}

	expectedUpdated := job.Updated
	now := time.Now().UTC()
	oldSnapshot := job.StatusInfo

	if job.StatusCode == process.JobStatusAccepted && newStatus != process.JobStatusAccepted && job.Started == nil {
		job.Started = &now
	}
	if newStatus.IsTerminal() && job.Finished == nil {
		job.Finished = &now
	}

	candidate.Created = &job.Created
	candidate.Started = job.Started
	candidate.Finished = job.Finished
	candidate.Updated = &now

	job.StatusCode = newStatus
	job.StatusInfo = candidate
	if result.RemoteJobID != "" {
		job.RemoteJobID = &result.RemoteJobID
	}
	if result.RemoteStatusURL != "" {
		job.RemoteStatusURL = &result.RemoteStatusURL
	}

	if err := m.repo.Update(ctx, job, expectedUpdated); err != nil {
		m.logger.Error("failed to persist job transition", "job_id", job.ID, "error", err)
		return
	}

	if !statusChanged {
		return
	}

	metrics.ObserveJobStatus(job.ProviderName, string(newStatus))
	m.bus.PublishStatusChanged(job, oldSnapshot, candidate)
	if newStatus.IsTerminal() {
		m.bus.PublishJobCompleted(job, candidate)
	}
}

// PollOnce loads the freshest state of jobID, re-derives its StatusInfo
// from the upstream remote_status_url, and applies the result. It
// implements observer.Poller, so PollingSchedulerObserver can drive it on
// a fixed interval. HTTP and derivation failures are logged and otherwise
// ignored — the loop continues until a terminal snapshot or a deadline
// ends it, never on a transient polling error.
func (m *Manager) PollOnce(ctx context.Context, jobID string) {
	start := time.Now()

	job, err := m.repo.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			m.stopPolling(jobID)
			return
		}
		m.logger.Error("poll: load job failed", "job_id", jobID, "error", err)
		return
	}
	if job.IsTerminal() {
		m.stopPolling(jobID)
		return
	}
	if job.RemoteStatusURL == nil || *job.RemoteStatusURL == "" {
		m.stopPolling(jobID)
		return
	}

	if m.pollTO > 0 && time.Since(job.Created) > m.pollTO {
		m.applyFailureMessage(ctx, job, fmt.Sprintf("poll timeout exceeded (%s since creation)", m.pollTO))
		return
	}

	provider, ok := m.registry.Get(job.ProviderName)
	if !ok {
		m.logger.Error("poll: unknown provider", "job_id", jobID, "provider", job.ProviderName)
		return
	}

	resp, err := m.pollFetch(ctx, provider, *job.RemoteStatusURL)
	metrics.ObservePoll(provider.Name, time.Since(start))
	if err != nil {
		m.logger.Warn("poll: fetch failed, retrying next interval", "job_id", jobID, "error", err)
		return
	}

	dc := statusderive.Context{
		ProviderBaseURL: provider.BaseURL,
		ProviderTimeout: provider.DefaultTimeout,
		Job:             job,
		HTTPClient:      m.http,
		AuthHeaders:     process.AuthHeaders(provider),
	}
	result, err := statusderive.Derive(ctx, dc, resp, m.strategies)
	if err != nil {
		m.logger.Warn("poll: status derivation failed, retrying next interval", "job_id", jobID, "error", err)
		return
	}

	m.commit(ctx, job, result)
}

// pollFetch is PollOnce's retryable GET, using a shallower Retry Policy
// (default max_attempts=1) since the poll loop itself supplies the retry
// cadence via its fixed interval.
func (m *Manager) pollFetch(ctx context.Context, provider process.Provider, url string) (*httpclient.Response, error) {
	call := func() (*httpclient.Response, error) {
		return m.pollPol.Do(ctx, func(ctx context.Context) (*httpclient.Response, error) {
			return m.http.Get(ctx, url, provider.DefaultTimeout, process.AuthHeaders(provider))
		})
	}
	if m.breakers == nil {
		return call()
	}
	return m.breakers.Do(provider.Name, call)
}

func (m *Manager) stopPolling(jobID string) {
	if m.scheduler != nil {
		m.scheduler.Stop(jobID)
	}
}

// Get returns the current state of a job by its local id.
func (m *Manager) Get(ctx context.Context, jobID string) (*process.Job, error) {
	job, err := m.repo.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, gwerr.New(gwerr.NotFound, "jobmanager.Get", err)
	}
	return job, err
}

// List returns jobs matching filter.
func (m *Manager) List(ctx context.Context, filter process.JobFilter) ([]*process.Job, error) {
	return m.repo.List(ctx, filter)
}

// History returns the append-only status history for a job.
func (m *Manager) History(ctx context.Context, jobID string) ([]process.StatusHistoryEntry, error) {
	return m.repo.ListStatusHistory(ctx, jobID)
}

// Results resolves where a successful job's results live: the storage mode
// configured for its process, and the upstream results URL. A caller at the
// HTTP edge uses the mode to decide how to serve the results; cmd/gateway
// answers both modes with a 302 redirect to the URL.
func (m *Manager) Results(ctx context.Context, jobID string) (process.ResultStorageMode, string, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return "", "", err
	}
	if job.StatusCode != process.JobStatusSuccessful {
		return "", "", gwerr.New(gwerr.Conflict, "jobmanager.Results", fmt.Errorf("job %s is not successful (status=%s)", jobID, job.StatusCode))
	}
	resultsURL := resultsLink(job.StatusInfo)
	if resultsURL == "" {
		return "", "", gwerr.New(gwerr.NotFound, "jobmanager.Results", fmt.Errorf("job %s has no results link", jobID))
	}

	mode := process.ResultStorageRemote
	if canonical, err := processid.Parse(job.ProcessID); err == nil {
		if provider, ok := m.registry.Get(canonical.Provider); ok {
			if policy := provider.PolicyFor(canonical.Bare); policy.ResultStorage != "" {
				mode = policy.ResultStorage
			}
		}
	}
	return mode, resultsURL, nil
}

// Downgrade is the hook ResultsVerificationObserver calls to mark an
// already-successful job failed when its results link turns out to be
// unreachable. It bypasses commit's identical-snapshot short circuit by
// construction: a failed StatusInfo never equals a successful one.
func (m *Manager) Downgrade(ctx context.Context, jobID, reason string) {
	job, err := m.repo.Get(ctx, jobID)
	if err != nil {
		m.logger.Error("downgrade: load job failed", "job_id", jobID, "error", err)
		return
	}
	// Downgrading out of a terminal state is exactly the transition the
	// spec calls out as forbidden everywhere else; this is the one
	// deliberate exception the spec grants (§4.10), so bypass commit's
	// terminal guard directly instead of teaching commit a general escape
	// hatch other callers could accidentally trigger.
	oldSnapshot := job.StatusInfo
	now := time.Now().UTC()
	job.StatusCode = process.JobStatusFailed
	job.StatusInfo.Status = process.JobStatusFailed
	job.StatusInfo.Message = reason
	job.StatusInfo.Updated = &now
	if err := m.repo.Update(ctx, job, job.Updated); err != nil {
		m.logger.Error("downgrade: persist failed", "job_id", jobID, "error", err)
		return
	}
	metrics.ObserveJobStatus(job.ProviderName, string(process.JobStatusFailed))
	m.bus.PublishStatusChanged(job, oldSnapshot, job.StatusInfo)
	m.bus.PublishJobCompleted(job, job.StatusInfo)
}

// Shutdown signals every live poll task to stop, waits up to grace for them
// to exit, and releases the HTTP client's connection pool. It is
// idempotent: a second call is a no-op. After Shutdown returns,
// CreateAndForward refuses new work with a ShuttingDown error.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	if m.scheduler != nil {
		m.scheduler.StopAll()
		waitCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		m.scheduler.Wait(waitCtx)
	}
	m.http.Close()
}

func locationHeader(jobID string) http.Header {
	h := http.Header{}
	h.Set("Location", "/jobs/"+jobID)
	return h
}

func resultsLink(si process.StatusInfo) string {
	for _, l := range si.Links {
		if l.Rel == "results" {
			return l.Href
		}
	}
	return ""
}

// mergeLinks combines a job's own links (always including self) with a
// derived snapshot's links (e.g. a results link from Immediate Results),
// preferring the derived entry when both define the same rel.
func mergeLinks(jobLinks, derived []process.Link) []process.Link {
	byRel := make(map[string]process.Link, len(jobLinks)+len(derived))
	order := make([]string, 0, len(jobLinks)+len(derived))
	for _, l := range jobLinks {
		if _, exists := byRel[l.Rel]; !exists {
			order = append(order, l.Rel)
		}
		byRel[l.Rel] = l
	}
	for _, l := range derived {
		if _, exists := byRel[l.Rel]; !exists {
			order = append(order, l.Rel)
		}
		byRel[l.Rel] = l
	}
	out := make([]process.Link, 0, len(order))
	for _, rel := range order {
		out = append(out, byRel[rel])
	}
	return out
}

// equalSnapshot compares the fields an upstream response can actually
// change. Created/Started/Finished/Updated are gateway-owned bookkeeping,
// not upstream signal, so they are deliberately excluded: otherwise every
// poll would look "different" purely because Updated advances, and the
// repeated-identical-response invariant (no history growth, no observer
// noise) would never hold.
func equalSnapshot(a, b process.StatusInfo) bool {
	if a.Status != b.Status || a.Message != b.Message || a.ProcessID != b.ProcessID {
		return false
	}
	if !equalIntPtr(a.Progress, b.Progress) {
		return false
	}
	return reflect.DeepEqual(a.Links, b.Links)
}

func equalIntPtr(a, b *int) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return *a == *b
}
