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

package observer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ump/pkg/process"
)

// HistoryAppender is the slice of the job repository StatusHistoryObserver
// needs: append-only, monotonic per job.
type HistoryAppender interface {
	AppendStatus(ctx context.Context, jobID string, snapshot process.StatusInfo) error
}

// StatusHistoryObserver records every status transition to the job
// repository's status history table.
type StatusHistoryObserver struct {
	NoOpObserver
	store  HistoryAppender
	logger *slog.Logger
}

func NewStatusHistoryObserver(store HistoryAppender, logger *slog.Logger) *StatusHistoryObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHistoryObserver{store: store, logger: logger}
}

func (o *StatusHistoryObserver) OnJobCreated(job *process.Job, snapshot process.StatusInfo) {
	o.append(job.ID, snapshot)
}

func (o *StatusHistoryObserver) OnStatusChanged(job *process.Job, _, newSnapshot process.StatusInfo) {
	o.append(job.ID, newSnapshot)
}

func (o *StatusHistoryObserver) OnJobCompleted(job *process.Job, finalSnapshot process.StatusInfo) {
	o.append(job.ID, finalSnapshot)
}

func (o *StatusHistoryObserver) append(jobID string, snapshot process.StatusInfo) {
	if err := o.store.AppendStatus(context.Background(), jobID, snapshot); err != nil {
		o.logger.Error("failed to append status history", "job_id", jobID, "error", err)
	}
}

// Poller is the single unit of recurring work a PollingSchedulerObserver
// hands off to the Job Manager: poll the job once.
type Poller interface {
	PollOnce(ctx context.Context, jobID string)
}

// PollingSchedulerObserver ensures at most one live poll task exists per job
// id: it starts a poll loop on job creation and on every non-terminal status
// change it is a no-op (the loop already owns the job), stopping the loop
// once the job reaches a terminal state.
type PollingSchedulerObserver struct {
	NoOpObserver
	poller   Poller
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewPollingSchedulerObserver(poller Poller, interval time.Duration, logger *slog.Logger) *PollingSchedulerObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollingSchedulerObserver{
		poller:   poller,
		interval: interval,
		logger:   logger,
		active:   make(map[string]context.CancelFunc),
	}
}

func (o *PollingSchedulerObserver) OnJobCreated(job *process.Job, snapshot process.StatusInfo) {
	if snapshot.Status.IsTerminal() {
		return
	}
	o.start(job.ID)
}

func (o *PollingSchedulerObserver) OnStatusChanged(job *process.Job, _, newSnapshot process.StatusInfo) {
	if newSnapshot.Status.IsTerminal() {
		o.stop(job.ID)
	}
}

func (o *PollingSchedulerObserver) OnJobCompleted(job *process.Job, _ process.StatusInfo) {
	o.stop(job.ID)
}

// start launches a poll loop for jobID unless one is already running,
// enforcing at most one live poll task per job id.
func (o *PollingSchedulerObserver) start(jobID string) {
	o.mu.Lock()
	if _, exists := o.active[jobID]; exists {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.active[jobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(ctx, jobID)
	}()
}

func (o *PollingSchedulerObserver) stop(jobID string) {
	o.mu.Lock()
	cancel, exists := o.active[jobID]
	if exists {
		delete(o.active, jobID)
	}
	o.mu.Unlock()
	if exists {
		cancel()
	}
}

// Stop cancels the live poll task for jobID, if any. It is the exported
// form of stop, used by the Job Manager when a poll_once call discovers a
// termination condition the scheduler itself cannot see (the job was
// deleted, or lost its remote status URL).
func (o *PollingSchedulerObserver) Stop(jobID string) {
	o.stop(jobID)
}

// StopAll cancels every live poll task, used by the Job Manager's shutdown
// path. It does not wait for the tasks to exit; call Wait for that.
func (o *PollingSchedulerObserver) StopAll() {
	o.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.active))
	for _, cancel := range o.active {
		cancels = append(cancels, cancel)
	}
	o.active = make(map[string]context.CancelFunc)
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// ActiveCount reports the number of currently live poll tasks.
func (o *PollingSchedulerObserver) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Wait blocks until every poll task launched by this scheduler has exited,
// or until ctx is done, whichever comes first.
func (o *PollingSchedulerObserver) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (o *PollingSchedulerObserver) loop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poller.PollOnce(ctx, jobID)
		}
	}
}

// ResultsVerificationObserver probes the results link of terminal
// successful jobs with a HEAD (falling back to GET) request; when the
// probe fails and DowngradeOnFailure is set, it downgrades the job to
// failed by invoking Downgrade.
type ResultsVerificationObserver struct {
	NoOpObserver
	client             *http.Client
	downgrade          func(ctx context.Context, jobID, reason string)
	downgradeOnFailure bool
	timeout            time.Duration
	logger             *slog.Logger
}

func NewResultsVerificationObserver(client *http.Client, downgrade func(ctx context.Context, jobID, reason string), downgradeOnFailure bool, timeout time.Duration, logger *slog.Logger) *ResultsVerificationObserver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultsVerificationObserver{
		client:             client,
		downgrade:          downgrade,
		downgradeOnFailure: downgradeOnFailure,
		timeout:            timeout,
		logger:             logger,
	}
}

func (o *ResultsVerificationObserver) OnJobCompleted(job *process.Job, finalSnapshot process.StatusInfo) {
	if finalSnapshot.Status != process.JobStatusSuccessful {
		return
	}
	resultsURL := resultsLink(finalSnapshot)
	if resultsURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if !o.probe(ctx, resultsURL) {
		o.logger.Warn("results verification probe failed", "job_id", job.ID, "url", resultsURL)
		if o.downgradeOnFailure && o.downgrade != nil {
			o.downgrade(context.Background(), job.ID, "results verification probe failed")
		}
	}
}

func (o *ResultsVerificationObserver) probe(ctx context.Context, resultsURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, resultsURL, nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode < 400 {
			return true
		}
		if resp.StatusCode != http.StatusMethodNotAllowed {
			return false
		}
	}

	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, resultsURL, nil)
	if err != nil {
		return false
	}
	getResp, err := o.client.Do(getReq)
	if err != nil {
		return false
	}
	defer getResp.Body.Close()
	return getResp.StatusCode < 400
}

func resultsLink(si process.StatusInfo) string {
	for _, l := range si.Links {
		if l.Rel == "results" {
			return l.Href
		}
	}
	return ""
}
