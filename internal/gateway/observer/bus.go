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

// Package observer implements the job-lifecycle Observer Bus: a sequential,
// error-isolated publish mechanism over an explicit capability interface,
// rather than reflection-based duck typing.
package observer

import (
	"log/slog"

	"ump/pkg/process"
)

// Observer is the capability set a subscriber may implement any subset of.
// Concrete observers embed one of the NoOp* helpers for the methods they
// don't care about.
type Observer interface {
	OnJobCreated(job *process.Job, snapshot process.StatusInfo)
	OnStatusChanged(job *process.Job, oldSnapshot, newSnapshot process.StatusInfo)
	OnJobCompleted(job *process.Job, finalSnapshot process.StatusInfo)
}

// NoOpObserver is embedded by observers that only implement a subset of
// Observer, satisfying the rest with no-ops.
type NoOpObserver struct{}

func (NoOpObserver) OnJobCreated(*process.Job, process.StatusInfo)                       {}
func (NoOpObserver) OnStatusChanged(*process.Job, process.StatusInfo, process.StatusInfo) {}
func (NoOpObserver) OnJobCompleted(*process.Job, process.StatusInfo)                     {}

// Bus sequentially invokes registered observers in registration order,
// isolating each from the others' and from its own panics.
type Bus struct {
	observers []Observer
	logger    *slog.Logger
}

// NewBus constructs an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register appends an observer. Registration order is invocation order.
func (b *Bus) Register(o Observer) {
	b.observers = append(b.observers, o)
}

// PublishJobCreated fires OnJobCreated on every observer in order. Per-job,
// this always fires before the first PublishStatusChanged.
func (b *Bus) PublishJobCreated(job *process.Job, snapshot process.StatusInfo) {
	for _, o := range b.observers {
		b.safeCall("on_job_created", job.ID, func() { o.OnJobCreated(job, snapshot) })
	}
}

// PublishStatusChanged fires OnStatusChanged on every observer in order.
func (b *Bus) PublishStatusChanged(job *process.Job, oldSnapshot, newSnapshot process.StatusInfo) {
	for _, o := range b.observers {
		b.safeCall("on_status_changed", job.ID, func() { o.OnStatusChanged(job, oldSnapshot, newSnapshot) })
	}
}

// PublishJobCompleted fires OnJobCompleted on every observer in order.
func (b *Bus) PublishJobCompleted(job *process.Job, finalSnapshot process.StatusInfo) {
	for _, o := range b.observers {
		b.safeCall("on_job_completed", job.ID, func() { o.OnJobCompleted(job, finalSnapshot) })
	}
}

// safeCall isolates a single observer invocation: panics and (by contract)
// any error an observer might otherwise propagate are caught and logged,
// never re-raised to the Job Manager.
func (b *Bus) safeCall(event, jobID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked, isolating", "event", event, "job_id", jobID, "panic", r)
		}
	}()
	fn()
}
