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

// Package metrics exposes the gateway's Prometheus instrumentation: job
// lifecycle counters, forward/poll durations, and retry counts, grouped by
// provider.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsCreated     *prometheus.CounterVec
	jobStatusTotal  *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	forwardRetries  *prometheus.CounterVec
	pollDuration    *prometheus.HistogramVec
	activePolls     prometheus.Gauge
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests to
// ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus
// format, suitable for mounting at /metrics.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobCreated increments the per-provider job creation counter.
func ObserveJobCreated(provider string) {
	label := sanitizeLabel(provider)
	mu.RLock()
	defer mu.RUnlock()
	if jobsCreated != nil {
		jobsCreated.WithLabelValues(label).Inc()
	}
}

// ObserveJobStatus increments the per-provider, per-status counter by one
// for an observed job status, terminal or not.
func ObserveJobStatus(provider, status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobStatusTotal != nil {
		jobStatusTotal.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(status)).Inc()
	}
}

// ObserveForward records a completed forward-to-provider call's duration.
func ObserveForward(provider string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if forwardDuration != nil {
		forwardDuration.WithLabelValues(sanitizeLabel(provider)).Observe(durationSeconds(duration))
	}
}

// IncForwardRetry increments the per-provider counter of forward calls that
// ended in a transient upstream failure. It counts calls, not individual
// retry attempts, and poll calls are not counted.
func IncForwardRetry(provider string) {
	mu.RLock()
	defer mu.RUnlock()
	if forwardRetries != nil {
		forwardRetries.WithLabelValues(sanitizeLabel(provider)).Inc()
	}
}

// ObservePoll records a single poll_once call's duration for a provider.
func ObservePoll(provider string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if pollDuration != nil {
		pollDuration.WithLabelValues(sanitizeLabel(provider)).Observe(durationSeconds(duration))
	}
}

// SetActivePolls reports the current number of live poll tasks.
func SetActivePolls(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if activePolls != nil {
		activePolls.Set(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	created := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ump",
		Subsystem: "jobs",
		Name:      "created_total",
		Help:      "Total jobs created, grouped by provider.",
	}, []string{"provider"})

	statusTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ump",
		Subsystem: "jobs",
		Name:      "status_total",
		Help:      "Total status observations, grouped by provider and status.",
	}, []string{"provider", "status"})

	fwdDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ump",
		Subsystem: "jobs",
		Name:      "forward_duration_seconds",
		Help:      "Duration of the initial forward-to-provider execution call.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"provider"})

	fwdRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ump",
		Subsystem: "jobs",
		Name:      "forward_retries_total",
		Help:      "Total forward calls that ended in a transient upstream failure, grouped by provider.",
	}, []string{"provider"})

	pollDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ump",
		Subsystem: "jobs",
		Name:      "poll_duration_seconds",
		Help:      "Duration of a single poll_once call, grouped by provider.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	polls := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ump",
		Subsystem: "jobs",
		Name:      "active_polls",
		Help:      "Current number of live poll tasks.",
	})

	registry.MustRegister(created, statusTotal, fwdDuration, fwdRetries, pollDur, polls)

	reg = registry
	jobsCreated = created
	jobStatusTotal = statusTotal
	forwardDuration = fwdDuration
	forwardRetries = fwdRetries
	pollDuration = pollDur
	activePolls = polls
}

func sanitizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
