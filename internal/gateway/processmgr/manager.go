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

// Package processmgr implements process discovery: concurrent fan-out
// across providers, the handler pipeline, and the two-tier cache.
//
// The fan-out here is a plain goroutine/WaitGroup/mutex join. No library
// in the retrieved examples offers a fan-out/scatter-gather helper — the
// pack's concurrency primitives are all domain-specific (worker pools,
// pollers) rather than generic fan-out — so this is the one place the
// gateway falls back to the standard library by necessity rather than
// choice.
package processmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ump/internal/gateway/cache"
	"ump/internal/gateway/gwerr"
	"ump/internal/gateway/httpclient"
	"ump/internal/gateway/pipeline"
	"ump/internal/gateway/processid"
	"ump/internal/gateway/providers"
	"ump/pkg/process"
)

// Manager implements process discovery over the Providers Registry.
type Manager struct {
	registry   *providers.Registry
	http       *httpclient.Client
	pipeline   *pipeline.Pipeline
	logger     *slog.Logger
	listCache  *cache.TTLCache[string, []process.ProcessSummary]
	descCache  *cache.DescriptorCache[process.ProcessDescriptor]
	cacheTTL   time.Duration
}

// New constructs a Manager. cacheTTL applies to both the list and
// descriptor caches, per the spec's shared UMP_PROCESS_CACHE_TTL_S knob.
func New(registry *providers.Registry, httpClient *httpclient.Client, pl *pipeline.Pipeline, cacheTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  registry,
		http:      httpClient,
		pipeline:  pl,
		logger:    logger,
		listCache: cache.New[string, []process.ProcessSummary](256, cacheTTL),
		descCache: cache.NewDescriptorCache[process.ProcessDescriptor](1024, cacheTTL),
		cacheTTL:  cacheTTL,
	}
}

// ListAll fetches /processes from every configured provider concurrently,
// with independent per-provider failure isolation, pipelining and caching
// each provider's list separately, and returns the combined result.
func (m *Manager) ListAll(ctx context.Context) []process.ProcessSummary {
	providerList := m.registry.List()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []process.ProcessSummary
	)
	wg.Add(len(providerList))
	for _, p := range providerList {
		p := p
		go func() {
			defer wg.Done()
			summaries := m.listForProvider(ctx, p)
			mu.Lock()
			all = append(all, summaries...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return all
}

func (m *Manager) listForProvider(ctx context.Context, p process.Provider) []process.ProcessSummary {
	if cached, ok := m.listCache.Get(p.Name); ok {
		return cached
	}

	resp, err := m.http.Get(ctx, p.BaseURL+"/processes", p.DefaultTimeout, authHeaders(p))
	if err != nil {
		m.logger.Warn("process list fetch failed, contributing empty list", "provider", p.Name, "error", err)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warn("process list fetch returned non-2xx, contributing empty list", "provider", p.Name, "status", resp.StatusCode)
		return nil
	}

	var body struct {
		Processes []process.ProcessDescriptor `json:"processes"`
	}
	if err := resp.JSON(&body); err != nil {
		m.logger.Warn("process list decode failed, contributing empty list", "provider", p.Name, "error", err)
		return nil
	}

	summaries := make([]process.ProcessSummary, 0, len(body.Processes))
	for i := range body.Processes {
		d := body.Processes[i]
		if !m.pipeline.Apply(&d, p.Name, p.BaseURL) {
			continue
		}
		summaries = append(summaries, d.ProcessSummary)
		m.descCache.Put(d.ID, bareOf(d.ID), d)
	}
	m.listCache.Put(p.Name, summaries)
	return summaries
}

// Get resolves a canonical or bare process id to its full descriptor.
func (m *Manager) Get(ctx context.Context, idOrBare string) (process.ProcessDescriptor, error) {
	if id, err := processid.Parse(idOrBare); err == nil {
		return m.getCanonical(ctx, id)
	}
	return m.getBare(ctx, idOrBare)
}

func (m *Manager) getCanonical(ctx context.Context, id processid.ID) (process.ProcessDescriptor, error) {
	if d, ok := m.descCache.Get(id.String()); ok {
		return d, nil
	}
	p, ok := m.registry.Get(id.Provider)
	if !ok {
		return process.ProcessDescriptor{}, gwerr.New(gwerr.NotFound, "processmgr.Get", fmt.Errorf("unknown provider %q", id.Provider))
	}
	d, err := m.fetchDescriptor(ctx, p, id.Bare)
	if err != nil {
		return process.ProcessDescriptor{}, err
	}
	m.descCache.Put(d.ID, id.Bare, d)
	return d, nil
}

// getBare iterates providers in registry order and returns the first match
// whose list contains the bare id (first-match-wins, a documented known
// deficiency the spec asks implementations to preserve rather than guess
// past).
func (m *Manager) getBare(ctx context.Context, bare string) (process.ProcessDescriptor, error) {
	for _, p := range m.registry.List() {
		if d, ok := m.descCache.Get(processid.Compose(p.Name, bare)); ok {
			return d, nil
		}
		summaries := m.listForProvider(ctx, p)
		for _, s := range summaries {
			if bareOf(s.ID) != bare {
				continue
			}
			d, err := m.fetchDescriptor(ctx, p, bare)
			if err != nil {
				// Descriptor endpoint failed; synthesize from the summary
				// rather than treating the whole lookup as a miss.
				d = process.ProcessDescriptor{ProcessSummary: s}
			}
			m.descCache.Put(d.ID, bare, d)
			return d, nil
		}
	}
	return process.ProcessDescriptor{}, gwerr.New(gwerr.NotFound, "processmgr.Get", fmt.Errorf("no provider has process %q", bare))
}

func (m *Manager) fetchDescriptor(ctx context.Context, p process.Provider, bare string) (process.ProcessDescriptor, error) {
	resp, err := m.http.Get(ctx, p.BaseURL+"/processes/"+bare, p.DefaultTimeout, authHeaders(p))
	if err != nil {
		return process.ProcessDescriptor{}, gwerr.New(gwerr.NotFound, "processmgr.fetchDescriptor", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return process.ProcessDescriptor{}, gwerr.New(gwerr.NotFound, "processmgr.fetchDescriptor", fmt.Errorf("provider %s has no process %q", p.Name, bare))
	}
	var d process.ProcessDescriptor
	if err := resp.JSON(&d); err != nil {
		return process.ProcessDescriptor{}, gwerr.New(gwerr.BadGatewayError, "processmgr.fetchDescriptor", err)
	}
	if !m.pipeline.Apply(&d, p.Name, p.BaseURL) {
		return process.ProcessDescriptor{}, gwerr.New(gwerr.NotFound, "processmgr.fetchDescriptor", fmt.Errorf("process %q dropped by pipeline", bare))
	}
	return d, nil
}

func bareOf(canonicalID string) string {
	id, err := processid.Parse(canonicalID)
	if err != nil {
		return canonicalID
	}
	return id.Bare
}

// authHeaders is an alias kept local so call sites in this file read
// naturally; the actual construction lives in pkg/process so jobmanager can
// share it without importing processmgr.
func authHeaders(p process.Provider) http.Header {
	return process.AuthHeaders(p)
}
