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

// Package statusderive converts an upstream HTTP response into a canonical
// StatusInfo via a priority-ordered list of strategies, avoiding a
// cascading if/else in favor of an explicit {applies, derive} table.
package statusderive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"ump/internal/gateway/httpclient"
	"ump/pkg/process"
)

// Context carries what a Strategy needs beyond the raw response.
type Context struct {
	ProviderBaseURL string
	ProviderTimeout time.Duration
	Job             *process.Job
	HTTPClient      *httpclient.Client
	AuthHeaders     http.Header
}

// Result is the outcome of a successful derivation.
type Result struct {
	StatusInfo      process.StatusInfo
	RemoteJobID     string
	RemoteStatusURL string
}

// Strategy is one rule for converting an upstream response into a Result.
type Strategy interface {
	Applies(ctx context.Context, dc Context, resp *httpclient.Response) bool
	Derive(ctx context.Context, dc Context, resp *httpclient.Response) (Result, error)
}

// Default returns the four strategies in the spec's mandated priority
// order: direct StatusInfo, immediate results, location follow-up,
// fallback failure. Fallback Failure is a catch-all and must remain last.
func Default() []Strategy {
	return []Strategy{
		directStatusInfo{},
		immediateResults{},
		locationFollowUp{},
		fallbackFailure{},
	}
}

// Derive runs strategies in order and applies the first one whose Applies
// returns true.
func Derive(ctx context.Context, dc Context, resp *httpclient.Response, strategies []Strategy) (Result, error) {
	for _, s := range strategies {
		if s.Applies(ctx, dc, resp) {
			return s.Derive(ctx, dc, resp)
		}
	}
	// fallbackFailure.Applies always returns true, so this is unreachable
	// as long as Default() is used, but keep a safety net for custom lists.
	return fallbackFailure{}.Derive(ctx, dc, resp)
}

func bodyAsStatusInfo(resp *httpclient.Response) (map[string]any, bool) {
	m, ok := resp.Body.(map[string]any)
	if !ok {
		return nil, false
	}
	_, hasJobID := m["jobID"]
	_, hasStatus := m["status"]
	if !hasJobID || !hasStatus {
		return nil, false
	}
	return m, true
}

// --- Strategy 1: Direct StatusInfo ---

type directStatusInfo struct{}

func (directStatusInfo) Applies(_ context.Context, _ Context, resp *httpclient.Response) bool {
	_, ok := bodyAsStatusInfo(resp)
	return ok
}

func (directStatusInfo) Derive(_ context.Context, dc Context, resp *httpclient.Response) (Result, error) {
	m, _ := bodyAsStatusInfo(resp)
	si, err := statusInfoFromMap(dc, m)
	if err != nil {
		return Result{}, err
	}
	remoteID, _ := m["jobID"].(string)
	res := Result{StatusInfo: si, RemoteJobID: remoteID}
	if loc := resp.Headers.Get("Location"); loc != "" {
		res.RemoteStatusURL = resolveURL(dc.ProviderBaseURL, loc)
	}
	return res, nil
}

// --- Strategy 2: Immediate Results ---

type immediateResults struct{}

func (immediateResults) Applies(_ context.Context, _ Context, resp *httpclient.Response) bool {
	m, ok := resp.Body.(map[string]any)
	if !ok {
		return false
	}
	_, hasOutputs := m["outputs"]
	_, hasStatus := m["status"]
	return hasOutputs && !hasStatus
}

func (immediateResults) Derive(_ context.Context, dc Context, resp *httpclient.Response) (Result, error) {
	progress := 100
	now := time.Now().UTC()
	si := process.StatusInfo{
		ProcessID: dc.Job.ProcessID,
		Type:      "process",
		JobID:     dc.Job.ID,
		Status:    process.JobStatusSuccessful,
		Progress:  &progress,
		Finished:  &now,
		Links: []process.Link{
			{Href: "/jobs/" + dc.Job.ID + "/results", Rel: "results"},
		},
	}
	return Result{StatusInfo: si}, nil
}

// --- Strategy 3: Location Follow-up ---

type locationFollowUp struct{}

func (locationFollowUp) Applies(_ context.Context, _ Context, resp *httpclient.Response) bool {
	if _, ok := bodyAsStatusInfo(resp); ok {
		return false
	}
	if m, ok := resp.Body.(map[string]any); ok {
		if _, hasOutputs := m["outputs"]; hasOutputs {
			return false
		}
	}
	return resp.Headers.Get("Location") != ""
}

func (locationFollowUp) Derive(ctx context.Context, dc Context, resp *httpclient.Response) (Result, error) {
	resolved := resolveURL(dc.ProviderBaseURL, resp.Headers.Get("Location"))
	followed, err := dc.HTTPClient.Get(ctx, resolved, dc.ProviderTimeout, dc.AuthHeaders)
	if err != nil {
		return Result{RemoteStatusURL: resolved}, fmt.Errorf("statusderive: location follow-up: %w", err)
	}
	for _, s := range []Strategy{directStatusInfo{}, immediateResults{}} {
		if s.Applies(ctx, dc, followed) {
			res, err := s.Derive(ctx, dc, followed)
			res.RemoteStatusURL = resolved
			return res, err
		}
	}
	res, err := fallbackFailure{}.Derive(ctx, dc, followed)
	res.RemoteStatusURL = resolved
	return res, err
}

// --- Strategy 4: Fallback Failure (catch-all) ---

type fallbackFailure struct{}

func (fallbackFailure) Applies(context.Context, Context, *httpclient.Response) bool { return true }

func (fallbackFailure) Derive(_ context.Context, dc Context, resp *httpclient.Response) (Result, error) {
	excerpt := string(resp.RawBody)
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}
	si := process.StatusInfo{
		ProcessID: dc.Job.ProcessID,
		Type:      "process",
		JobID:     dc.Job.ID,
		Status:    process.JobStatusFailed,
		Message:   fmt.Sprintf("upstream status %d: %s", resp.StatusCode, excerpt),
	}
	return Result{StatusInfo: si}, nil
}

// statusInfoFromMap builds a StatusInfo from a decoded upstream body,
// mapping an unknown status value to failed per the spec's resolution
// edge case rather than propagating it unchecked.
func statusInfoFromMap(dc Context, m map[string]any) (process.StatusInfo, error) {
	statusStr, _ := m["status"].(string)
	status := process.JobStatus(statusStr)
	message := ""
	if !status.Valid() {
		message = fmt.Sprintf("unknown upstream status %q", statusStr)
		status = process.JobStatusFailed
	}
	si := process.StatusInfo{
		ProcessID: dc.Job.ProcessID,
		Type:      "process",
		JobID:     dc.Job.ID,
		Status:    status,
		Message:   message,
	}
	if p, ok := m["progress"]; ok {
		if pf, ok := p.(float64); ok {
			pi := int(pf)
			si.Progress = &pi
		}
	}
	if rawLinks, ok := m["links"]; ok {
		if links, ok := rawLinks.([]any); ok {
			si.Links = linksFromAny(links)
		}
	}
	return si, nil
}

// linksFromAny decodes a JSON-decoded []any (as produced by
// encoding/json's map[string]any unmarshaling) into []process.Link,
// skipping entries that aren't link-shaped objects instead of failing the
// whole derivation over one malformed link.
func linksFromAny(raw []any) []process.Link {
	out := make([]process.Link, 0, len(raw))
	for _, r := range raw {
		obj, ok := r.(map[string]any)
		if !ok {
			continue
		}
		href, _ := obj["href"].(string)
		if href == "" {
			continue
		}
		rel, _ := obj["rel"].(string)
		typ, _ := obj["type"].(string)
		title, _ := obj["title"].(string)
		out = append(out, process.Link{Href: href, Rel: rel, Type: typ, Title: title})
	}
	return out
}

// resolveURL resolves loc against base, handling both absolute and
// root-relative forms. A Location header whose host differs from the
// provider is still followed as-is; the resolved URL is stored verbatim.
func resolveURL(base, loc string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return loc
	}
	locURL, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	return baseURL.ResolveReference(locURL).String()
}
