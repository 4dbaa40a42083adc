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

// Package pipeline applies the ordered, idempotent transforms every raw
// upstream process document passes through before entering any cache.
package pipeline

import (
	"log/slog"
	"strings"

	"ump/internal/gateway/processid"
	"ump/pkg/process"
)

// Handler transforms a descriptor in place, or reports ok=false to signal
// the document should be dropped (e.g. an unrecoverable id).
type Handler func(d *process.ProcessDescriptor, providerName, providerBaseURL string) (ok bool)

// Pipeline is an ordered, idempotent sequence of Handlers.
type Pipeline struct {
	handlers []Handler
	logger   *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLinkRewrite enables the conditional link-rewrite handler, replacing
// any link whose href is prefixed by the provider's base URL with
// publicBaseURL, preserving the remainder of the URL verbatim.
func WithLinkRewrite(publicBaseURL string) Option {
	return func(p *Pipeline) {
		p.handlers = append(p.handlers, linkRewriteHandler(publicBaseURL))
	}
}

// New builds the standard pipeline: id enforcement, fill-defaults,
// sanitize-metadata, and any additional Options (link rewrite) appended in
// the order given. Options are appended after the first three mandatory
// stages, matching the source's fixed stage ordering.
func New(logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		logger: logger,
		handlers: []Handler{
			idEnforcementHandler(logger),
			fillDefaultsHandler(),
			sanitizeMetadataHandler(logger),
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply runs every handler in order, returning ok=false if any handler
// dropped the document.
func (p *Pipeline) Apply(d *process.ProcessDescriptor, providerName, providerBaseURL string) bool {
	for _, h := range p.handlers {
		if !h(d, providerName, providerBaseURL) {
			return false
		}
	}
	return true
}

// idEnforcementHandler overwrites the upstream id with the canonical
// {provider}:{bare_id} form, dropping documents whose bare id is missing or
// malformed.
func idEnforcementHandler(logger *slog.Logger) Handler {
	return func(d *process.ProcessDescriptor, providerName, _ string) bool {
		bare := d.ID
		if i := strings.IndexByte(bare, ':'); i >= 0 {
			// Already canonical-shaped (e.g. re-running the pipeline);
			// take the bare half so the handler stays idempotent.
			bare = bare[i+1:]
		}
		canonical := processid.Compose(providerName, bare)
		if _, err := processid.Parse(canonical); err != nil {
			logger.Debug("dropping process document with malformed id", "provider", providerName, "raw_id", d.ID)
			return false
		}
		d.ID = canonical
		return true
	}
}

// fillDefaultsHandler injects the OGC-mandated defaults when absent.
func fillDefaultsHandler() Handler {
	return func(d *process.ProcessDescriptor, _, _ string) bool {
		if d.Version == "" {
			d.Version = "1.0.0"
		}
		if len(d.JobControlOptions) == 0 {
			d.JobControlOptions = []string{"async-execute"}
		}
		if len(d.OutputTransmission) == 0 {
			d.OutputTransmission = []string{"reference", "value"}
		}
		hasSelf := false
		for _, l := range d.Links {
			if l.Rel == "self" {
				hasSelf = true
				break
			}
		}
		if !hasSelf {
			d.Links = append(d.Links, process.Link{Href: "/processes/" + d.ID, Rel: "self", Type: "application/json"})
		}
		return true
	}
}

// sanitizeMetadataHandler removes any metadata entry that is not a mapping.
func sanitizeMetadataHandler(logger *slog.Logger) Handler {
	return func(d *process.ProcessDescriptor, providerName, _ string) bool {
		if len(d.Metadata) == 0 {
			return true
		}
		kept := d.Metadata[:0]
		for _, m := range d.Metadata {
			if _, ok := m.(map[string]any); ok {
				kept = append(kept, m)
			} else {
				logger.Debug("dropping malformed metadata entry", "provider", providerName, "process_id", d.ID)
			}
		}
		d.Metadata = kept
		return true
	}
}

// linkRewriteHandler replaces the provider base URL prefix of every link
// href with the gateway's public base URL, preserving query and fragment.
func linkRewriteHandler(publicBaseURL string) Handler {
	return func(d *process.ProcessDescriptor, _, providerBaseURL string) bool {
		if providerBaseURL == "" {
			return true
		}
		for i, l := range d.Links {
			if strings.HasPrefix(l.Href, providerBaseURL) {
				d.Links[i].Href = publicBaseURL + strings.TrimPrefix(l.Href, providerBaseURL)
			}
		}
		return true
	}
}
