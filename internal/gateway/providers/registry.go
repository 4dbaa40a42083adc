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

// Package providers holds the read-only Providers Registry: an atomically
// swappable, immutable snapshot of the federated Provider set.
package providers

import (
	"sync/atomic"

	"ump/internal/gateway/processid"
	"ump/pkg/process"
)

type snapshot struct {
	byName []process.Provider
	index  map[string]process.Provider
}

// Registry is the read-only accessor described by the Providers Registry
// component: Get, List, Resolve. A background reloader may call Swap to
// atomically replace the whole snapshot; in-flight callers always see a
// consistent view because they read through a single pointer load.
type Registry struct {
	ptr atomic.Pointer[snapshot]
}

// NewRegistry constructs a Registry holding the given providers. Registry
// order is preserved for the first-match-wins bare-id resolution policy.
func NewRegistry(initial []process.Provider) *Registry {
	r := &Registry{}
	r.Swap(initial)
	return r
}

// Swap atomically replaces the registry's contents.
func (r *Registry) Swap(providers []process.Provider) {
	idx := make(map[string]process.Provider, len(providers))
	ordered := make([]process.Provider, len(providers))
	copy(ordered, providers)
	for _, p := range ordered {
		idx[p.Name] = p
	}
	r.ptr.Store(&snapshot{byName: ordered, index: idx})
}

// Get returns the provider registered under name, if any.
func (r *Registry) Get(name string) (process.Provider, bool) {
	s := r.ptr.Load()
	if s == nil {
		return process.Provider{}, false
	}
	p, ok := s.index[name]
	return p, ok
}

// List returns all providers in registry order. The returned slice is a
// fresh copy safe for the caller to retain.
func (r *Registry) List() []process.Provider {
	s := r.ptr.Load()
	if s == nil {
		return nil
	}
	out := make([]process.Provider, len(s.byName))
	copy(out, s.byName)
	return out
}

// Resolve looks up the provider named by a canonical process id's provider
// component.
func (r *Registry) Resolve(canonicalID string) (process.Provider, bool) {
	id, err := processid.Parse(canonicalID)
	if err != nil {
		return process.Provider{}, false
	}
	return r.Get(id.Provider)
}
