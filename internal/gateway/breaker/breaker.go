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

// Package breaker layers a per-provider circuit breaker in front of the
// Retry Policy so a provider already known to be down fails fast instead of
// re-running the full backoff ladder on every job.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"ump/internal/gateway/gwerr"
	"ump/internal/gateway/httpclient"
)

// Registry lazily creates and caches one breaker per provider name.
type Registry struct {
	cooldown time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*httpclient.Response]
}

// NewRegistry builds a breaker Registry. cooldown is the time the breaker
// stays open before allowing a half-open probe.
func NewRegistry(cooldown time.Duration) *Registry {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Registry{
		cooldown: cooldown,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*httpclient.Response]),
	}
}

func (r *Registry) breakerFor(provider string) *gobreaker.CircuitBreaker[*httpclient.Response] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[*httpclient.Response](gobreaker.Settings{
		Name:    provider,
		Timeout: r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	r.breakers[provider] = b
	return b
}

// Do runs fn through the named provider's breaker. When the breaker is
// open, fn is not invoked and a TransientUpstream error is returned so the
// caller's existing forward-failure path handles it without new branches.
// Any other error is returned together with the response fn produced.
func (r *Registry) Do(provider string, fn func() (*httpclient.Response, error)) (*httpclient.Response, error) {
	b := r.breakerFor(provider)
	resp, err := b.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, gwerr.New(gwerr.TransientUpstream, "breaker.Do", err)
		}
		return resp, err
	}
	return resp, nil
}

// State returns the current state name of the named provider's breaker, or
// "closed" if no breaker has been created for it yet (nothing has failed).
func (r *Registry) State(provider string) string {
	r.mu.Lock()
	b, ok := r.breakers[provider]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return b.State().String()
}
