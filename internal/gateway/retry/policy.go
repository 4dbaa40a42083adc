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

// Package retry wraps a call producing an *httpclient.Response with bounded,
// jittered exponential backoff. The policy only decides whether to retry;
// interpreting a final failure is left to the caller.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"ump/internal/gateway/gwerr"
	"ump/internal/gateway/httpclient"
)

// Policy holds the retry schedule. Zero-value Policy is invalid; use New.
type Policy struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
}

// New constructs a Policy, rejecting the zero-attempts misconfiguration the
// spec forbids.
func New(maxAttempts int, baseWait, maxWait time.Duration) (Policy, error) {
	if maxAttempts < 1 {
		return Policy{}, errors.New("retry: max_attempts must be >= 1")
	}
	if baseWait <= 0 {
		baseWait = time.Second
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return Policy{MaxAttempts: maxAttempts, BaseWait: baseWait, MaxWait: maxWait}, nil
}

// Call is the signature of a single retryable attempt.
type Call func(ctx context.Context) (*httpclient.Response, error)

// Do runs call up to MaxAttempts times, sleeping between attempts per the
// backoff schedule, stopping early on success or a non-retryable failure.
func (p Policy) Do(ctx context.Context, call Call) (*httpclient.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		resp, err := call(ctx)
		if err != nil {
			lastErr = err
			if !transientError(err) || attempt == p.MaxAttempts {
				return nil, lastErr
			}
			if !sleep(ctx, p.backoff(attempt, nil)) {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if !gwerr.Retryable(resp.StatusCode) {
			return resp, nil
		}
		lastErr = gwerr.New(gwerr.TransientUpstream, "retry.Do", httpStatusError(resp.StatusCode))
		if attempt == p.MaxAttempts {
			return resp, lastErr
		}
		if !sleep(ctx, p.backoff(attempt, resp.Headers)) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func transientError(err error) bool {
	return gwerr.Is(err, gwerr.TransportError) || gwerr.Is(err, gwerr.TimeoutError)
}

func httpStatusError(code int) error {
	return errors.New("upstream status " + strconv.Itoa(code))
}

// backoff computes min(base*2^(n-1), max) plus jitter, honoring an upstream
// Retry-After header when it asks for longer than the computed delay.
func (p Policy) backoff(attempt int, headers http.Header) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseWait << (attempt - 1)
	if d > p.MaxWait || d <= 0 {
		d = p.MaxWait
	}
	if jitterRange := int64(d) / 5; jitterRange > 0 {
		d += time.Duration(rand.Int63n(jitterRange))
	}
	if headers != nil {
		if ra, ok := parseRetryAfter(headers.Get("Retry-After"), time.Now()); ok && ra > d {
			d = ra
		}
	}
	return d
}

func parseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(header); err == nil {
		if when.After(now) {
			return when.Sub(now), true
		}
		return 0, true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
