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

// Package httpclient is the gateway's sole HTTP Client Port: a thin,
// shared-pool wrapper around net/http that returns a uniform Response and
// maps transport-level failures onto the gwerr taxonomy instead of raising
// for upstream 4xx/5xx, which are returned verbatim for the caller to
// classify.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"ump/internal/gateway/gwerr"
)

// Response is the uniform result of a Client call. Body holds the decoded
// JSON value when the response content type is JSON and parsing succeeded;
// otherwise it is nil. RawBody always holds the raw bytes.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       any
	RawBody    []byte
}

// JSON unmarshals RawBody into out.
func (r *Response) JSON(out any) error {
	return json.Unmarshal(r.RawBody, out)
}

// Client is the HTTP Client Port used by every outbound call the gateway
// makes to a Provider.
type Client struct {
	hc *http.Client
}

// Config tunes the shared transport. InsecureTLS should only ever be set
// for local development against self-signed upstreams.
type Config struct {
	InsecureTLS bool
}

// New constructs a Client with a shared connection pool. The pool is
// released by Close, which should be called once at shutdown.
func New(cfg Config) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureTLS,
			MinVersion:         tls.VersionTLS12,
		},
	}
	return &Client{hc: &http.Client{Transport: transport}}
}

// Close releases the connection pool. Safe to call once at shutdown; the
// Client must not be used afterwards.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}

// Get issues a GET request, applying the given timeout and headers.
func (c *Client) Get(ctx context.Context, rawURL string, timeout time.Duration, headers http.Header) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, timeout, headers)
}

// Post issues a POST request with the given JSON-serializable body.
func (c *Client) Post(ctx context.Context, rawURL string, body any, timeout time.Duration, headers http.Header) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, gwerr.New(gwerr.Internal, "httpclient.Post", fmt.Errorf("marshal body: %w", err))
		}
		payload = b
	}
	return c.do(ctx, http.MethodPost, rawURL, payload, timeout, headers)
}

func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte, timeout time.Duration, headers http.Header) (*Response, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, gwerr.New(gwerr.InvalidInput, "httpclient.do", fmt.Errorf("invalid url %q: %w", rawURL, err))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var rdr io.Reader
	if len(payload) > 0 {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return nil, gwerr.New(gwerr.Internal, "httpclient.do", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if len(payload) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, gwerr.New(gwerr.TimeoutError, "httpclient.do", err)
		}
		return nil, gwerr.New(gwerr.TransportError, "httpclient.do", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerr.New(gwerr.TransportError, "httpclient.do", fmt.Errorf("read body: %w", err))
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, RawBody: data}
	if looksLikeJSON(resp.Header.Get("Content-Type")) && len(data) > 0 {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			out.Body = v
		}
		// A caller that strictly requires JSON distinguishes a parse
		// failure from out.Body == nil; it is not this port's job to
		// raise BadGatewayError preemptively, only when JSON was
		// mandatory for that specific call (left to the caller).
	}
	return out, nil
}

func looksLikeJSON(contentType string) bool {
	return contentType == "" /* some providers omit it but still send JSON */ ||
		containsJSON(contentType)
}

func containsJSON(ct string) bool {
	for i := 0; i+4 <= len(ct); i++ {
		if ct[i:i+4] == "json" {
			return true
		}
	}
	return false
}

// RequireJSON returns BadGatewayError when the response's Body was not
// decoded as JSON, for callers to whom a structured body is mandatory.
func RequireJSON(resp *Response) error {
	if resp.Body == nil && len(resp.RawBody) > 0 {
		return gwerr.New(gwerr.BadGatewayError, "httpclient.RequireJSON", errors.New("non-JSON body from upstream"))
	}
	return nil
}
