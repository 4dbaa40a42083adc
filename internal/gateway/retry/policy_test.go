package retry

import (
	"context"
	"net/http"
	"testing"
	"time"

	"ump/internal/gateway/gwerr"
	"ump/internal/gateway/httpclient"
)

func TestNewRejectsZeroAttempts(t *testing.T) {
	if _, err := New(0, time.Millisecond, time.Millisecond); err == nil {
		t.Fatal("expected error for max_attempts=0")
	}
}

func TestDoSucceedsImmediatelyOn2xx(t *testing.T) {
	p, err := New(3, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	resp, err := p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		return &httpclient.Response{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesOn503ThenSucceeds(t *testing.T) {
	p, err := New(3, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	resp, err := p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		if calls == 1 {
			return &httpclient.Response{StatusCode: 503}, nil
		}
		return &httpclient.Response{StatusCode: 201}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 201 || calls != 2 {
		t.Fatalf("status=%d calls=%d, want 201/2", resp.StatusCode, calls)
	}
}

func TestDoDoesNotRetry400(t *testing.T) {
	p, err := New(3, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	resp, err := p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		return &httpclient.Response{StatusCode: 400}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 400 || calls != 1 {
		t.Fatalf("status=%d calls=%d, want 400/1", resp.StatusCode, calls)
	}
}

func TestDoDoesNotRetry500(t *testing.T) {
	p, err := New(3, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	resp, err := p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		return &httpclient.Response{StatusCode: 500}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 500 || calls != 1 {
		t.Fatalf("status=%d calls=%d, want 500/1 (only 502/503/504/408/429 are transient)", resp.StatusCode, calls)
	}
}

func TestDoRetries408(t *testing.T) {
	p, err := New(2, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	_, err = p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		return &httpclient.Response{StatusCode: 408}, nil
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls)
	}
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestDoExhaustionSurfacesLastError(t *testing.T) {
	p, err := New(3, time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	resp, err := p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		return &httpclient.Response{StatusCode: 503, Headers: http.Header{}}, nil
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !gwerr.Is(err, gwerr.TransientUpstream) {
		t.Fatalf("expected TransientUpstream, got %v", err)
	}
	if resp == nil || resp.StatusCode != 503 {
		t.Fatalf("expected last 503 response to be returned, got %+v", resp)
	}
}

func TestDoHonorsRetryAfterHeaderWhenLonger(t *testing.T) {
	p, err := New(2, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	h := http.Header{}
	h.Set("Retry-After", "1")
	calls := 0
	_, _ = p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		if calls == 1 {
			return &httpclient.Response{StatusCode: 429, Headers: h}, nil
		}
		return &httpclient.Response{StatusCode: 200}, nil
	})
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("elapsed = %v, want >= 1s due to Retry-After", elapsed)
	}
}

func TestOneAttemptMeansNoRetry(t *testing.T) {
	p, err := New(1, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	_, _ = p.Do(context.Background(), func(ctx context.Context) (*httpclient.Response, error) {
		calls++
		return &httpclient.Response{StatusCode: 503}, nil
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
