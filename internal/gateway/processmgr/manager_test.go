package processmgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ump/internal/gateway/httpclient"
	"ump/internal/gateway/pipeline"
	"ump/internal/gateway/providers"
	"ump/pkg/process"
)

func newTestManager(t *testing.T, srv *httptest.Server) (*Manager, *providers.Registry) {
	t.Helper()
	reg := providers.NewRegistry([]process.Provider{
		{Name: "ms1", BaseURL: srv.URL, DefaultTimeout: time.Second},
	})
	mgr := New(reg, httpclient.New(httpclient.Config{}), pipeline.New(nil), time.Minute, nil)
	return mgr, reg
}

func TestListAllAggregatesAndTransformsProviderDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/processes" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"processes": []map[string]any{{"id": "square"}},
		})
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t, srv)
	got := mgr.ListAll(context.Background())
	if len(got) != 1 || got[0].ID != "ms1:square" {
		t.Fatalf("unexpected summaries: %+v", got)
	}
}

func TestListAllIsolatesProviderFailures(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"processes": []map[string]any{{"id": "cube"}}})
	}))
	defer good.Close()

	reg := providers.NewRegistry([]process.Provider{
		{Name: "bad", BaseURL: bad.URL, DefaultTimeout: time.Second},
		{Name: "good", BaseURL: good.URL, DefaultTimeout: time.Second},
	})
	mgr := New(reg, httpclient.New(httpclient.Config{}), pipeline.New(nil), time.Minute, nil)
	got := mgr.ListAll(context.Background())
	if len(got) != 1 || got[0].ID != "good:cube" {
		t.Fatalf("expected only the healthy provider's process, got %+v", got)
	}
}

func TestGetByCanonicalIDFetchesDescriptor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/processes/square" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "square", "title": "Square"})
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t, srv)
	d, err := mgr.Get(context.Background(), "ms1:square")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "ms1:square" || d.Title != "Square" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestGetByBareIDFirstMatchWins(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"processes": []map[string]any{{"id": "square"}}})
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"processes": []map[string]any{{"id": "square"}}})
	}))
	defer srv2.Close()

	reg := providers.NewRegistry([]process.Provider{
		{Name: "first", BaseURL: srv1.URL, DefaultTimeout: time.Second},
		{Name: "second", BaseURL: srv2.URL, DefaultTimeout: time.Second},
	})
	mgr := New(reg, httpclient.New(httpclient.Config{}), pipeline.New(nil), time.Minute, nil)
	d, err := mgr.Get(context.Background(), "square")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "first:square" {
		t.Fatalf("expected first-match-wins to pick first provider, got %q", d.ID)
	}
}

func TestGetUnknownProcessReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"processes": []map[string]any{}})
	}))
	defer srv.Close()

	mgr, _ := newTestManager(t, srv)
	if _, err := mgr.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected NotFound error")
	}
}
