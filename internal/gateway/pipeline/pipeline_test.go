package pipeline

import (
	"reflect"
	"testing"

	"ump/pkg/process"
)

func TestApplyEnforcesCanonicalID(t *testing.T) {
	p := New(nil)
	d := &process.ProcessDescriptor{ProcessSummary: process.ProcessSummary{ID: "square"}}
	if ok := p.Apply(d, "ms1", "http://ms1"); !ok {
		t.Fatal("expected pipeline to accept document")
	}
	if d.ID != "ms1:square" {
		t.Fatalf("id = %q, want ms1:square", d.ID)
	}
}

func TestApplyFillsDefaults(t *testing.T) {
	p := New(nil)
	d := &process.ProcessDescriptor{ProcessSummary: process.ProcessSummary{ID: "square"}}
	p.Apply(d, "ms1", "http://ms1")
	if d.Version != "1.0.0" {
		t.Fatalf("version = %q, want 1.0.0", d.Version)
	}
	if len(d.JobControlOptions) != 1 || d.JobControlOptions[0] != "async-execute" {
		t.Fatalf("jobControlOptions = %v", d.JobControlOptions)
	}
	foundSelf := false
	for _, l := range d.Links {
		if l.Rel == "self" {
			foundSelf = true
		}
	}
	if !foundSelf {
		t.Fatal("expected a self link to be injected")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := New(nil)
	d1 := &process.ProcessDescriptor{ProcessSummary: process.ProcessSummary{ID: "square"}}
	p.Apply(d1, "ms1", "http://ms1")
	d2 := &process.ProcessDescriptor{ProcessSummary: process.ProcessSummary{ID: d1.ID, Title: d1.Title, Version: d1.Version, JobControlOptions: append([]string{}, d1.JobControlOptions...), OutputTransmission: append([]string{}, d1.OutputTransmission...), Links: append([]process.Link{}, d1.Links...)}}
	p.Apply(d2, "ms1", "http://ms1")
	if d2.ID != "ms1:square" {
		t.Fatalf("re-applying changed the canonical id: %q", d2.ID)
	}
	if !reflect.DeepEqual(d1, d2) {
		t.Fatalf("re-applying changed the document: %+v vs %+v", d1, d2)
	}
}

func TestApplyDropsUnparseableID(t *testing.T) {
	p := New(nil)
	d := &process.ProcessDescriptor{ProcessSummary: process.ProcessSummary{ID: ""}}
	if ok := p.Apply(d, "ms1", "http://ms1"); ok {
		t.Fatal("expected empty bare id to be dropped")
	}
}

func TestApplySanitizesMetadata(t *testing.T) {
	p := New(nil)
	d := &process.ProcessDescriptor{
		ProcessSummary: process.ProcessSummary{ID: "square"},
		Metadata:       []any{map[string]any{"role": "author"}, "not-a-map", 42},
	}
	p.Apply(d, "ms1", "http://ms1")
	if len(d.Metadata) != 1 {
		t.Fatalf("metadata = %v, want 1 surviving entry", d.Metadata)
	}
}

func TestLinkRewriteReplacesProviderPrefix(t *testing.T) {
	p := New(nil, WithLinkRewrite("https://gateway.example"))
	d := &process.ProcessDescriptor{
		ProcessSummary: process.ProcessSummary{
			ID:    "square",
			Links: []process.Link{{Href: "http://ms1/processes/square?x=1#frag", Rel: "self"}},
		},
	}
	p.Apply(d, "ms1", "http://ms1")
	want := "https://gateway.example/processes/square?x=1#frag"
	if d.Links[0].Href != want {
		t.Fatalf("href = %q, want %q", d.Links[0].Href, want)
	}
}
