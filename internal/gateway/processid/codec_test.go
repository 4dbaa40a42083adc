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

package processid

import "testing"

func TestParseValid(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		bare     string
	}{
		{"ms1:square", "ms1", "square"},
		{"ms1:square-root_v2", "ms1", "square-root_v2"},
		{"Prov_1:Bare-2", "Prov_1", "Bare-2"},
		{"ms1:a:b", "ms1", "a:b"}, // split on the FIRST colon only
	}
	for _, tc := range cases {
		id, err := Parse(tc.in)
		if tc.bare == "a:b" {
			// "a:b" as a bare segment contains ':' which is not in
			// [A-Za-z0-9_-]+, so this case must be rejected.
			if err == nil {
				t.Fatalf("Parse(%q) = %+v, want error (bare contains ':')", tc.in, id)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", tc.in, err)
		}
		if id.Provider != tc.provider || id.Bare != tc.bare {
			t.Fatalf("Parse(%q) = %+v, want {%s %s}", tc.in, id, tc.provider, tc.bare)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"noColonHere",
		":bare",
		"provider:",
		":",
		"prov ider:bare",
		"provider:ba re",
		"prov/ider:bare",
		"provider:bare!",
	}
	for _, in := range cases {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", in)
		}
	}
}

// TestRoundTrip checks the spec's explicit round-trip property:
// parse(compose(p, b)) == (p, b) for all valid (p, b).
func TestRoundTrip(t *testing.T) {
	pairs := [][2]string{
		{"ms1", "square"},
		{"a", "b"},
		{"Provider_1", "Bare-Id_2"},
		{"x-y-z", "1_2_3"},
	}
	for _, pr := range pairs {
		composed := Compose(pr[0], pr[1])
		id, err := Parse(composed)
		if err != nil {
			t.Fatalf("Parse(Compose(%q, %q)) returned error: %v", pr[0], pr[1], err)
		}
		if id.Provider != pr[0] || id.Bare != pr[1] {
			t.Fatalf("round-trip mismatch: got {%s %s}, want {%s %s}", id.Provider, id.Bare, pr[0], pr[1])
		}
		if id.String() != composed {
			t.Fatalf("String() = %q, want %q", id.String(), composed)
		}
	}
}

func TestExtractProvider(t *testing.T) {
	if p, ok := ExtractProvider("ms1:square"); !ok || p != "ms1" {
		t.Fatalf("ExtractProvider(ms1:square) = %q, %v", p, ok)
	}
	if _, ok := ExtractProvider("bareonly"); ok {
		t.Fatal("ExtractProvider(bareonly) should report ok=false")
	}
	if _, ok := ExtractProvider(""); ok {
		t.Fatal("ExtractProvider(\"\") should report ok=false")
	}
}
