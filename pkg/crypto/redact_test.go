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

package crypto

import "testing"

func TestRedactSecret(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"a":                   "****",
		"abcd":                "****",
		"12345678":            "12****78",
		"my-secret-key-12345": "my***************45",
	}
	for in, want := range cases {
		if got := RedactSecret(in); got != want {
			t.Fatalf("RedactSecret(%q) = %q, want %q", in, got, want)
		}
	}
}
