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

// Package processid implements the canonical process id codec:
// {provider_name}:{bare_id}.
package processid

import (
	"errors"
	"strings"
)

// ErrInvalidID is returned when a string does not parse as a canonical id.
var ErrInvalidID = errors.New("processid: invalid canonical id")

// ID is a parsed canonical process id.
type ID struct {
	Provider string
	Bare     string
}

// String returns the wire form "provider:bare".
func (id ID) String() string { return Compose(id.Provider, id.Bare) }

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Parse splits s on the first colon into a canonical ID. Both halves must
// match [A-Za-z0-9_-]+; an empty provider or bare component is rejected.
func Parse(s string) (ID, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return ID{}, ErrInvalidID
	}
	provider, bare := s[:i], s[i+1:]
	if !validSegment(provider) || !validSegment(bare) {
		return ID{}, ErrInvalidID
	}
	return ID{Provider: provider, Bare: bare}, nil
}

// Compose builds the wire form of a canonical id from its parts. It does
// not validate; callers that need validation should round-trip through
// Parse.
func Compose(provider, bare string) string {
	return provider + ":" + bare
}

// ExtractProvider reports a prefixed input's provider name, returning
// ok=false when s has no provider prefix or either half is malformed. It
// runs the full Parse validation on s.
func ExtractProvider(s string) (provider string, ok bool) {
	id, err := Parse(s)
	if err != nil {
		return "", false
	}
	return id.Provider, true
}
