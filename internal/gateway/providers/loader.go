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

package providers

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ump/pkg/crypto"
	"ump/pkg/process"
)

// fileProvider mirrors process.Provider's YAML shape but keeps credential
// fields as they appear on disk (possibly encrypted) before the loader
// decides whether to decrypt them.
type fileProvider struct {
	Name             string                            `yaml:"name"`
	BaseURL          string                            `yaml:"base_url"`
	Auth             process.AuthSpec                  `yaml:"auth_spec"`
	DefaultTimeoutMS int64                             `yaml:"default_timeout_ms"`
	Processes        map[string]process.ProcessPolicy `yaml:"processes"`
}

type fileConfig struct {
	Providers []fileProvider `yaml:"providers"`
}

// LoadFile parses a providers YAML document. When secret is non-empty, any
// auth_spec.bearer_token or auth_spec.password value that looks encrypted
// (see crypto.IsEncrypted) is decrypted using it; plaintext values are left
// untouched so operators can migrate to encrypted secrets incrementally.
func LoadFile(path, secret string) ([]process.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("providers: read %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("providers: parse %s: %w", path, err)
	}

	var enc *crypto.CredentialCipher
	if secret != "" {
		enc, err = crypto.NewCredentialCipher(secret)
		if err != nil {
			return nil, fmt.Errorf("providers: build credential cipher: %w", err)
		}
	}

	out := make([]process.Provider, 0, len(cfg.Providers))
	for _, fp := range cfg.Providers {
		auth := fp.Auth
		if enc != nil {
			if crypto.IsEncrypted(auth.BearerToken) {
				if auth.BearerToken, err = enc.Decrypt(auth.BearerToken); err != nil {
					return nil, fmt.Errorf("providers: decrypt bearer_token for %s: %w", fp.Name, err)
				}
			}
			if crypto.IsEncrypted(auth.Password) {
				if auth.Password, err = enc.Decrypt(auth.Password); err != nil {
					return nil, fmt.Errorf("providers: decrypt password for %s: %w", fp.Name, err)
				}
			}
		}
		timeout := time.Duration(fp.DefaultTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		out = append(out, process.Provider{
			Name:           fp.Name,
			BaseURL:        fp.BaseURL,
			Auth:           auth,
			DefaultTimeout: timeout,
			Processes:      fp.Processes,
		})
	}
	return out, nil
}
