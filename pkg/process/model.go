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

// Package process contains the shared data models used by the gateway's
// process-discovery and job-lifecycle components.
package process

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobStatus is the lifecycle state of a federated job.
type JobStatus string

const (
	JobStatusAccepted   JobStatus = "accepted"
	JobStatusRunning    JobStatus = "running"
	JobStatusSuccessful JobStatus = "successful"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDismissed  JobStatus = "dismissed"
)

// Valid reports whether s is one of the allowed lifecycle states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusAccepted, JobStatusRunning, JobStatusSuccessful, JobStatusFailed, JobStatusDismissed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal state. Terminal jobs never
// transition further.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccessful, JobStatusFailed, JobStatusDismissed:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string { return string(s) }

// AuthSpec describes how the gateway authenticates outbound requests to a
// Provider. At most one of BearerToken or (Username, Password) is set; the
// values here are cleartext in memory and are expected to have already been
// decrypted by the registry loader before the Provider is handed out.
type AuthSpec struct {
	BearerToken string `json:"bearer_token,omitempty" yaml:"bearer_token,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
}

// ProcessPolicy controls how a single process of a Provider is treated.
type ProcessPolicy struct {
	Excluded      bool              `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Anonymous     bool              `json:"anonymous,omitempty" yaml:"anonymous,omitempty"`
	Deterministic bool              `json:"deterministic,omitempty" yaml:"deterministic,omitempty"`
	ResultStorage ResultStorageMode `json:"result_storage,omitempty" yaml:"result_storage,omitempty"`
	GraphProps    map[string]any    `json:"graph_props,omitempty" yaml:"graph_props,omitempty"`
}

// ResultStorageMode tells the Job Manager's Results lookup where a process's
// results live.
type ResultStorageMode string

const (
	ResultStorageRemote ResultStorageMode = "remote"
	ResultStorageLocal  ResultStorageMode = "local"
)

// Provider is an upstream OGC-Processes-compliant service federated behind
// the gateway. Provider values are immutable once constructed; the registry
// holds them behind an atomically-swappable pointer so in-flight readers
// always see a consistent snapshot.
type Provider struct {
	Name             string                   `json:"name" yaml:"name"`
	BaseURL          string                   `json:"base_url" yaml:"base_url"`
	Auth             AuthSpec                 `json:"auth_spec,omitempty" yaml:"auth_spec,omitempty"`
	DefaultTimeout   time.Duration            `json:"default_timeout_ms" yaml:"-"`
	DefaultTimeoutMS int64                    `json:"-" yaml:"default_timeout_ms"`
	Processes        map[string]ProcessPolicy `json:"processes,omitempty" yaml:"processes,omitempty"`
}

// PolicyFor returns the configured policy for a bare process id, or the
// zero-value ProcessPolicy (nothing excluded, nothing anonymous) when the
// provider has no explicit entry for it.
func (p Provider) PolicyFor(bareID string) ProcessPolicy {
	if p.Processes == nil {
		return ProcessPolicy{}
	}
	return p.Processes[bareID]
}

// AuthHeaders builds the outbound Authorization header implied by a
// Provider's AuthSpec. At most one of bearer or basic auth is set; an
// AuthSpec with neither yields an empty header.
func AuthHeaders(p Provider) http.Header {
	h := http.Header{}
	switch {
	case p.Auth.BearerToken != "":
		h.Set("Authorization", "Bearer "+p.Auth.BearerToken)
	case p.Auth.Username != "" || p.Auth.Password != "":
		// net/http has no exported basic-auth header builder outside of
		// Request.SetBasicAuth; build the header on an ephemeral request.
		req, _ := http.NewRequest(http.MethodGet, "http://placeholder", nil)
		req.SetBasicAuth(p.Auth.Username, p.Auth.Password)
		h.Set("Authorization", req.Header.Get("Authorization"))
	}
	return h
}

// Link is an OGC-style hypermedia link.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// ProcessSummary is the federated, canonical-id view of an upstream process
// as it appears in a `/processes` listing.
type ProcessSummary struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title,omitempty"`
	Version            string   `json:"version,omitempty"`
	JobControlOptions  []string `json:"jobControlOptions,omitempty"`
	OutputTransmission []string `json:"outputTransmission,omitempty"`
	Links              []Link   `json:"links,omitempty"`
}

// ProcessDescriptor extends ProcessSummary with the full process detail
// returned by a `/processes/{id}` fetch.
type ProcessDescriptor struct {
	ProcessSummary `yaml:",inline"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Metadata       []any          `json:"metadata,omitempty"`
}

// StatusInfo is the OGC API Processes canonical status document shape.
type StatusInfo struct {
	ProcessID string     `json:"processID"`
	Type      string     `json:"type"`
	JobID     string     `json:"jobID"`
	Status    JobStatus  `json:"status"`
	Message   string     `json:"message,omitempty"`
	Created   *time.Time `json:"created,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Updated   *time.Time `json:"updated,omitempty"`
	Progress  *int       `json:"progress,omitempty"`
	Links     []Link     `json:"links,omitempty"`
}

// Job is a single federated job and its current lifecycle state. id is the
// sole public identifier; remote_job_id is an implementation detail of the
// forwarding relationship and must never be exposed on a public route.
type Job struct {
	ID              string          `json:"job_id" db:"id"`
	ProcessID       string          `json:"process_id" db:"process_id"`
	ProviderName    string          `json:"provider_name" db:"provider_name"`
	RemoteJobID     *string         `json:"-" db:"remote_job_id"`
	RemoteStatusURL *string         `json:"-" db:"remote_status_url"`
	StatusCode      JobStatus       `json:"status" db:"status_code"`
	StatusInfo      StatusInfo      `json:"status_info" db:"status_info_json"`
	InputsSnapshot  json.RawMessage `json:"-" db:"inputs_json"`
	Created         time.Time       `json:"created" db:"created_at"`
	Started         *time.Time      `json:"started,omitempty" db:"started_at"`
	Finished        *time.Time      `json:"finished,omitempty" db:"finished_at"`
	Updated         time.Time       `json:"updated" db:"updated_at"`
	Links           []Link          `json:"links,omitempty" db:"-"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool { return j.StatusCode.IsTerminal() }

// NewJob constructs a new Job in the accepted state. The caller is
// responsible for assigning a unique ID before persistence.
func NewJob(processID, providerName string, inputs json.RawMessage) Job {
	now := time.Now().UTC()
	return Job{
		ProcessID:      processID,
		ProviderName:   providerName,
		StatusCode:     JobStatusAccepted,
		InputsSnapshot: inputs,
		Created:        now,
		Updated:        now,
	}
}

// StatusHistoryEntry is a single append-only row in a job's status history.
// Seq is strictly increasing per job, starting at 0.
type StatusHistoryEntry struct {
	JobID      string     `json:"job_id" db:"job_id"`
	Seq        int64      `json:"seq" db:"seq"`
	ObservedAt time.Time  `json:"observed_at" db:"observed_at"`
	Snapshot   StatusInfo `json:"snapshot" db:"snapshot_json"`
}

// JobFilter narrows a Job Repository listing by status and supports paging.
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}
