package engine

import (
	"encoding/json"
	"time"

	"github.com/fourclicks/deployd/pkg/credentials"
)

// LocalHost is the pseudo-host used when a task resolves no targets. Strategies
// run against the local machine instead of connecting over SSH.
const LocalHost = "local"

// Template describes executable content a task runs.
type Template struct {
	// ID is the unique identifier of the template.
	ID int64 `json:"id"`

	// Name is the human-readable template name.
	Name string `json:"name"`

	// Kind selects the execution strategy.
	Kind TemplateKind `json:"kind"`

	// Path is relative to the configured tasks directory.
	Path string `json:"path"`

	// ParameterSchema is an optional JSON document describing parameters.
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`

	// Active is false for templates that can no longer be executed.
	Active bool `json:"active"`

	CreatedAt time.Time `json:"created_at"`
}

// Task is one execution of a template against a set of targets.
type Task struct {
	// ID is assigned by the store on creation.
	ID int64 `json:"id"`

	// Name is the human-readable task name.
	Name string `json:"name"`

	// TemplateID references exactly one template.
	TemplateID int64 `json:"template_id"`

	// CredentialID optionally references the key used to reach targets.
	CredentialID *int64 `json:"credential_id,omitempty"`

	// Parameters are substituted into the template.
	Parameters map[string]any `json:"parameters,omitempty"`

	// IPAddressIDs and HostGroupIDs are the target references.
	IPAddressIDs []int64 `json:"ip_address_ids,omitempty"`
	HostGroupIDs []int64 `json:"host_group_ids,omitempty"`

	// Status is the lifecycle status.
	Status TaskStatus `json:"status"`

	// Log holds captured output, if the caller chose to keep it.
	Log string `json:"log,omitempty"`

	// ExitCode is the final exit code, if known.
	ExitCode *int `json:"exit_code,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRequest is the input to Preparer.Prepare.
type TaskRequest struct {
	Name         string         `json:"name" validate:"omitempty,max=255"`
	TemplateID   int64          `json:"template_id" validate:"required,gt=0"`
	CredentialID *int64         `json:"credential_id,omitempty" validate:"omitempty,gt=0"`
	Passphrase   string         `json:"passphrase,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	IPAddressIDs []int64        `json:"ip_address_ids,omitempty" validate:"dive,gt=0"`
	HostGroupIDs []int64        `json:"host_group_ids,omitempty" validate:"dive,gt=0"`
}

// TaskResult carries the outcome recorded with a terminal status.
type TaskResult struct {
	Log      string
	ExitCode *int
}

// Session is the ephemeral bundle handed from preparation to streaming. It is
// owned by exactly one execution and never persisted.
type Session struct {
	// ExecutionID correlates log lines and events of one execution.
	ExecutionID string

	Task     *Task
	Template *Template

	// Hosts are the resolved target addresses, or LocalHost.
	Hosts []string

	// Credential is the encrypted key record; decryption happens while
	// streaming.
	Credential *credentials.Record

	// Passphrase unlocks Credential when it was stored with one.
	Passphrase string
}

// IsLocal reports whether host is the local pseudo-host.
func IsLocal(host string) bool {
	return host == LocalHost
}
