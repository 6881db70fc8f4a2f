package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fourclicks/deployd/pkg/credentials"
	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/inventory"
	"github.com/fourclicks/deployd/pkg/terraform"
)

// IPAddress is a known target address.
type IPAddress struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// HostGroup is a named set of addresses of a project, global or bound to a
// terraform workspace.
type HostGroup struct {
	ID        int64     `json:"id"`
	Project   string    `json:"project"`
	Name      string    `json:"name"`
	Workspace *string   `json:"workspace,omitempty"`
	Addresses []string  `json:"addresses"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variable is a terraform variable for a project. An empty Workspace applies
// to every workspace.
type Variable struct {
	ID        int64           `json:"id"`
	Project   string          `json:"project"`
	Workspace string          `json:"workspace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Sensitive bool            `json:"sensitive"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the complete persistence interface of deployd.
type Store interface {
	engine.Store
	credentials.KeyStore
	terraform.VariableSource
	inventory.Store

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Templates
	CreateTemplate(ctx context.Context, t *engine.Template) error
	ListTemplates(ctx context.Context) ([]*engine.Template, error)

	// Tasks
	ListTasks(ctx context.Context, limit, offset int) ([]*engine.Task, error)

	// Credentials
	ListCredentials(ctx context.Context) ([]*credentials.Record, error)

	// Targets
	CreateIPAddress(ctx context.Context, address string) (int64, error)
	ListHostGroups(ctx context.Context, project string, workspace *string) ([]*HostGroup, error)

	// Variables
	SetVariable(ctx context.Context, v *Variable) error
	ListVariables(ctx context.Context, project string) ([]*Variable, error)
}

var _ Store = (*SQLiteStore)(nil)
