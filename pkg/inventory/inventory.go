// Package inventory keeps host groups in step with terraform outputs.
//
// A terraform output takes part when its value is an object carrying
// "4clicks": true and "type": "inventory":
//
//	output "web" {
//	  value = {
//	    "4clicks"       = true
//	    type            = "inventory"
//	    inventory_names = ["web", "frontend"]
//	    ips             = aws_instance.web[*].private_ip
//	  }
//	}
//
// inventory_names and ips may each be a string or a list. Without
// inventory_names the output key names the group. A "global" key stores the
// group outside any workspace so it survives a destroy of the workspace.
// Groups always belong to the project whose outputs produced them.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/fourclicks/deployd/pkg/telemetry"
	"github.com/fourclicks/deployd/pkg/terraform"
)

// Group is a named list of addresses of a project. A nil Workspace is a
// global group.
type Group struct {
	Project   string
	Name      string
	Workspace *string
	Addresses []string
}

// Store persists host groups.
type Store interface {
	// ReplaceHostGroup creates or updates the group identified by project,
	// name and workspace and replaces its members.
	ReplaceHostGroup(ctx context.Context, g Group) (int64, error)

	// DeleteWorkspaceHostGroups removes the groups of a project workspace
	// and returns how many were removed. Addresses are kept.
	DeleteWorkspaceHostGroups(ctx context.Context, project, workspace string) (int64, error)
}

// OutputReader reads the outputs of a terraform workspace.
type OutputReader interface {
	Outputs(ctx context.Context, projectPath, workspace string) (map[string]terraform.OutputValue, error)
}

// Result summarizes one sync.
type Result struct {
	// Processed counts the inventory outputs found.
	Processed int

	// Groups lists the groups written, in output key order.
	Groups []string

	// Errors holds one message per output that could not be applied.
	Errors []string
}

type inventoryValue struct {
	Clicks         bool            `json:"4clicks"`
	Type           string          `json:"type"`
	InventoryNames json.RawMessage `json:"inventory_names"`
	IPs            json.RawMessage `json:"ips"`
	Global         json.RawMessage `json:"global"`
}

// Parse extracts the groups described by a set of outputs. Outputs that are
// not inventory outputs are ignored. Outputs without addresses yield no
// group. A malformed inventory output is reported in errs and skipped.
func Parse(outputs map[string]terraform.OutputValue, project, workspace string) (groups []Group, processed int, errs []string) {
	for _, key := range sortedKeys(outputs) {
		var v inventoryValue
		if err := json.Unmarshal(outputs[key].Value, &v); err != nil {
			// Non-object outputs are ordinary outputs.
			continue
		}
		if !v.Clicks || v.Type != "inventory" {
			continue
		}
		processed++

		names, err := stringOrList(v.InventoryNames)
		if err != nil {
			errs = append(errs, fmt.Sprintf("output %s: inventory_names: %v", key, err))
			continue
		}
		if len(names) == 0 {
			names = []string{key}
		}
		ips, err := stringOrList(v.IPs)
		if err != nil {
			errs = append(errs, fmt.Sprintf("output %s: ips: %v", key, err))
			continue
		}
		if len(ips) == 0 {
			continue
		}

		var ws *string
		if v.Global == nil {
			ws = &workspace
		}
		for _, name := range names {
			groups = append(groups, Group{Project: project, Name: name, Workspace: ws, Addresses: ips})
		}
	}
	return groups, processed, errs
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		one = strings.TrimSpace(one)
		if one == "" {
			return nil, nil
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("expected a string or a list of strings")
	}
	out := make([]string, 0, len(many))
	for _, s := range many {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func sortedKeys(m map[string]terraform.OutputValue) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Syncer applies terraform outputs to the host group store. It is a
// terraform completion hook.
type Syncer struct {
	store   Store
	outputs OutputReader
	logger  *telemetry.Logger
}

// NewSyncer creates a new Syncer.
func NewSyncer(store Store, outputs OutputReader, logger *telemetry.Logger) *Syncer {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Syncer{store: store, outputs: outputs, logger: logger.NewComponentLogger("inventory")}
}

// Name implements terraform.Hook.
func (s *Syncer) Name() string { return "inventory-sync" }

// OnCompletion syncs after a confirmed apply and prunes after a confirmed
// destroy. Other completions are ignored.
func (s *Syncer) OnCompletion(ctx context.Context, c terraform.Completion) error {
	if !c.Success() {
		return nil
	}
	switch c.Operation {
	case terraform.OperationApply:
		res, err := s.Sync(ctx, c.Project, c.ProjectPath, c.Workspace)
		if err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("inventory sync finished with %d error(s): %s", len(res.Errors), strings.Join(res.Errors, "; "))
		}
		return nil
	case terraform.OperationDestroy:
		_, err := s.Prune(ctx, c.Project, c.Workspace)
		return err
	default:
		return nil
	}
}

// Sync reads the outputs of a workspace and writes its inventory groups.
// Failures of single groups are collected in the result.
func (s *Syncer) Sync(ctx context.Context, project, projectPath, workspace string) (*Result, error) {
	outputs, err := s.outputs.Outputs(ctx, projectPath, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to read terraform outputs: %w", err)
	}

	groups, processed, errs := Parse(outputs, project, workspace)
	res := &Result{Processed: processed, Errors: errs}
	for _, g := range groups {
		if _, err := s.store.ReplaceHostGroup(ctx, g); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("group %s: %v", g.Name, err))
			continue
		}
		res.Groups = append(res.Groups, g.Name)
	}

	s.logger.Zerolog().Info().
		Str("project", project).
		Str("workspace", workspace).
		Int("processed", res.Processed).
		Strs("groups", res.Groups).
		Int("errors", len(res.Errors)).
		Msg("inventory synced")
	return res, nil
}

// Prune removes the host groups of a destroyed project workspace. Groups
// of other projects sharing the workspace name are left alone.
func (s *Syncer) Prune(ctx context.Context, project, workspace string) (int64, error) {
	if project == "" || workspace == "" {
		return 0, fmt.Errorf("refusing to prune groups without a project and a workspace")
	}
	n, err := s.store.DeleteWorkspaceHostGroups(ctx, project, workspace)
	if err != nil {
		return 0, fmt.Errorf("failed to remove host groups of %s/%s: %w", project, workspace, err)
	}
	s.logger.Infof("removed %d host group(s) of %s/%s", n, project, workspace)
	return n, nil
}

var _ terraform.Hook = (*Syncer)(nil)
