package terraform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

// VariableSource provides variables kept in the database.
type VariableSource interface {
	// TerraformVariables returns the non-sensitive variables of a project
	// workspace, keyed by name.
	TerraformVariables(ctx context.Context, project, workspace string) (map[string]json.RawMessage, error)
}

// ConventionVarFile is the var-file looked up for a workspace when no
// other source is given, relative to the project path.
func ConventionVarFile(workspace string) string {
	return filepath.Join("tfvars.d", workspace+".tfvars.json")
}

// variableArgs resolves the variable flags for a request. Precedence is
// explicit variables, then an explicit var-file, then the workspace
// convention file. Nothing is spawned here.
func (r *Runner) variableArgs(ctx context.Context, req Request, projectPath string) ([]string, error) {
	if len(req.Variables) > 0 && req.FromStore {
		return nil, ErrConflictingVariableSources
	}

	switch {
	case len(req.Variables) > 0:
		args := make([]string, 0, len(req.Variables))
		for _, k := range slices.Sorted(maps.Keys(req.Variables)) {
			v, err := formatVariable(req.Variables[k])
			if err != nil {
				return nil, fmt.Errorf("variable %q: %w", k, err)
			}
			args = append(args, fmt.Sprintf("-var=%s=%s", k, v))
		}
		return args, nil

	case req.FromStore:
		if r.cfg.Variables == nil {
			return nil, fmt.Errorf("%w: no variable store configured", ErrMissingVariables)
		}
		vars, err := r.cfg.Variables.TerraformVariables(ctx, req.Project, req.Workspace)
		if err != nil {
			return nil, fmt.Errorf("failed to load variables: %w", err)
		}
		if len(vars) == 0 {
			return nil, fmt.Errorf("%w: no variables stored for %s/%s", ErrMissingVariables, req.Project, req.Workspace)
		}
		rel := ConventionVarFile(req.Workspace)
		if err := writeVarFile(filepath.Join(projectPath, rel), vars); err != nil {
			return nil, err
		}
		return []string{"-var-file=" + rel}, nil

	case req.VarFile != "":
		path := req.VarFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectPath, path)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w: var-file %s: %w", ErrMissingVariables, req.VarFile, err)
		}
		return []string{"-var-file=" + req.VarFile}, nil

	default:
		rel := ConventionVarFile(req.Workspace)
		if _, err := os.Stat(filepath.Join(projectPath, rel)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: no variables given and %s does not exist", ErrMissingVariables, rel)
			}
			return nil, fmt.Errorf("failed to check %s: %w", rel, err)
		}
		return []string{"-var-file=" + rel}, nil
	}
}

func formatVariable(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeVarFile(path string, vars map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
