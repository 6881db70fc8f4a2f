package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fourclicks/deployd/pkg/engine"
)

// SetVariable creates or replaces a project variable.
func (s *SQLiteStore) SetVariable(ctx context.Context, v *Variable) error {
	if v.Project == "" || v.Key == "" {
		return engine.NewPermanentError("variable project and key are required", nil).WithCode(engine.ErrCodeValidation)
	}
	if !json.Valid(v.Value) {
		return engine.NewPermanentError("variable value is not valid JSON", nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("key", v.Key)
	}
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO variables (project, workspace, key, value, sensitive, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project, workspace, key) DO UPDATE SET
			value = excluded.value,
			sensitive = excluded.sensitive,
			updated_at = excluded.updated_at
		RETURNING id
	`, v.Project, v.Workspace, v.Key, string(v.Value), v.Sensitive, v.CreatedAt, v.UpdatedAt).Scan(&v.ID)
	if err != nil {
		return mapWriteError("variable", err)
	}
	return nil
}

// ListVariables lists the variables of a project
func (s *SQLiteStore) ListVariables(ctx context.Context, project string) ([]*Variable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, workspace, key, value, sensitive, created_at, updated_at
		FROM variables WHERE project = ?
		ORDER BY workspace, key
	`, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	var out []*Variable
	for rows.Next() {
		v := &Variable{}
		var value string
		if err := rows.Scan(&v.ID, &v.Project, &v.Workspace, &v.Key, &value, &v.Sensitive, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		v.Value = json.RawMessage(value)
		out = append(out, v)
	}
	return out, rows.Err()
}

// TerraformVariables returns the non-sensitive variables for a workspace of
// a project. Workspace specific values override project wide ones.
func (s *SQLiteStore) TerraformVariables(ctx context.Context, project, workspace string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM variables
		WHERE project = ? AND (workspace = '' OR workspace = ?) AND sensitive = 0
		ORDER BY CASE WHEN workspace = '' THEN 0 ELSE 1 END, key
	`, project, workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to load variables: %w", err)
	}
	defer rows.Close()

	vars := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		vars[key] = json.RawMessage(value)
	}
	return vars, rows.Err()
}
