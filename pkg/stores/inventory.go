package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/inventory"
)

// CreateIPAddress returns the ID of address, creating it when unknown.
func (s *SQLiteStore) CreateIPAddress(ctx context.Context, address string) (int64, error) {
	return upsertIP(ctx, s.db, address)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertIP(ctx context.Context, q queryRower, address string) (int64, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return 0, engine.NewPermanentError("address is empty", nil).WithCode(engine.ErrCodeValidation)
	}
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO ip_addresses (address, created_at) VALUES (?, ?)
		ON CONFLICT (address) DO UPDATE SET address = excluded.address
		RETURNING id
	`, address, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, mapWriteError("ip address", err)
	}
	return id, nil
}

// GetIPAddress returns the address of an IP record
func (s *SQLiteStore) GetIPAddress(ctx context.Context, id int64) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx, `SELECT address FROM ip_addresses WHERE id = ?`, id).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.NewNotFoundError("ip address", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get ip address: %w", err)
	}
	return addr, nil
}

// GetHostGroupAddresses returns the member addresses of a host group in
// insertion order.
func (s *SQLiteStore) GetHostGroupAddresses(ctx context.Context, id int64) ([]string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM host_groups WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to get host group: %w", err)
	}
	if exists == 0 {
		return nil, engine.NewNotFoundError("host group", id)
	}
	return s.groupAddresses(ctx, id)
}

func (s *SQLiteStore) groupAddresses(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip.address
		FROM host_group_members m
		JOIN ip_addresses ip ON ip.id = m.ip_address_id
		WHERE m.host_group_id = ?
		ORDER BY m.position, ip.id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list host group members: %w", err)
	}
	defer rows.Close()

	addrs := []string{}
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// ReplaceHostGroup creates or updates the group identified by project, name
// and workspace so that its members are exactly g.Addresses.
func (s *SQLiteStore) ReplaceHostGroup(ctx context.Context, g inventory.Group) (int64, error) {
	if strings.TrimSpace(g.Name) == "" {
		return 0, engine.NewPermanentError("host group name is empty", nil).WithCode(engine.ErrCodeValidation)
	}
	workspace := ""
	if g.Workspace != nil {
		workspace = *g.Workspace
	}

	var groupID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		err := tx.QueryRowContext(ctx, `
			INSERT INTO host_groups (project, name, workspace, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (project, name, workspace) DO UPDATE SET updated_at = excluded.updated_at
			RETURNING id
		`, g.Project, g.Name, workspace, now, now).Scan(&groupID)
		if err != nil {
			return mapWriteError("host group", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM host_group_members WHERE host_group_id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to clear host group members: %w", err)
		}
		for i, addr := range g.Addresses {
			ipID, err := upsertIP(ctx, tx, addr)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO host_group_members (host_group_id, ip_address_id, position)
				VALUES (?, ?, ?)
			`, groupID, ipID, i)
			if err != nil {
				return mapWriteError("host group member", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return groupID, nil
}

// DeleteWorkspaceHostGroups removes every group of project bound to
// workspace. Global groups, other projects and the addresses themselves
// are kept.
func (s *SQLiteStore) DeleteWorkspaceHostGroups(ctx context.Context, project, workspace string) (int64, error) {
	if project == "" || workspace == "" {
		return 0, engine.NewPermanentError("project and workspace are required", nil).WithCode(engine.ErrCodeValidation)
	}
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Task history keeps pointing at groups; detach it first.
		_, err := tx.ExecContext(ctx, `
			DELETE FROM task_group_targets
			WHERE host_group_id IN (SELECT id FROM host_groups WHERE project = ? AND workspace = ?)
		`, project, workspace)
		if err != nil {
			return fmt.Errorf("failed to detach task targets: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM host_groups WHERE project = ? AND workspace = ?`, project, workspace)
		if err != nil {
			return fmt.Errorf("failed to delete host groups: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ListHostGroups lists groups with their addresses. An empty project lists
// every project. A nil workspace lists all groups; an empty one lists only
// global groups.
func (s *SQLiteStore) ListHostGroups(ctx context.Context, project string, workspace *string) ([]*HostGroup, error) {
	query := `SELECT id, project, name, workspace, created_at, updated_at FROM host_groups WHERE 1 = 1`
	var args []any
	if project != "" {
		query += ` AND project = ?`
		args = append(args, project)
	}
	if workspace != nil {
		query += ` AND workspace = ?`
		args = append(args, *workspace)
	}
	query += ` ORDER BY project, name, workspace`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list host groups: %w", err)
	}

	var groups []*HostGroup
	for rows.Next() {
		g := &HostGroup{}
		var ws string
		if err := rows.Scan(&g.ID, &g.Project, &g.Name, &ws, &g.CreatedAt, &g.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan host group: %w", err)
		}
		if ws != "" {
			g.Workspace = &ws
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	// Members are loaded after the cursor is closed; in-memory databases
	// only have one connection.
	for _, g := range groups {
		if g.Addresses, err = s.groupAddresses(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}
