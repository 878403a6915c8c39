package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Workspace groups clusters and incidents. Clusters lists the names declared
// when the workspace was created; registrations may add more.
type Workspace struct {
	ID          int64      `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description"`
	Clusters    StringList `db:"clusters" json:"clusters"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

const workspaceColumns = `id, name, description, clusters, created_at`

// CreateWorkspace inserts a workspace. A taken name yields ErrAlreadyExists.
func (s *Store) CreateWorkspace(ctx context.Context, name, description string, clusters []string) (*Workspace, error) {
	ws := Workspace{
		Name:        name,
		Description: description,
		Clusters:    StringList(clusters),
		CreatedAt:   s.now(),
	}
	if ws.Clusters == nil {
		ws.Clusters = StringList{}
	}
	query := s.db.Rebind(`INSERT INTO workspaces (name, description, clusters, created_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (name) DO NOTHING RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query, ws.Name, ws.Description, ws.Clusters, ws.CreatedAt).Scan(&ws.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", name, ErrAlreadyExists)
	}
	if err != nil {
		return nil, persistErr("create workspace", err)
	}
	return &ws, nil
}

// GetWorkspace loads a workspace by name.
func (s *Store) GetWorkspace(ctx context.Context, name string) (*Workspace, error) {
	var ws Workspace
	query := s.db.Rebind(`SELECT ` + workspaceColumns + ` FROM workspaces WHERE name = ?`)
	err := s.db.GetContext(ctx, &ws, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get workspace", err)
	}
	return &ws, nil
}

// ListWorkspaces returns every workspace ordered by name.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	workspaces := []Workspace{}
	if err := s.db.SelectContext(ctx, &workspaces, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY name`); err != nil {
		return nil, persistErr("list workspaces", err)
	}
	return workspaces, nil
}

// DeleteWorkspace removes the workspace row. Registrations, health and
// incidents filed under its name are kept. A missing id reports false.
func (s *Store) DeleteWorkspace(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return false, persistErr("delete workspace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("delete workspace", err)
	}
	return n > 0, nil
}
