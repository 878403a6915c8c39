package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mode is how the gateway learns a cluster's health.
type Mode string

const (
	ModeAgent      Mode = "agent"
	ModeKubeconfig Mode = "kubeconfig"
)

// SyncStatus is the outcome of the latest poll or push.
type SyncStatus string

const (
	SyncConnected SyncStatus = "connected"
	SyncError     SyncStatus = "error"
	SyncUnknown   SyncStatus = "unknown"
)

// StringList is stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// Cluster is a registration keyed by (name, workspace).
type Cluster struct {
	ID            int64      `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	Workspace     string     `db:"workspace" json:"workspace"`
	Mode          Mode       `db:"mode" json:"mode"`
	Namespaces    StringList `db:"namespaces" json:"namespaces"`
	CredentialRef string     `db:"credential_ref" json:"credential_ref,omitempty"`
	SyncStatus    SyncStatus `db:"sync_status" json:"status"`
	LastSync      *time.Time `db:"last_sync" json:"last_sync"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

const clusterColumns = `id, name, workspace, mode, namespaces, credential_ref, sync_status, last_sync, created_at`

// UpsertCluster creates the registration or updates its mode, namespaces and
// credential reference. Sync status and history are left untouched.
func (s *Store) UpsertCluster(ctx context.Context, c Cluster) error {
	query := s.db.Rebind(`INSERT INTO clusters (name, workspace, mode, namespaces, credential_ref, sync_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, workspace) DO UPDATE SET
			mode = excluded.mode,
			namespaces = excluded.namespaces,
			credential_ref = excluded.credential_ref`)
	_, err := s.db.ExecContext(ctx, query,
		c.Name, c.Workspace, string(c.Mode), c.Namespaces, c.CredentialRef, string(SyncUnknown), s.now())
	if err != nil {
		return persistErr("upsert cluster", err)
	}
	return nil
}

// GetCluster loads one registration.
func (s *Store) GetCluster(ctx context.Context, name, workspace string) (*Cluster, error) {
	var c Cluster
	query := s.db.Rebind(`SELECT ` + clusterColumns + ` FROM clusters WHERE name = ? AND workspace = ?`)
	err := s.db.GetContext(ctx, &c, query, name, workspace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s/%s: %w", workspace, name, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get cluster", err)
	}
	return &c, nil
}

// ListClusters returns every registration ordered by workspace and name.
func (s *Store) ListClusters(ctx context.Context) ([]Cluster, error) {
	clusters := []Cluster{}
	err := s.db.SelectContext(ctx, &clusters, `SELECT `+clusterColumns+` FROM clusters ORDER BY workspace, name`)
	if err != nil {
		return nil, persistErr("list clusters", err)
	}
	return clusters, nil
}

// ListPullClusters returns the kubeconfig-mode clusters that have a
// credential reference, in a stable order.
func (s *Store) ListPullClusters(ctx context.Context) ([]Cluster, error) {
	clusters := []Cluster{}
	query := s.db.Rebind(`SELECT ` + clusterColumns + ` FROM clusters
		WHERE mode = ? AND credential_ref <> '' ORDER BY workspace, name`)
	if err := s.db.SelectContext(ctx, &clusters, query, string(ModeKubeconfig)); err != nil {
		return nil, persistErr("list pull clusters", err)
	}
	return clusters, nil
}

// MarkClusterSync records the outcome of a poll or push.
func (s *Store) MarkClusterSync(ctx context.Context, name, workspace string, status SyncStatus, at time.Time) error {
	query := s.db.Rebind(`UPDATE clusters SET sync_status = ?, last_sync = ? WHERE name = ? AND workspace = ?`)
	res, err := s.db.ExecContext(ctx, query, string(status), at.UTC(), name, workspace)
	if err != nil {
		return persistErr("mark cluster sync", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("cluster %s/%s: %w", workspace, name, ErrNotFound)
	}
	return nil
}
