package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
)

type healthRow struct {
	Component  string    `db:"component"`
	Type       string    `db:"component_type"`
	Status     string    `db:"status"`
	Details    string    `db:"details"`
	ObservedAt time.Time `db:"observed_at"`
}

// ReplaceHealth swaps the full component set for a cluster in one
// transaction. Readers see either the old set or the new one.
func (s *Store) ReplaceHealth(ctx context.Context, cluster, workspace string, components []health.Component, at time.Time) error {
	for _, c := range components {
		if !c.Status.Valid() {
			return fmt.Errorf("%w: component %q has status %q", ErrPersistenceFailed, c.Name, c.Status)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return persistErr("begin health replace", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`DELETE FROM cluster_health WHERE cluster_name = ? AND workspace = ?`),
		cluster, workspace); err != nil {
		return persistErr("clear health", err)
	}

	insert := tx.Rebind(`INSERT INTO cluster_health
		(cluster_name, workspace, component, component_type, status, details, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, c := range components {
		details := c.Details
		if details == nil {
			details = health.Details{}
		}
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("%w: encode details for %q: %w", ErrPersistenceFailed, c.Name, err)
		}
		observed := c.ObservedAt
		if observed.IsZero() {
			observed = at
		}
		if _, err := tx.ExecContext(ctx, insert,
			cluster, workspace, c.Name, c.Type, string(c.Status), string(raw), observed.UTC()); err != nil {
			return persistErr("insert health", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistErr("commit health replace", err)
	}
	return nil
}

// Health returns the stored components for a cluster ordered by name. No
// rows is not an error.
func (s *Store) Health(ctx context.Context, cluster, workspace string) ([]health.Component, error) {
	var rows []healthRow
	query := s.db.Rebind(`SELECT component, component_type, status, details, observed_at
		FROM cluster_health WHERE cluster_name = ? AND workspace = ? ORDER BY component`)
	if err := s.db.SelectContext(ctx, &rows, query, cluster, workspace); err != nil {
		return nil, persistErr("load health", err)
	}

	components := make([]health.Component, 0, len(rows))
	for _, r := range rows {
		var details health.Details
		if r.Details != "" {
			if err := json.Unmarshal([]byte(r.Details), &details); err != nil {
				s.log.Warn("unreadable component details", "cluster", cluster, "workspace", workspace,
					"component", r.Component, "error", err)
				details = health.Details{"error": "unreadable details"}
			}
		}
		components = append(components, health.Component{
			Name:       r.Component,
			Type:       r.Type,
			Status:     health.Status(r.Status),
			Details:    details,
			ObservedAt: r.ObservedAt.UTC(),
		})
	}
	return components, nil
}
