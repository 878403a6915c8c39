package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IncidentStatus is open until an operator resolves it.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is a persisted incident row.
type Incident struct {
	ID          int64          `db:"id" json:"id"`
	Title       string         `db:"title" json:"title"`
	Cluster     string         `db:"cluster" json:"cluster"`
	Namespace   string         `db:"namespace" json:"namespace"`
	App         string         `db:"app" json:"app"`
	Workspace   string         `db:"workspace" json:"workspace"`
	Status      IncidentStatus `db:"status" json:"status"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	ResolvedAt  *time.Time     `db:"resolved_at" json:"resolved_at"`
	MTTRSeconds *int64         `db:"mttr_seconds" json:"mttr_seconds"`
	Summary     *string        `db:"summary" json:"summary"`
	Resolution  *string        `db:"resolution" json:"resolution"`
}

// NewIncident carries the fields supplied when an incident is opened.
type NewIncident struct {
	Title     string
	Cluster   string
	Namespace string
	App       string
	Workspace string
}

const incidentColumns = `id, title, cluster, namespace, app, workspace, status, created_at,
	resolved_at, mttr_seconds, summary, resolution`

// CreateIncident inserts an open incident and returns its id.
func (s *Store) CreateIncident(ctx context.Context, in NewIncident) (int64, error) {
	var id int64
	query := s.db.Rebind(`INSERT INTO incidents (title, cluster, namespace, app, workspace, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := s.db.QueryRowxContext(ctx, query,
		in.Title, in.Cluster, in.Namespace, in.App, in.Workspace, string(IncidentOpen), s.now()).Scan(&id)
	if err != nil {
		return 0, persistErr("create incident", err)
	}
	return id, nil
}

// GetIncident loads one incident.
func (s *Store) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	var inc Incident
	err := s.db.GetContext(ctx, &inc, s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, persistErr("get incident", err)
	}
	return &inc, nil
}

// SetIncidentSummary stores the merged collaborator summary.
func (s *Store) SetIncidentSummary(ctx context.Context, id int64, summary string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE incidents SET summary = ? WHERE id = ?`), summary, id)
	if err != nil {
		return persistErr("set incident summary", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("incident %d: %w", id, ErrNotFound)
	}
	return nil
}

// ResolveIncident moves an open incident to resolved. It reports false when
// the incident was not open, so concurrent resolves cannot both succeed.
func (s *Store) ResolveIncident(ctx context.Context, id int64, mttrSeconds int64, resolution *string, at time.Time) (bool, error) {
	query := s.db.Rebind(`UPDATE incidents
		SET status = ?, resolved_at = ?, mttr_seconds = ?, resolution = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(IncidentResolved), at.UTC(), mttrSeconds, resolution, id, string(IncidentOpen))
	if err != nil {
		return false, persistErr("resolve incident", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistErr("resolve incident", err)
	}
	return n == 1, nil
}

// RecentIncidents returns the newest incidents, optionally for one workspace.
func (s *Store) RecentIncidents(ctx context.Context, workspace string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	incidents := []Incident{}
	var err error
	if workspace != "" {
		err = s.db.SelectContext(ctx, &incidents, s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents
			WHERE workspace = ? ORDER BY created_at DESC, id DESC LIMIT ?`), workspace, limit)
	} else {
		err = s.db.SelectContext(ctx, &incidents, s.db.Rebind(`SELECT `+incidentColumns+` FROM incidents
			ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	}
	if err != nil {
		return nil, persistErr("recent incidents", err)
	}
	return incidents, nil
}

// MTTRStat aggregates resolution times for one workspace.
type MTTRStat struct {
	Workspace  string  `db:"workspace" json:"workspace"`
	Resolved   int64   `db:"resolved" json:"resolved"`
	AvgSeconds float64 `db:"avg_seconds" json:"avg_seconds"`
	MinSeconds int64   `db:"min_seconds" json:"min_seconds"`
	MaxSeconds int64   `db:"max_seconds" json:"max_seconds"`
}

// MTTRStats computes resolution statistics per workspace, or for the given
// workspace only.
func (s *Store) MTTRStats(ctx context.Context, workspace string) ([]MTTRStat, error) {
	query := `SELECT workspace,
			COUNT(*) AS resolved,
			COALESCE(AVG(mttr_seconds), 0) AS avg_seconds,
			COALESCE(MIN(mttr_seconds), 0) AS min_seconds,
			COALESCE(MAX(mttr_seconds), 0) AS max_seconds
		FROM incidents WHERE status = ? AND mttr_seconds IS NOT NULL`
	args := []any{string(IncidentResolved)}
	if workspace != "" {
		query += ` AND workspace = ?`
		args = append(args, workspace)
	}
	query += ` GROUP BY workspace ORDER BY workspace`

	stats := []MTTRStat{}
	if err := s.db.SelectContext(ctx, &stats, s.db.Rebind(query), args...); err != nil {
		return nil, persistErr("mttr stats", err)
	}
	return stats, nil
}
