package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

// CreateWorkspace records a workspace with its declared clusters.
func (s *Service) CreateWorkspace(ctx context.Context, req protocol.CreateWorkspaceRequest) (*store.Workspace, error) {
	if err := protocol.ValidateCreateWorkspace(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	ws, err := s.store.CreateWorkspace(ctx, req.Name, req.Description, req.Clusters)
	if err != nil {
		return nil, err
	}
	s.log.Info("workspace created", "workspace", ws.Name, "id", ws.ID)
	return ws, nil
}

// ListWorkspaces returns every workspace.
func (s *Service) ListWorkspaces(ctx context.Context) ([]store.Workspace, error) {
	return s.store.ListWorkspaces(ctx)
}

// DeleteWorkspace removes a workspace record. Its registrations stay.
func (s *Service) DeleteWorkspace(ctx context.Context, id int64) (bool, error) {
	deleted, err := s.store.DeleteWorkspace(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.log.Info("workspace deleted", "id", id)
	}
	return deleted, nil
}

// WorkspaceClusters merges the clusters declared on the workspace with the
// ones registered into it, sorted and deduplicated. An unknown workspace
// with no registrations yields an empty list.
func (s *Service) WorkspaceClusters(ctx context.Context, workspace string) (protocol.WorkspaceClusters, error) {
	out := protocol.WorkspaceClusters{Workspace: workspace, Clusters: []string{}}

	ws, err := s.store.GetWorkspace(ctx, workspace)
	switch {
	case err == nil:
		out.Clusters = append(out.Clusters, ws.Clusters...)
	case !errors.Is(err, store.ErrNotFound):
		return out, err
	}

	regs, err := s.store.ListClusters(ctx)
	if err != nil {
		return out, err
	}
	for _, c := range regs {
		if c.Workspace == workspace {
			out.Clusters = append(out.Clusters, c.Name)
		}
	}

	slices.Sort(out.Clusters)
	out.Clusters = slices.Compact(out.Clusters)
	return out, nil
}
