package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

func TestCreateWorkspace(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ws, err := f.svc.CreateWorkspace(ctx, protocol.CreateWorkspaceRequest{
		Name: "acme", Description: "production", Clusters: []string{"prod-eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", ws.Name)

	_, err = f.svc.CreateWorkspace(ctx, protocol.CreateWorkspaceRequest{Name: "acme"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = f.svc.CreateWorkspace(ctx, protocol.CreateWorkspaceRequest{Name: "no spaces"})
	assert.ErrorIs(t, err, ErrInvalidReport)

	list, err := f.svc.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	deleted, err := f.svc.DeleteWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = f.svc.DeleteWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestWorkspaceClustersMergesDeclaredAndRegistered(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.CreateWorkspace(ctx, protocol.CreateWorkspaceRequest{
		Name: "acme", Clusters: []string{"prod-us", "edge"},
	})
	require.NoError(t, err)
	f.hello(t, "edge", "acme")
	f.hello(t, "lab-1", "acme")
	f.hello(t, "other", "beta")

	got, err := f.svc.WorkspaceClusters(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Workspace)
	assert.Equal(t, []string{"edge", "lab-1", "prod-us"}, got.Clusters)

	// registrations alone are enough
	got, err = f.svc.WorkspaceClusters(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, got.Clusters)

	got, err = f.svc.WorkspaceClusters(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, got.Clusters)
	assert.NotNil(t, got.Clusters)
}
