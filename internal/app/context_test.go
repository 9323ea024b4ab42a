package app_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dhruvvurhd/program-upgrade-system/internal/app"
	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

func TestOpenRequiresConfig(t *testing.T) {
	_, err := app.Open(context.Background(), t.TempDir(), zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "upg init")
}

func TestOpenWiresWorkspace(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Membership.Members = []string{"alice", "bob", "carol"}
	cfg.Membership.Threshold = 2
	cfg.Migration.ItemDelay = 0
	require.NoError(t, config.Write(ws, cfg))

	ctx := context.Background()
	a, err := app.Open(ctx, ws, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.Equal(t, ws, a.Workspace)
	require.Equal(t, 2, a.Members.Threshold())
	require.Equal(t, []string{"alice", "bob", "carol"}, a.Members.Members())

	p, err := a.Engine.Submit(ctx, "alice", "artifact-v2", "bump")
	require.NoError(t, err)
	require.Equal(t, domain.StatusProposed, p.Status)

	_, err = a.Engine.Submit(ctx, "mallory", "artifact-v2", "")
	require.ErrorIs(t, err, domain.ErrUnauthorizedSigner)

	got, err := a.Engine.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Membership.Members = []string{"alice"}
	cfg.Membership.Threshold = 1
	require.NoError(t, config.Write(ws, cfg))

	ctx := context.Background()
	first, err := app.Open(ctx, ws, zerolog.Nop())
	require.NoError(t, err)
	p, err := first.Engine.Submit(ctx, "alice", "artifact-v2", "")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := app.Open(ctx, ws, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	list, err := second.Engine.ListProposals(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, p.ID, list[0].ID)
}
