package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhruvvurhd/program-upgrade-system/internal/db"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func TestStoredTimestampsSortChronologically(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(150 * time.Millisecond),
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
	}
	for i := 1; i < len(times); i++ {
		require.Less(t, formatTime(times[i-1]), formatTime(times[i]))
	}
	for _, at := range times {
		got, err := parseTime(formatTime(at))
		require.NoError(t, err)
		require.True(t, at.Equal(got))
	}
	legacy, err := parseTime("2024-06-01T10:00:00.15Z")
	require.NoError(t, err)
	require.True(t, times[2].Equal(legacy))
}

func TestProposalsListNewestFirstAcrossFractions(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	for _, p := range []struct {
		id string
		at time.Time
	}{
		{"p-whole", base},
		{"p-tenth", base.Add(100 * time.Millisecond)},
		{"p-fifteen", base.Add(150 * time.Millisecond)},
	} {
		require.NoError(t, r.InsertProposal(ctx, nil, domain.Proposal{
			ID:              p.id,
			Proposer:        "alice",
			TargetArtifact:  "artifact-" + p.id,
			Status:          domain.StatusProposed,
			TimelockSeconds: 60,
			CreatedAt:       p.at,
		}))
	}
	got, err := r.ListProposals(ctx, ProposalFilters{})
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []string{"p-fifteen", "p-tenth", "p-whole"}, ids)
}

func TestApprovalsKeepInsertionOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.InsertProposal(ctx, nil, domain.Proposal{
		ID: "p1", Proposer: "alice", TargetArtifact: "artifact-v2",
		Status: domain.StatusProposed, TimelockSeconds: 60, CreatedAt: base,
	}))
	for i, who := range []string{"carol", "alice", "bob"} {
		ok, err := r.TryAddApproval(ctx, nil, domain.Approval{ProposalID: "p1", Principal: who, ApprovedAt: base})
		require.NoError(t, err)
		require.True(t, ok, "approval %d", i)
	}
	ok, err := r.TryAddApproval(ctx, nil, domain.Approval{ProposalID: "p1", Principal: "alice", ApprovedAt: base})
	require.NoError(t, err)
	require.False(t, ok)

	approvals, err := r.ListApprovals(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"carol", "alice", "bob"}, approverIDs(approvals))
}
