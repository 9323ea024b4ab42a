package rollback_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/db"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/engine"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/jobs"
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/migrate"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
	"github.com/dhruvvurhd/program-upgrade-system/internal/rollback"
)

type testEnv struct {
	Engine engine.Engine
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Membership.Members = []string{"alice", "bob", "carol"}
	cfg.Membership.Threshold = 2
	reg, err := membership.FromConfig(cfg, repo.Repo{DB: conn})
	require.NoError(t, err)

	env := &testEnv{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	env.Engine = engine.New(conn, cfg, reg)
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) ship(t *testing.T, artifact string) domain.Proposal {
	t.Helper()
	ctx := context.Background()
	p, err := env.Engine.Submit(ctx, "alice", artifact, "ship "+artifact)
	require.NoError(t, err)
	for _, m := range []string{"alice", "bob"} {
		_, err := env.Engine.Approve(ctx, p.ID, m)
		require.NoError(t, err)
	}
	env.now = env.now.Add(config.DefaultTimelock)
	_, err = env.Engine.Execute(ctx, p.ID, "alice")
	require.NoError(t, err)
	p, err = env.Engine.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	return p
}

func TestExecuteRollbackSubmitsCompensatingProposal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ship(t, "artifact-v1")
	v2 := env.ship(t, "artifact-v2")
	require.Equal(t, "artifact-v1", v2.PreviousArtifact)

	c := rollback.New(env.Engine, nil)
	res, err := c.ExecuteRollback(ctx, v2.ID, "error spike after deploy", "carol")
	require.NoError(t, err)
	require.False(t, res.Paused)
	require.Equal(t, "artifact-v1", res.CompensatingProposal.TargetArtifact)
	require.Equal(t, domain.StatusProposed, res.CompensatingProposal.Status)
	require.Equal(t, "carol", res.CompensatingProposal.Proposer)
	require.Equal(t, v2.ID, res.Rollback.ProposalID)

	state, err := env.Engine.Members.State(ctx)
	require.NoError(t, err)
	require.False(t, state.Paused)

	list, err := c.List(ctx, v2.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, res.CompensatingProposal.ID, list[0].CompensatingProposalID)

	evts, err := env.Engine.Repo.LatestEvents(ctx, 10, repo.EventFilters{EntityKind: events.KindSystem})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, events.SystemResumed, evts[0].Type)
	require.Equal(t, events.SystemPaused, evts[1].Type)

	rb, err := env.Engine.Repo.LatestEvents(ctx, 1, repo.EventFilters{Type: events.RollbackExecuted})
	require.NoError(t, err)
	require.Len(t, rb, 1)
	require.Equal(t, v2.ID, rb[0].EntityID)
}

func TestExecuteRollbackKeepsExistingPause(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ship(t, "artifact-v1")
	v2 := env.ship(t, "artifact-v2")

	_, err := env.Engine.Members.Pause(ctx, "bob")
	require.NoError(t, err)

	c := rollback.New(env.Engine, nil)
	res, err := c.ExecuteRollback(ctx, v2.ID, "manual", "carol")
	require.NoError(t, err)
	require.True(t, res.Paused)

	state, err := env.Engine.Members.State(ctx)
	require.NoError(t, err)
	require.True(t, state.Paused)
}

func TestExecuteRollbackNeverReleasesAMemberPause(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ship(t, "artifact-v1")
	v2 := env.ship(t, "artifact-v2")
	c := rollback.New(env.Engine, nil)
	members := env.Engine.Members

	for i := 0; i < 25; i++ {
		var wg sync.WaitGroup
		var bobPaused bool
		var rbErr, pauseErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, rbErr = c.ExecuteRollback(ctx, v2.ID, fmt.Sprintf("round %d", i), "carol")
		}()
		go func() {
			defer wg.Done()
			_, bobPaused, pauseErr = members.TryPause(ctx, "bob")
		}()
		wg.Wait()
		require.NoError(t, rbErr)
		require.NoError(t, pauseErr)

		state, err := members.State(ctx)
		require.NoError(t, err)
		if bobPaused {
			require.True(t, state.Paused, "round %d: rollback resumed a pause it did not take", i)
		}
		_, err = members.Resume(ctx, "bob")
		require.NoError(t, err)
	}
}

func TestExecuteRollbackRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.ship(t, "artifact-v1")
	c := rollback.New(env.Engine, nil)

	_, err := c.ExecuteRollback(ctx, first.ID, "no prior", "alice")
	require.True(t, errors.Is(err, domain.ErrInvalidArgument), "got %v", err)

	pending, err := env.Engine.Submit(ctx, "alice", "artifact-v9", "pending")
	require.NoError(t, err)
	_, err = c.ExecuteRollback(ctx, pending.ID, "why", "alice")
	require.True(t, errors.Is(err, domain.ErrInvalidProposalState), "got %v", err)

	_, err = c.ExecuteRollback(ctx, first.ID, "why", "mallory")
	require.True(t, errors.Is(err, domain.ErrUnauthorizedSigner), "got %v", err)

	_, err = c.ExecuteRollback(ctx, first.ID, " ", "alice")
	require.True(t, errors.Is(err, domain.ErrInvalidArgument), "got %v", err)

	_, err = c.ExecuteRollback(ctx, first.ID, strings.Repeat("x", 501), "alice")
	require.True(t, errors.Is(err, domain.ErrDescriptionTooLong), "got %v", err)

	state, err := env.Engine.Members.State(ctx)
	require.NoError(t, err)
	require.False(t, state.Paused)
}

func TestEvaluateWithFailureRatePolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.ship(t, "artifact-v1")
	v2 := env.ship(t, "artifact-v2")

	runner := jobs.NewRunner(env.Engine.Repo, env.Engine.Members, jobs.MigratorFunc(func(ctx context.Context, ref string) (jobs.Versions, error) {
		if strings.HasSuffix(ref, "-bad") {
			return jobs.Versions{Source: 1, Target: 2}, fmt.Errorf("cannot convert %s", ref)
		}
		return jobs.Versions{Source: 1, Target: 2}, nil
	}), 0)
	t.Cleanup(runner.Close)

	policy := rollback.FailureRatePolicy{Repo: env.Engine.Repo, MaxFailureRate: 0.25, MinSamples: 4}
	c := rollback.New(env.Engine, policy)

	ev, err := c.Evaluate(ctx, v2.ID, "alice")
	require.NoError(t, err)
	require.False(t, ev.ShouldRollback)

	job, err := runner.Start(ctx, v2.ID, []string{"a", "b-bad", "c-bad", "d"}, "alice")
	require.NoError(t, err)
	_, err = runner.Wait(ctx, job.ID)
	require.NoError(t, err)

	ev, err = c.Evaluate(ctx, v2.ID, "alice")
	require.NoError(t, err)
	require.True(t, ev.ShouldRollback)
	require.Contains(t, ev.Reason, "50.0%")
	require.NotNil(t, ev.Result)
	require.Equal(t, "artifact-v1", ev.Result.CompensatingProposal.TargetArtifact)
}

func TestFailureRatePolicyNeedsSamples(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.ship(t, "artifact-v1")

	runner := jobs.NewRunner(env.Engine.Repo, env.Engine.Members, jobs.MigratorFunc(func(ctx context.Context, ref string) (jobs.Versions, error) {
		return jobs.Versions{}, fmt.Errorf("down")
	}), 0)
	t.Cleanup(runner.Close)
	job, err := runner.Start(ctx, p.ID, []string{"a", "b"}, "alice")
	require.NoError(t, err)
	_, err = runner.Wait(ctx, job.ID)
	require.NoError(t, err)

	policy := rollback.FailureRatePolicy{Repo: env.Engine.Repo, MaxFailureRate: 0.1, MinSamples: 10}
	ok, _, err := policy.ShouldRollback(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, ok)

	policy.MinSamples = 2
	ok, reason, err := policy.ShouldRollback(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, reason, "100.0%")
}
