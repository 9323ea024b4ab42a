package engine_test

import (
	"context"
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
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/migrate"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

var members = []string{"alice", "bob", "carol", "dave", "erin"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Membership.Members = members
	cfg.Membership.Threshold = 3
	require.NoError(t, cfg.Validate())

	reg, err := membership.FromConfig(cfg, repo.Repo{DB: conn})
	require.NoError(t, err)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg.Now = clk.Now
	reg.Events.Now = clk.Now
	eng := engine.New(conn, cfg, reg)
	eng.Now = clk.Now
	return testEnv{Engine: eng, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) submit(t *testing.T) domain.Proposal {
	t.Helper()
	p, err := env.Engine.Submit(env.Ctx, "alice", "artifact-v2", "upgrade to v2")
	require.NoError(t, err)
	return p
}

func (env testEnv) approve(t *testing.T, id string, principals ...string) engine.ApprovalResult {
	t.Helper()
	var res engine.ApprovalResult
	for _, p := range principals {
		var err error
		res, err = env.Engine.Approve(env.Ctx, id, p)
		require.NoError(t, err, "approve by %s", p)
	}
	return res
}

func TestThresholdScenario(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	require.Equal(t, domain.StatusProposed, p.Status)
	require.Zero(t, p.ApprovalCount)

	res := env.approve(t, p.ID, "alice", "bob")
	require.Equal(t, 2, res.ApprovalCount)
	require.Equal(t, domain.StatusApproved, res.Status)
	require.False(t, res.ThresholdMet)

	t0 := env.Clock.Now()
	res = env.approve(t, p.ID, "carol")
	require.Equal(t, 3, res.ApprovalCount)
	require.True(t, res.ThresholdMet)
	require.True(t, res.TimelockJustActivated)
	require.Equal(t, domain.StatusTimelockActive, res.Status)

	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TimelockActivatedAt)
	require.True(t, got.TimelockActivatedAt.Equal(t0))
	require.Equal(t, []string{"alice", "bob", "carol"}, got.Approvers)

	env.Clock.Advance(time.Second)
	_, err = env.Engine.Execute(env.Ctx, p.ID, "dave")
	require.True(t, errors.Is(err, domain.ErrTimelockNotExpired), "got %v", err)

	env.Clock.Advance(config.DefaultTimelock - time.Second)
	out, err := env.Engine.Execute(env.Ctx, p.ID, "dave")
	require.NoError(t, err)
	require.True(t, out.Executed)
	require.Equal(t, "artifact-v2", out.TargetArtifact)

	got, err = env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
}

func TestApproveRejections(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)

	env.approve(t, p.ID, "alice")
	_, err := env.Engine.Approve(env.Ctx, p.ID, "alice")
	require.True(t, errors.Is(err, domain.ErrDuplicateApproval), "got %v", err)

	_, err = env.Engine.Approve(env.Ctx, p.ID, "mallory")
	require.True(t, errors.Is(err, domain.ErrUnauthorizedSigner), "got %v", err)

	_, err = env.Engine.Approve(env.Ctx, "missing", "bob")
	require.True(t, errors.Is(err, domain.ErrNotFound), "got %v", err)

	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ApprovalCount)
	require.Len(t, got.Approvers, got.ApprovalCount)
}

func TestApproveAfterExecutedIsInvalidState(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.approve(t, p.ID, "alice", "bob", "carol")
	env.Clock.Advance(config.DefaultTimelock)
	_, err := env.Engine.Execute(env.Ctx, p.ID, "alice")
	require.NoError(t, err)

	_, err = env.Engine.Approve(env.Ctx, p.ID, "dave")
	require.True(t, errors.Is(err, domain.ErrInvalidProposalState), "got %v", err)
}

func TestApproveWhileTimelockActiveDoesNotRearm(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.approve(t, p.ID, "alice", "bob", "carol")
	armed, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)

	env.Clock.Advance(time.Hour)
	_, err = env.Engine.Approve(env.Ctx, p.ID, "dave")
	require.True(t, errors.Is(err, domain.ErrInvalidProposalState), "got %v", err)

	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.ApprovalCount)
	require.True(t, got.TimelockActivatedAt.Equal(*armed.TimelockActivatedAt))
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, "alice", "artifact", strings.Repeat("x", 501))
	require.True(t, errors.Is(err, domain.ErrDescriptionTooLong), "got %v", err)

	_, err = env.Engine.Submit(env.Ctx, "mallory", "artifact", "ok")
	require.True(t, errors.Is(err, domain.ErrUnauthorizedSigner), "got %v", err)

	_, err = env.Engine.Submit(env.Ctx, "alice", " ", "ok")
	require.True(t, errors.Is(err, domain.ErrInvalidArgument), "got %v", err)

	p, err := env.Engine.Submit(env.Ctx, "alice", "artifact", strings.Repeat("é", 500))
	require.NoError(t, err)
	require.Equal(t, int64(config.DefaultTimelock/time.Second), p.TimelockSeconds)
}

func TestTimelockDurationFixedAtSubmit(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.Engine.Config.Timelock.Duration = time.Minute

	env.approve(t, p.ID, "alice", "bob", "carol")
	env.Clock.Advance(time.Hour)
	_, err := env.Engine.Execute(env.Ctx, p.ID, "alice")
	require.True(t, errors.Is(err, domain.ErrTimelockNotExpired), "got %v", err)

	short := env.submit(t)
	require.Equal(t, int64(60), short.TimelockSeconds)
}

func TestCancelFromEachState(t *testing.T) {
	env := newTestEnv(t)

	proposed := env.submit(t)
	approved := env.submit(t)
	env.approve(t, approved.ID, "alice")
	armed := env.submit(t)
	env.approve(t, armed.ID, "alice", "bob", "carol")

	for _, id := range []string{proposed.ID, approved.ID, armed.ID} {
		p, err := env.Engine.Cancel(env.Ctx, id, "erin", "")
		require.NoError(t, err)
		require.Equal(t, domain.StatusCancelled, p.Status)
		require.Equal(t, "cancelled by member", p.CancelReason)
	}

	_, err := env.Engine.Cancel(env.Ctx, proposed.ID, "erin", "again")
	require.True(t, errors.Is(err, domain.ErrProposalAlreadyCancelled), "got %v", err)

	executed := env.submit(t)
	env.approve(t, executed.ID, "alice", "bob", "carol")
	env.Clock.Advance(config.DefaultTimelock)
	_, err = env.Engine.Execute(env.Ctx, executed.ID, "alice")
	require.NoError(t, err)
	_, err = env.Engine.Cancel(env.Ctx, executed.ID, "erin", "too late")
	require.True(t, errors.Is(err, domain.ErrProposalAlreadyExecuted), "got %v", err)

	fresh := env.submit(t)
	_, err = env.Engine.Cancel(env.Ctx, fresh.ID, "mallory", "")
	require.True(t, errors.Is(err, domain.ErrUnauthorizedSigner), "got %v", err)
}

func TestExecuteRequiresTimelockActive(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.approve(t, p.ID, "alice")
	env.Clock.Advance(config.DefaultTimelock * 2)
	_, err := env.Engine.Execute(env.Ctx, p.ID, "alice")
	require.True(t, errors.Is(err, domain.ErrInvalidProposalState), "got %v", err)
}

func TestExecuteRefusedWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.approve(t, p.ID, "alice", "bob", "carol")
	env.Clock.Advance(config.DefaultTimelock)

	_, err := env.Engine.Members.Pause(env.Ctx, "alice")
	require.NoError(t, err)
	_, err = env.Engine.Execute(env.Ctx, p.ID, "alice")
	require.True(t, errors.Is(err, domain.ErrSystemPaused), "got %v", err)

	_, err = env.Engine.Members.Resume(env.Ctx, "alice")
	require.NoError(t, err)
	_, err = env.Engine.Execute(env.Ctx, p.ID, "alice")
	require.NoError(t, err)
}

func TestExecuteTracksPreviousArtifact(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Submit(env.Ctx, "alice", "artifact-v1", "v1")
	require.NoError(t, err)
	env.approve(t, first.ID, "alice", "bob", "carol")
	env.Clock.Advance(config.DefaultTimelock)
	_, err = env.Engine.Execute(env.Ctx, first.ID, "alice")
	require.NoError(t, err)

	second, err := env.Engine.Submit(env.Ctx, "bob", "artifact-v2", "v2")
	require.NoError(t, err)
	env.approve(t, second.ID, "alice", "bob", "carol")
	env.Clock.Advance(config.DefaultTimelock)
	out, err := env.Engine.Execute(env.Ctx, second.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, "artifact-v1", out.PreviousArtifact)

	state, err := env.Engine.Members.State(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, "artifact-v2", state.CurrentArtifact)
}

func TestConcurrentApprovalsArmOnce(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		armed  int
		counts []int
	)
	for _, m := range members {
		wg.Add(1)
		go func(principal string) {
			defer wg.Done()
			res, err := env.Engine.Approve(env.Ctx, p.ID, principal)
			if err != nil {
				// approvals arriving after arming see timelock_active
				if !errors.Is(err, domain.ErrInvalidProposalState) {
					t.Errorf("approve %s: %v", principal, err)
				}
				return
			}
			mu.Lock()
			defer mu.Unlock()
			counts = append(counts, res.ApprovalCount)
			if res.TimelockJustActivated {
				armed++
			}
		}(m)
	}
	wg.Wait()

	require.Equal(t, 1, armed)
	require.Len(t, counts, 3)
	require.ElementsMatch(t, []int{1, 2, 3}, counts)
	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusTimelockActive, got.Status)
	require.Equal(t, len(got.Approvers), got.ApprovalCount)
}

func TestTransitionsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	env.approve(t, p.ID, "alice", "bob", "carol")
	env.Clock.Advance(config.DefaultTimelock)
	_, err := env.Engine.Execute(env.Ctx, p.ID, "dave")
	require.NoError(t, err)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 20, repo.EventFilters{EntityKind: events.KindProposal, EntityID: p.ID})
	require.NoError(t, err)
	var types []string
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
		require.NotEmpty(t, evts[i].ActorID)
		require.NotEmpty(t, evts[i].TS)
	}
	require.Equal(t, []string{
		events.ProposalCreated,
		events.ApprovalRecorded,
		events.ApprovalRecorded,
		events.ApprovalRecorded,
		events.TimelockActivated,
		events.ProposalExecuted,
	}, types)
	require.Equal(t, "dave", evts[0].ActorID)
}

func TestFailedTransitionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	p := env.submit(t)
	before, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)

	_, err = env.Engine.Cancel(env.Ctx, p.ID, "alice", strings.Repeat("r", 600))
	require.True(t, errors.Is(err, domain.ErrDescriptionTooLong), "got %v", err)

	after, err := env.Engine.Repo.LatestEventID(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	got, err := env.Engine.GetProposal(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProposed, got.Status)
}

func TestListProposalsByStatus(t *testing.T) {
	env := newTestEnv(t)
	a := env.submit(t)
	b := env.submit(t)
	env.approve(t, b.ID, "alice")

	items, err := env.Engine.ListProposals(env.Ctx, domain.StatusApproved, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, b.ID, items[0].ID)

	items, err = env.Engine.ListProposals(env.Ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	_, err = env.Engine.ListProposals(env.Ctx, "bogus", 10)
	require.True(t, errors.Is(err, domain.ErrInvalidArgument))

	approvals, err := env.Engine.Approvals(env.Ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, approvals)
}
