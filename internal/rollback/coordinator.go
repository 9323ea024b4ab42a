package rollback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/engine"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

// Coordinator pauses the system, files a compensating proposal through the
// state machine and resumes. Rollbacks are serialized so the pause it took
// is the pause it releases.
type Coordinator struct {
	Engine  engine.Engine
	Members *membership.Registry
	Repo    repo.Repo
	Events  events.Writer
	Policy  Policy
	Now     func() time.Time
	Log     zerolog.Logger

	mu sync.Mutex
}

func New(eng engine.Engine, policy Policy) *Coordinator {
	if policy == nil {
		policy = NeverPolicy{}
	}
	return &Coordinator{
		Engine:  eng,
		Members: eng.Members,
		Repo:    eng.Repo,
		Events:  events.Writer{DB: eng.DB},
		Policy:  policy,
		Now:     time.Now,
		Log:     zerolog.Nop(),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

type Result struct {
	Rollback             domain.RollbackEvent `json:"rollback"`
	CompensatingProposal domain.Proposal      `json:"compensating_proposal"`
	Paused               bool                 `json:"paused"`
}

// ExecuteRollback rolls an executed proposal back to the artifact it
// replaced. If the system was already paused it stays paused; otherwise it
// is resumed once the compensating proposal is recorded. A failed rollback
// leaves the system paused.
func (c *Coordinator) ExecuteRollback(ctx context.Context, proposalID, reason, actor string) (Result, error) {
	if err := c.Members.RequireMember(actor); err != nil {
		return Result{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Result{}, errors.Wrap(domain.ErrInvalidArgument, "rollback reason required")
	}
	if n := len([]rune(reason)); n > c.Engine.DescriptionLimit() {
		return Result{}, errors.Wrapf(domain.ErrDescriptionTooLong, "reason has %d characters, max %d", n, c.Engine.DescriptionLimit())
	}
	p, err := c.Engine.GetProposal(ctx, proposalID)
	if err != nil {
		return Result{}, err
	}
	if p.Status != domain.StatusExecuted {
		return Result{}, errors.Wrapf(domain.ErrInvalidProposalState, "proposal %s is %s", p.ID, p.Status)
	}
	if p.PreviousArtifact == "" {
		return Result{}, errors.Wrapf(domain.ErrInvalidArgument, "proposal %s has no prior artifact to restore", p.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, pausedHere, err := c.Members.TryPause(ctx, actor)
	if err != nil {
		return Result{}, err
	}
	log := c.Log.With().Str("proposal_id", p.ID).Str("actor", actor).Logger()

	description := truncate(fmt.Sprintf("rollback of %s to %s: %s", p.ID, p.PreviousArtifact, reason), c.Engine.DescriptionLimit())
	comp, err := c.Engine.Submit(ctx, actor, p.PreviousArtifact, description)
	if err != nil {
		log.Error().Err(err).Msg("submit compensating proposal; system left paused")
		return Result{}, err
	}
	rb := domain.RollbackEvent{
		ID:                     uuid.NewString(),
		ProposalID:             p.ID,
		CompensatingProposalID: comp.ID,
		Reason:                 reason,
		ExecutedBy:             actor,
		CreatedAt:              c.now(),
	}
	if err := c.record(ctx, rb); err != nil {
		log.Error().Err(err).Msg("record rollback; system left paused")
		return Result{}, err
	}

	res := Result{Rollback: rb, CompensatingProposal: comp, Paused: true}
	if pausedHere {
		st, err := c.Members.Resume(context.WithoutCancel(ctx), actor)
		if err != nil {
			log.Error().Err(err).Msg("resume after rollback")
			return res, err
		}
		res.Paused = st.Paused
	}
	log.Info().Str("compensating_proposal_id", comp.ID).Str("reason", reason).Msg("rollback executed")
	return res, nil
}

func (c *Coordinator) record(ctx context.Context, rb domain.RollbackEvent) error {
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable(err)
	}
	defer tx.Rollback()
	if err := c.Repo.InsertRollback(ctx, tx, rb); err != nil {
		return domain.Unavailable(errors.Wrap(err, "insert rollback"))
	}
	w := c.Events
	w.Now = c.now
	if err := w.Append(ctx, tx, events.RollbackExecuted, events.KindProposal, rb.ProposalID, rb.ExecutedBy, events.EventPayload{
		"reason":                   rb.Reason,
		"compensating_proposal_id": rb.CompensatingProposalID,
	}); err != nil {
		return domain.Unavailable(err)
	}
	return domain.Unavailable(tx.Commit())
}

type Evaluation struct {
	ProposalID     string  `json:"proposal_id"`
	ShouldRollback bool    `json:"should_rollback"`
	Reason         string  `json:"reason,omitempty"`
	Result         *Result `json:"result,omitempty"`
}

// Evaluate runs the policy and, when it fires, executes the rollback.
func (c *Coordinator) Evaluate(ctx context.Context, proposalID, actor string) (Evaluation, error) {
	if _, err := c.Engine.GetProposal(ctx, proposalID); err != nil {
		return Evaluation{}, err
	}
	ok, reason, err := c.Policy.ShouldRollback(ctx, proposalID)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{ProposalID: proposalID, ShouldRollback: ok, Reason: reason}
	if !ok {
		return ev, nil
	}
	if reason == "" {
		reason = "rollback policy fired"
	}
	res, err := c.ExecuteRollback(ctx, proposalID, reason, actor)
	if err != nil {
		return ev, err
	}
	ev.Result = &res
	return ev, nil
}

func (c *Coordinator) List(ctx context.Context, proposalID string) ([]domain.RollbackEvent, error) {
	items, err := c.Repo.ListRollbacks(ctx, proposalID)
	return items, domain.Unavailable(err)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
