package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/observability"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

const defaultCancelReason = "cancelled by member"

// Engine is the proposal state machine. Every mutation runs under the
// proposal's lock and inside one transaction that also appends its events.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Members *membership.Registry
	Ledger  ApprovalLedger
	Config  *config.Config
	Now     func() time.Time
	Log     zerolog.Logger

	locks *lockTable
}

func New(db *sql.DB, cfg *config.Config, members *membership.Registry) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Members: members,
		Ledger:  ApprovalLedger{Repo: r},
		Config:  cfg,
		Now:     time.Now,
		Log:     zerolog.Nop(),
		locks:   newLockTable(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) lockProposal(id string) func() {
	t := e.locks
	if t == nil {
		t = fallbackLocks
	}
	return t.lock(id)
}

// DescriptionLimit is the rune bound shared by descriptions and cancel reasons.
func (e Engine) DescriptionLimit() int {
	if e.Config != nil && e.Config.Proposals.MaxDescriptionLength > 0 {
		return e.Config.Proposals.MaxDescriptionLength
	}
	return config.DefaultMaxDescriptionLength
}

func (e Engine) timelockDuration() time.Duration {
	if e.Config != nil && e.Config.Timelock.Duration > 0 {
		return e.Config.Timelock.Duration
	}
	return config.DefaultTimelock
}

func (e Engine) checkLength(field, value string) error {
	if n := utf8.RuneCountInString(value); n > e.DescriptionLimit() {
		return errors.Wrapf(domain.ErrDescriptionTooLong, "%s has %d characters, max %d", field, n, e.DescriptionLimit())
	}
	return nil
}

func startSpan(ctx context.Context, name, proposalID string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("proposal.id", proposalID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.CodeOf(err))
	}
	span.End()
}

// loadForUpdate reads a proposal inside tx, mapping storage failures.
func (e Engine) loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposalTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, errors.Wrapf(domain.ErrNotFound, "proposal %s", id)
	}
	return p, domain.Unavailable(err)
}

// Submit creates a proposal in the proposed state with no approvals. The
// timelock duration is fixed here from the current configuration.
func (e Engine) Submit(ctx context.Context, proposer, targetArtifact, description string) (p domain.Proposal, err error) {
	ctx, span := startSpan(ctx, "engine.Submit", "")
	defer func() { endSpan(span, err) }()

	if err := e.checkLength("description", description); err != nil {
		return p, err
	}
	targetArtifact = strings.TrimSpace(targetArtifact)
	if targetArtifact == "" {
		return p, errors.Wrap(domain.ErrInvalidArgument, "target artifact required")
	}
	if err := e.Members.RequireMember(proposer); err != nil {
		return p, err
	}
	duration := e.timelockDuration()
	if duration%time.Second != 0 {
		return p, errors.Wrapf(domain.ErrInvalidArgument, "timelock duration %s is not whole seconds", duration)
	}
	p = domain.Proposal{
		ID:              uuid.NewString(),
		Proposer:        proposer,
		TargetArtifact:  targetArtifact,
		Description:     description,
		Status:          domain.StatusProposed,
		Approvers:       []string{},
		TimelockSeconds: int64(duration / time.Second),
		CreatedAt:       e.now().UTC(),
	}
	span.SetAttributes(attribute.String("proposal.id", p.ID))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, domain.Unavailable(err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, domain.Unavailable(errors.Wrap(err, "insert proposal"))
	}
	if err := e.events().Append(ctx, tx, events.ProposalCreated, events.KindProposal, p.ID, proposer, events.EventPayload{
		"target_artifact":  p.TargetArtifact,
		"description":      p.Description,
		"timelock_seconds": p.TimelockSeconds,
	}); err != nil {
		return domain.Proposal{}, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, domain.Unavailable(err)
	}
	observability.RecordTransition(p.Status)
	e.Log.Info().Str("proposal_id", p.ID).Str("proposer", proposer).Str("target_artifact", p.TargetArtifact).Msg("proposal submitted")
	return p, nil
}

// ApprovalResult reports the effect of one approval.
type ApprovalResult struct {
	ProposalID            string     `json:"proposal_id"`
	ApprovalCount         int        `json:"approval_count"`
	Threshold             int        `json:"threshold"`
	ThresholdMet          bool       `json:"threshold_met"`
	TimelockJustActivated bool       `json:"timelock_activated"`
	Status                string     `json:"status"`
	TimelockExpiresAt     *time.Time `json:"timelock_expires_at,omitempty"`
}

// Approve records principal's approval. The approval that first brings the
// count to the threshold arms the timelock in the same transaction.
func (e Engine) Approve(ctx context.Context, proposalID, principal string) (res ApprovalResult, err error) {
	ctx, span := startSpan(ctx, "engine.Approve", proposalID)
	defer func() { endSpan(span, err) }()

	if err := e.Members.RequireMember(principal); err != nil {
		observability.RecordApproval("unauthorized")
		return res, err
	}
	unlock := e.lockProposal(proposalID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, domain.Unavailable(err)
	}
	defer tx.Rollback()

	p, err := e.loadForUpdate(ctx, tx, proposalID)
	if err != nil {
		return res, err
	}
	if err := ensureApprovable(p); err != nil {
		return res, err
	}
	now := e.now().UTC()
	added, err := e.Ledger.TryAdd(ctx, tx, p.ID, principal, now)
	if err != nil {
		return res, domain.Unavailable(errors.Wrap(err, "record approval"))
	}
	if !added {
		observability.RecordApproval("duplicate")
		return res, errors.Wrapf(domain.ErrDuplicateApproval, "%s already approved proposal %s", principal, p.ID)
	}
	p.Approvers = append(p.Approvers, principal)
	p.ApprovalCount = len(p.Approvers)

	threshold := e.Members.Threshold()
	res = ApprovalResult{
		ProposalID:    p.ID,
		ApprovalCount: p.ApprovalCount,
		Threshold:     threshold,
		ThresholdMet:  p.ApprovalCount >= threshold,
	}
	var expiresAt time.Time
	switch {
	case res.ThresholdMet && p.TimelockActivatedAt == nil:
		guard := TimelockGuard{ActivatedAt: now, Duration: p.TimelockDuration()}
		if expiresAt, err = guard.ExpiresAt(); err != nil {
			return ApprovalResult{}, err
		}
		p.Status = domain.StatusTimelockActive
		p.TimelockActivatedAt = &now
		res.TimelockJustActivated = true
		res.TimelockExpiresAt = &expiresAt
	default:
		// Below threshold, or threshold already met by an earlier approval
		// that armed the timelock: count without re-arming.
		p.Status = domain.StatusApproved
	}
	res.Status = p.Status

	if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
		return ApprovalResult{}, domain.Unavailable(errors.Wrap(err, "update proposal"))
	}
	w := e.events()
	if err := w.Append(ctx, tx, events.ApprovalRecorded, events.KindProposal, p.ID, principal, events.EventPayload{
		"approval_count":     p.ApprovalCount,
		"threshold":          threshold,
		"timelock_activated": res.TimelockJustActivated,
	}); err != nil {
		return ApprovalResult{}, domain.Unavailable(err)
	}
	if res.TimelockJustActivated {
		if err := w.Append(ctx, tx, events.TimelockActivated, events.KindProposal, p.ID, principal, events.EventPayload{
			"activated_at": now.Format(time.RFC3339Nano),
			"expires_at":   expiresAt.Format(time.RFC3339Nano),
		}); err != nil {
			return ApprovalResult{}, domain.Unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, domain.Unavailable(err)
	}
	observability.RecordApproval("recorded")
	observability.RecordTransition(p.Status)
	logEvt := e.Log.Info().Str("proposal_id", p.ID).Str("principal", principal).Int("approval_count", p.ApprovalCount).Int("threshold", threshold)
	if res.TimelockJustActivated {
		logEvt = logEvt.Time("timelock_expires_at", expiresAt)
	}
	logEvt.Msg("approval recorded")
	return res, nil
}

func ensureApprovable(p domain.Proposal) error {
	switch p.Status {
	case domain.StatusProposed, domain.StatusApproved:
		return nil
	default:
		return errors.Wrapf(domain.ErrInvalidProposalState, "proposal %s is %s", p.ID, p.Status)
	}
}

// ExecutionResult carries the artifact the caller must apply.
type ExecutionResult struct {
	ProposalID       string    `json:"proposal_id"`
	Executed         bool      `json:"executed"`
	TargetArtifact   string    `json:"target_artifact"`
	PreviousArtifact string    `json:"previous_artifact,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// Execute finalizes a proposal whose timelock has elapsed. It is refused
// while the system is paused.
func (e Engine) Execute(ctx context.Context, proposalID, executor string) (res ExecutionResult, err error) {
	ctx, span := startSpan(ctx, "engine.Execute", proposalID)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(executor) == "" {
		return res, errors.Wrap(domain.ErrInvalidArgument, "executor required")
	}
	unlock := e.lockProposal(proposalID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, domain.Unavailable(err)
	}
	defer tx.Rollback()

	paused, err := e.Members.PausedTx(ctx, tx)
	if err != nil {
		return res, err
	}
	if paused {
		return res, errors.Wrap(domain.ErrSystemPaused, "execute refused")
	}
	p, err := e.loadForUpdate(ctx, tx, proposalID)
	if err != nil {
		return res, err
	}
	if p.Status != domain.StatusTimelockActive {
		return res, errors.Wrapf(domain.ErrInvalidProposalState, "proposal %s is %s", p.ID, p.Status)
	}
	guard, ok := GuardFor(p)
	if !ok {
		return res, errors.Wrapf(domain.ErrInvalidProposalState, "proposal %s has no timelock", p.ID)
	}
	now := e.now().UTC()
	expired, err := guard.Expired(now)
	if err != nil {
		return res, err
	}
	if !expired {
		exp, _ := guard.ExpiresAt()
		return res, errors.Wrapf(domain.ErrTimelockNotExpired, "proposal %s executable at %s", p.ID, exp.Format(time.RFC3339))
	}
	threshold := e.Members.Threshold()
	if p.ApprovalCount < threshold {
		return res, errors.Wrapf(domain.ErrInsufficientApprovals, "%d of %d approvals", p.ApprovalCount, threshold)
	}
	state, err := e.Repo.GetSystemStateTx(ctx, tx)
	if err != nil {
		return res, domain.Unavailable(err)
	}
	p.Status = domain.StatusExecuted
	p.ExecutedAt = &now
	p.ExecutedBy = executor
	p.PreviousArtifact = state.CurrentArtifact
	if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
		return res, domain.Unavailable(errors.Wrap(err, "update proposal"))
	}
	if err := e.Repo.SetCurrentArtifact(ctx, tx, p.TargetArtifact, executor, now); err != nil {
		return res, domain.Unavailable(errors.Wrap(err, "set current artifact"))
	}
	if err := e.events().Append(ctx, tx, events.ProposalExecuted, events.KindProposal, p.ID, executor, events.EventPayload{
		"target_artifact":   p.TargetArtifact,
		"previous_artifact": p.PreviousArtifact,
	}); err != nil {
		return res, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return res, domain.Unavailable(err)
	}
	observability.RecordTransition(p.Status)
	e.Log.Info().Str("proposal_id", p.ID).Str("executor", executor).Str("target_artifact", p.TargetArtifact).Msg("proposal executed")
	return ExecutionResult{
		ProposalID:       p.ID,
		Executed:         true,
		TargetArtifact:   p.TargetArtifact,
		PreviousArtifact: p.PreviousArtifact,
		ExecutedAt:       now,
	}, nil
}

// Cancel moves a non-terminal proposal to cancelled.
func (e Engine) Cancel(ctx context.Context, proposalID, canceller, reason string) (p domain.Proposal, err error) {
	ctx, span := startSpan(ctx, "engine.Cancel", proposalID)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if err := e.checkLength("reason", reason); err != nil {
		return p, err
	}
	if reason == "" {
		reason = defaultCancelReason
	}
	unlock := e.lockProposal(proposalID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, domain.Unavailable(err)
	}
	defer tx.Rollback()

	p, err = e.loadForUpdate(ctx, tx, proposalID)
	if err != nil {
		return p, err
	}
	switch p.Status {
	case domain.StatusExecuted:
		return p, errors.Wrapf(domain.ErrProposalAlreadyExecuted, "proposal %s", p.ID)
	case domain.StatusCancelled:
		return p, errors.Wrapf(domain.ErrProposalAlreadyCancelled, "proposal %s", p.ID)
	}
	if err := e.Members.RequireMember(canceller); err != nil {
		return p, err
	}
	now := e.now().UTC()
	previous := p.Status
	p.Status = domain.StatusCancelled
	p.CancelledAt = &now
	p.CancelledBy = canceller
	p.CancelReason = reason
	if err := e.Repo.UpdateProposal(ctx, tx, p); err != nil {
		return p, domain.Unavailable(errors.Wrap(err, "update proposal"))
	}
	if err := e.events().Append(ctx, tx, events.ProposalCancelled, events.KindProposal, p.ID, canceller, events.EventPayload{
		"reason":      reason,
		"from_status": previous,
	}); err != nil {
		return p, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return p, domain.Unavailable(err)
	}
	observability.RecordTransition(p.Status)
	e.Log.Info().Str("proposal_id", p.ID).Str("canceller", canceller).Str("reason", reason).Msg("proposal cancelled")
	return p, nil
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, errors.Wrapf(domain.ErrNotFound, "proposal %s", id)
	}
	return p, domain.Unavailable(err)
}

func (e Engine) ListProposals(ctx context.Context, status string, limit int) ([]domain.Proposal, error) {
	if status != "" && !validStatus(status) {
		return nil, errors.Wrapf(domain.ErrInvalidArgument, "unknown status %q", status)
	}
	items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{Status: status, Limit: limit})
	return items, domain.Unavailable(err)
}

// Approvals lists a proposal's approvals in the order they were recorded.
func (e Engine) Approvals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	if _, err := e.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	items, err := e.Ledger.Approvals(ctx, proposalID)
	return items, domain.Unavailable(err)
}

func validStatus(s string) bool {
	switch s {
	case domain.StatusProposed, domain.StatusApproved, domain.StatusTimelockActive, domain.StatusExecuted, domain.StatusCancelled:
		return true
	}
	return false
}
