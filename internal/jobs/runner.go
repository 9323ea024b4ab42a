package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/membership"
	"github.com/dhruvvurhd/program-upgrade-system/internal/observability"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

const systemActor = "system"

// Runner starts migration jobs and drives each one in its own goroutine.
// Item outcomes are written before the job counter moves, in one
// transaction, so completed == total implies every result is durable.
type Runner struct {
	Repo      repo.Repo
	Events    events.Writer
	Members   *membership.Registry
	Migrator  Migrator
	ItemDelay time.Duration
	Now       func() time.Time
	Log       zerolog.Logger

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	cancelledBy string
	err         error
}

func (rn *run) stop(actor string) {
	rn.mu.Lock()
	if rn.cancelledBy == "" {
		rn.cancelledBy = actor
	}
	rn.mu.Unlock()
	rn.cancel()
}

func (rn *run) canceller() string {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.cancelledBy == "" {
		return systemActor
	}
	return rn.cancelledBy
}

func (rn *run) fail(err error) {
	rn.mu.Lock()
	rn.err = err
	rn.mu.Unlock()
}

func (rn *run) failure() error {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.err
}

func NewRunner(r repo.Repo, members *membership.Registry, m Migrator, itemDelay time.Duration) *Runner {
	return &Runner{
		Repo:      r,
		Events:    events.Writer{DB: r.DB},
		Members:   members,
		Migrator:  m,
		ItemDelay: itemDelay,
		Now:       time.Now,
		Log:       zerolog.Nop(),
		running:   map[string]*run{},
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) events() events.Writer {
	w := r.Events
	w.Now = r.now
	return w
}

func (r *Runner) limiter() *rate.Limiter {
	if r.ItemDelay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(r.ItemDelay), 1)
}

func normalizeRefs(refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "record refs required")
	}
	out := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for i, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "record ref %d is empty", i)
		}
		if _, dup := seen[ref]; dup {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "record ref %s listed twice", ref)
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

// Start creates a job for an executed proposal and returns as soon as the
// job row is committed. Processing continues in the background.
func (r *Runner) Start(ctx context.Context, proposalID string, recordRefs []string, actor string) (job domain.MigrationJob, err error) {
	ctx, span := observability.Tracer().Start(ctx, "jobs.Start", trace.WithAttributes(attribute.String("proposal.id", proposalID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.CodeOf(err))
		}
		span.End()
	}()

	refs, err := normalizeRefs(recordRefs)
	if err != nil {
		return job, err
	}
	if err := r.Members.RequireMember(actor); err != nil {
		return job, err
	}

	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return job, domain.Unavailable(err)
	}
	defer tx.Rollback()

	paused, err := r.Members.PausedTx(ctx, tx)
	if err != nil {
		return job, err
	}
	if paused {
		return job, errors.Wrap(domain.ErrSystemPaused, "migration start refused")
	}
	p, err := r.Repo.GetProposalTx(ctx, tx, proposalID)
	if errors.Is(err, repo.ErrNotFound) {
		return job, errors.Wrapf(domain.ErrNotFound, "proposal %s", proposalID)
	}
	if err != nil {
		return job, domain.Unavailable(err)
	}
	if p.Status != domain.StatusExecuted {
		return job, errors.Wrapf(domain.ErrInvalidProposalState, "proposal %s is %s", p.ID, p.Status)
	}
	job = domain.MigrationJob{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		Total:      len(refs),
		StartedBy:  actor,
		StartedAt:  r.now(),
	}
	if err := r.Repo.InsertJob(ctx, tx, job); err != nil {
		if errors.Is(err, domain.ErrMigrationExists) {
			return domain.MigrationJob{}, errors.Wrapf(err, "proposal %s", p.ID)
		}
		return domain.MigrationJob{}, domain.Unavailable(err)
	}
	if err := r.events().Append(ctx, tx, events.MigrationStarted, events.KindJob, job.ID, actor, events.EventPayload{
		"proposal_id": p.ID,
		"total":       job.Total,
	}); err != nil {
		return domain.MigrationJob{}, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.MigrationJob{}, domain.Unavailable(err)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rn := &run{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	if r.running == nil {
		r.running = map[string]*run{}
	}
	r.running[job.ID] = rn
	r.mu.Unlock()
	r.wg.Add(1)
	go r.process(jobCtx, rn, job, refs)

	r.Log.Info().Str("job_id", job.ID).Str("proposal_id", p.ID).Int("total", job.Total).Str("actor", actor).Msg("migration started")
	return job, nil
}

func (r *Runner) process(ctx context.Context, rn *run, job domain.MigrationJob, refs []string) {
	defer r.wg.Done()
	defer close(rn.done)
	defer rn.cancel()
	defer r.forget(job.ID)

	log := r.Log.With().Str("job_id", job.ID).Logger()
	limiter := r.limiter()
	for i, ref := range refs {
		if ctx.Err() != nil || limiter.Wait(ctx) != nil {
			r.finishCancelled(job.ID, rn.canceller(), log)
			return
		}
		if r.cancelledElsewhere(ctx, job.ID, log) {
			return
		}
		started := time.Now()
		versions, migErr := r.migrateOne(ctx, ref)
		if migErr != nil && ctx.Err() != nil {
			// the item was interrupted by cancellation, not by the record
			r.finishCancelled(job.ID, rn.canceller(), log)
			return
		}
		item := domain.MigrationItemResult{
			JobID:         job.ID,
			Seq:           i + 1,
			RecordRef:     ref,
			SourceVersion: versions.Source,
			TargetVersion: versions.Target,
			Outcome:       domain.OutcomeSuccess,
			ProcessedAt:   r.now(),
		}
		if migErr != nil {
			item.Outcome = domain.OutcomeFailure
			item.Error = migErr.Error()
			log.Warn().Err(migErr).Str("record_ref", ref).Msg("record migration failed")
		}
		updated, err := r.record(context.WithoutCancel(ctx), item, job.StartedBy)
		if errors.Is(err, repo.ErrJobStopped) {
			log.Info().Str("record_ref", ref).Msg("job cancelled while record was in flight; result dropped")
			return
		}
		if err != nil {
			log.Error().Err(err).Str("record_ref", ref).Msg("record item result")
			rn.fail(err)
			return
		}
		observability.RecordMigrationItem(item.Outcome, time.Since(started))
		if updated.FinishedAt != nil {
			log.Info().Int("total", updated.Total).Int("failed", updated.Failed).Msg("migration completed")
			return
		}
	}
}

// cancelledElsewhere reports whether the stored job was cancelled by
// another process (a CLI cancel against a served job, or a recovery pass).
func (r *Runner) cancelledElsewhere(ctx context.Context, jobID string, log zerolog.Logger) bool {
	stored, err := r.Repo.GetJob(ctx, jobID)
	if err != nil {
		log.Warn().Err(err).Msg("poll job cancellation")
		return false
	}
	if stored.CancelledAt == nil {
		return false
	}
	log.Info().Int("completed", stored.Completed).Int("total", stored.Total).Msg("migration cancelled by another process")
	return true
}

func (r *Runner) migrateOne(ctx context.Context, ref string) (v Versions, err error) {
	ctx, span := observability.Tracer().Start(ctx, "jobs.migrate", trace.WithAttributes(attribute.String("record.ref", ref)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "record failed")
		}
		span.End()
	}()
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("migrator panic: %v", p)
		}
	}()
	return r.Migrator.Migrate(ctx, ref)
}

// record appends the item result, advances the job counter and emits the
// item event, plus the completion event when this was the last item.
func (r *Runner) record(ctx context.Context, item domain.MigrationItemResult, actor string) (domain.MigrationJob, error) {
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MigrationJob{}, domain.Unavailable(err)
	}
	defer tx.Rollback()
	if err := r.Repo.InsertItemResult(ctx, tx, item); err != nil {
		return domain.MigrationJob{}, domain.Unavailable(errors.Wrap(err, "insert item result"))
	}
	job, err := r.Repo.AdvanceJob(ctx, tx, item.JobID, item.Outcome == domain.OutcomeFailure, item.ProcessedAt)
	if errors.Is(err, repo.ErrJobStopped) {
		return domain.MigrationJob{}, err
	}
	if err != nil {
		return domain.MigrationJob{}, domain.Unavailable(errors.Wrap(err, "advance job"))
	}
	w := r.events()
	if err := w.Append(ctx, tx, events.RecordMigrated, events.KindJob, item.JobID, actor, events.EventPayload{
		"record_ref":     item.RecordRef,
		"outcome":        item.Outcome,
		"source_version": item.SourceVersion,
		"target_version": item.TargetVersion,
		"error":          item.Error,
	}); err != nil {
		return domain.MigrationJob{}, domain.Unavailable(err)
	}
	if job.FinishedAt != nil {
		if err := w.Append(ctx, tx, events.MigrationDone, events.KindJob, job.ID, actor, events.EventPayload{
			"proposal_id": job.ProposalID,
			"total":       job.Total,
			"failed":      job.Failed,
		}); err != nil {
			return domain.MigrationJob{}, domain.Unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.MigrationJob{}, domain.Unavailable(err)
	}
	return job, nil
}

func (r *Runner) finishCancelled(jobID, actor string, log zerolog.Logger) {
	changed, err := r.markCancelled(context.Background(), jobID, actor, "")
	if err != nil {
		log.Error().Err(err).Msg("mark job cancelled")
		return
	}
	if changed {
		log.Info().Str("actor", actor).Msg("migration cancelled")
	}
}

func (r *Runner) markCancelled(ctx context.Context, jobID, actor, reason string) (bool, error) {
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Unavailable(err)
	}
	defer tx.Rollback()
	changed, err := r.Repo.MarkJobCancelled(ctx, tx, jobID, r.now())
	if err != nil {
		return false, domain.Unavailable(err)
	}
	if !changed {
		return false, nil
	}
	payload := events.EventPayload{}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := r.events().Append(ctx, tx, events.MigrationCancel, events.KindJob, jobID, actor, payload); err != nil {
		return false, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Unavailable(err)
	}
	return true, nil
}

func (r *Runner) forget(jobID string) {
	r.mu.Lock()
	delete(r.running, jobID)
	r.mu.Unlock()
}

func (r *Runner) lookup(jobID string) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[jobID]
}

func (r *Runner) job(ctx context.Context, jobID string) (domain.MigrationJob, error) {
	job, err := r.Repo.GetJob(ctx, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		return job, errors.Wrapf(domain.ErrNotFound, "migration job %s", jobID)
	}
	return job, domain.Unavailable(err)
}

// Progress reports the aggregate state of a job.
func (r *Runner) Progress(ctx context.Context, jobID string) (domain.Progress, error) {
	job, err := r.job(ctx, jobID)
	if err != nil {
		return domain.Progress{}, err
	}
	return domain.ProgressOf(job), nil
}

// Wait blocks until the job's goroutine exits or ctx is done.
func (r *Runner) Wait(ctx context.Context, jobID string) (domain.Progress, error) {
	if rn := r.lookup(jobID); rn != nil {
		select {
		case <-rn.done:
			if err := rn.failure(); err != nil {
				return domain.Progress{}, err
			}
		case <-ctx.Done():
			return domain.Progress{}, ctx.Err()
		}
	}
	return r.Progress(ctx, jobID)
}

// Cancel stops a running job between items. A job driven by another
// process is marked cancelled here and its owner stops at the next item.
// Cancelling a job that is already cancelled is a no-op; a completed job
// cannot be cancelled.
func (r *Runner) Cancel(ctx context.Context, jobID, actor string) (domain.Progress, error) {
	if err := r.Members.RequireMember(actor); err != nil {
		return domain.Progress{}, err
	}
	job, err := r.job(ctx, jobID)
	if err != nil {
		return domain.Progress{}, err
	}
	if job.FinishedAt != nil {
		return domain.Progress{}, errors.Wrapf(domain.ErrInvalidArgument, "migration job %s already completed", jobID)
	}
	if rn := r.lookup(jobID); rn != nil {
		rn.stop(actor)
		select {
		case <-rn.done:
		case <-ctx.Done():
			return domain.Progress{}, ctx.Err()
		}
	} else if job.CancelledAt == nil {
		if _, err := r.markCancelled(ctx, jobID, actor, ""); err != nil {
			return domain.Progress{}, err
		}
	}
	return r.Progress(ctx, jobID)
}

// FailedItems lists the failure results of a job, for re-drive.
func (r *Runner) FailedItems(ctx context.Context, jobID string) ([]domain.MigrationItemResult, error) {
	return r.items(ctx, jobID, domain.OutcomeFailure)
}

// Items lists every result of a job in processing order.
func (r *Runner) Items(ctx context.Context, jobID string) ([]domain.MigrationItemResult, error) {
	return r.items(ctx, jobID, "")
}

func (r *Runner) items(ctx context.Context, jobID, outcome string) ([]domain.MigrationItemResult, error) {
	if _, err := r.job(ctx, jobID); err != nil {
		return nil, err
	}
	items, err := r.Repo.ListItemResults(ctx, repo.ItemFilters{JobID: jobID, Outcome: outcome})
	return items, domain.Unavailable(err)
}

// JobForProposal returns the job spawned for a proposal.
func (r *Runner) JobForProposal(ctx context.Context, proposalID string) (domain.MigrationJob, error) {
	job, err := r.Repo.GetJobByProposal(ctx, proposalID)
	if errors.Is(err, repo.ErrNotFound) {
		return job, errors.Wrapf(domain.ErrNotFound, "no migration job for proposal %s", proposalID)
	}
	return job, domain.Unavailable(err)
}

// RecoverInterrupted cancels jobs left unfinished by a previous process.
func (r *Runner) RecoverInterrupted(ctx context.Context) (int, error) {
	orphans, err := r.Repo.UnfinishedJobs(ctx)
	if err != nil {
		return 0, domain.Unavailable(err)
	}
	n := 0
	for _, job := range orphans {
		if r.lookup(job.ID) != nil {
			continue
		}
		changed, err := r.markCancelled(ctx, job.ID, systemActor, "interrupted")
		if err != nil {
			return n, err
		}
		if changed {
			n++
			r.Log.Warn().Str("job_id", job.ID).Int("completed", job.Completed).Int("total", job.Total).Msg("interrupted migration marked cancelled")
		}
	}
	return n, nil
}

// Close cancels running jobs and waits for their goroutines.
func (r *Runner) Close() {
	r.mu.Lock()
	for _, rn := range r.running {
		rn.stop(systemActor)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
