package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

const jobColumns = `id,proposal_id,total,completed,failed,started_by,started_at,finished_at,cancelled_at`

func scanJob(row scanner) (domain.MigrationJob, error) {
	var j domain.MigrationJob
	var startedAt string
	var finished, cancelled sql.NullString
	err := row.Scan(&j.ID, &j.ProposalID, &j.Total, &j.Completed, &j.Failed, &j.StartedBy, &startedAt, &finished, &cancelled)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if j.StartedAt, err = parseTime(startedAt); err != nil {
		return j, err
	}
	if j.FinishedAt, err = parseNullTime(finished); err != nil {
		return j, err
	}
	if j.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return j, err
	}
	return j, nil
}

// InsertJob creates a job row; a second job for the same proposal fails
// with domain.ErrMigrationExists.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.MigrationJob) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO migration_jobs(id,proposal_id,total,completed,failed,started_by,started_at) VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.ProposalID, j.Total, j.Completed, j.Failed, j.StartedBy, formatTime(j.StartedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: migration_jobs.proposal_id") {
		return domain.ErrMigrationExists
	}
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.MigrationJob, error) {
	return r.GetJobTx(ctx, nil, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.MigrationJob, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE id=?`, id))
}

func (r Repo) GetJobByProposal(ctx context.Context, proposalID string) (domain.MigrationJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE proposal_id=?`, proposalID))
}

func (r Repo) ListJobs(ctx context.Context, limit int) ([]domain.MigrationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MigrationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UnfinishedJobs lists jobs that neither finished nor were cancelled.
func (r Repo) UnfinishedJobs(ctx context.Context) ([]domain.MigrationJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE finished_at IS NULL AND cancelled_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MigrationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// InsertItemResult appends an item outcome. Results are immutable once written.
func (r Repo) InsertItemResult(ctx context.Context, tx *sql.Tx, it domain.MigrationItemResult) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO migration_item_results(job_id,seq,record_ref,source_version,target_version,outcome,error,processed_at) VALUES (?,?,?,?,?,?,?,?)`,
		it.JobID, it.Seq, it.RecordRef, it.SourceVersion, it.TargetVersion, it.Outcome, nullable(it.Error), formatTime(it.ProcessedAt))
	return err
}

// ErrJobStopped reports that a job was cancelled or already finished, so it
// takes no more item results.
var ErrJobStopped = errors.New("migration job stopped")

// AdvanceJob increments completed (and failed when the item failed) and sets
// finished_at once completed reaches total. It must run in the same
// transaction that recorded the item result. A cancelled job is never
// advanced; the caller gets ErrJobStopped and should roll back.
func (r Repo) AdvanceJob(ctx context.Context, tx *sql.Tx, jobID string, failed bool, at time.Time) (domain.MigrationJob, error) {
	inc := 0
	if failed {
		inc = 1
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE migration_jobs SET completed=completed+1, failed=failed+? WHERE id=? AND completed < total AND cancelled_at IS NULL`, inc, jobID)
	if err != nil {
		return domain.MigrationJob{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.MigrationJob{}, err
	}
	if n == 0 {
		if _, err := r.GetJobTx(ctx, tx, jobID); err != nil {
			return domain.MigrationJob{}, err
		}
		return domain.MigrationJob{}, ErrJobStopped
	}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE migration_jobs SET finished_at=? WHERE id=? AND completed=total AND finished_at IS NULL`, formatTime(at), jobID); err != nil {
		return domain.MigrationJob{}, err
	}
	return r.GetJobTx(ctx, tx, jobID)
}

func (r Repo) MarkJobCancelled(ctx context.Context, tx *sql.Tx, jobID string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE migration_jobs SET cancelled_at=? WHERE id=? AND cancelled_at IS NULL AND finished_at IS NULL`, formatTime(at), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type ItemFilters struct {
	JobID   string
	Outcome string
}

// ListItemResults returns a job's item outcomes in processing order.
func (r Repo) ListItemResults(ctx context.Context, f ItemFilters) ([]domain.MigrationItemResult, error) {
	query := `SELECT job_id,seq,record_ref,source_version,target_version,outcome,COALESCE(error,''),processed_at FROM migration_item_results WHERE job_id=?`
	args := []any{f.JobID}
	if f.Outcome != "" {
		query += ` AND outcome=?`
		args = append(args, f.Outcome)
	}
	query += ` ORDER BY seq`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.MigrationItemResult{}
	for rows.Next() {
		var it domain.MigrationItemResult
		var at string
		if err := rows.Scan(&it.JobID, &it.Seq, &it.RecordRef, &it.SourceVersion, &it.TargetVersion, &it.Outcome, &it.Error, &at); err != nil {
			return nil, err
		}
		if it.ProcessedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
