package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const proposalColumns = `id,proposer,target_artifact,COALESCE(previous_artifact,''),description,status,approval_count,timelock_seconds,created_at,timelock_activated_at,executed_at,COALESCE(executed_by,''),cancelled_at,COALESCE(cancelled_by,''),COALESCE(cancel_reason,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var createdAt string
	var activated, executed, cancelled sql.NullString
	err := row.Scan(&p.ID, &p.Proposer, &p.TargetArtifact, &p.PreviousArtifact, &p.Description, &p.Status,
		&p.ApprovalCount, &p.TimelockSeconds, &createdAt, &activated, &executed, &p.ExecutedBy,
		&cancelled, &p.CancelledBy, &p.CancelReason)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.TimelockActivatedAt, err = parseNullTime(activated); err != nil {
		return p, err
	}
	if p.ExecutedAt, err = parseNullTime(executed); err != nil {
		return p, err
	}
	if p.CancelledAt, err = parseNullTime(cancelled); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(id,proposer,target_artifact,description,status,approval_count,timelock_seconds,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Proposer, p.TargetArtifact, p.Description, p.Status, p.ApprovalCount, p.TimelockSeconds, formatTime(p.CreatedAt))
	return err
}

// UpdateProposal persists every mutable column of p.
func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET status=?,approval_count=?,previous_artifact=?,timelock_activated_at=?,executed_at=?,executed_by=?,cancelled_at=?,cancelled_by=?,cancel_reason=? WHERE id=?`,
		p.Status, p.ApprovalCount, nullable(p.PreviousArtifact), nullableTime(p.TimelockActivatedAt),
		nullableTime(p.ExecutedAt), nullable(p.ExecutedBy), nullableTime(p.CancelledAt),
		nullable(p.CancelledBy), nullable(p.CancelReason), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.GetProposalTx(ctx, nil, id)
}

// GetProposalTx loads a proposal with its approver set.
func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	p, err := scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	approvals, err := r.ListApprovalsTx(ctx, tx, id)
	if err != nil {
		return p, err
	}
	p.Approvers = approverIDs(approvals)
	return p, nil
}

type ProposalFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, proposalColumns, strings.Join(clauses, " AND "))
	res, err := r.scanProposals(ctx, r.DB, query, args...)
	if err != nil {
		return nil, err
	}
	for i := range res {
		approvals, err := r.ListApprovalsTx(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Approvers = approverIDs(approvals)
	}
	return res, nil
}

// ExpiredTimelocks returns timelock-active proposals whose window elapsed at
// or before now and which have not been announced yet.
func (r Repo) ExpiredTimelocks(ctx context.Context, now time.Time) ([]domain.Proposal, error) {
	candidates, err := r.scanProposals(ctx, r.DB, `SELECT `+proposalColumns+` FROM proposals WHERE status=? AND timelock_notified_at IS NULL ORDER BY timelock_activated_at`, domain.StatusTimelockActive)
	if err != nil {
		return nil, err
	}
	var res []domain.Proposal
	for _, p := range candidates {
		if p.TimelockActivatedAt == nil {
			continue
		}
		if !now.Before(p.TimelockActivatedAt.Add(p.TimelockDuration())) {
			res = append(res, p)
		}
	}
	return res, nil
}

// MarkTimelockNotified records the expiry announcement; false if it was already recorded.
func (r Repo) MarkTimelockNotified(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET timelock_notified_at=? WHERE id=? AND timelock_notified_at IS NULL`, formatTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) scanProposals(ctx context.Context, q querier, query string, args ...any) ([]domain.Proposal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// TryAddApproval inserts (proposal, principal) and reports whether it was new.
// The primary key makes this the single dedup point for approvals.
func (r Repo) TryAddApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO approvals(proposal_id,principal,approved_at) VALUES (?,?,?)`,
		a.ProposalID, a.Principal, formatTime(a.ApprovedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListApprovals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	return r.ListApprovalsTx(ctx, nil, proposalID)
}

func (r Repo) ListApprovalsTx(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.Approval, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT proposal_id,principal,approved_at FROM approvals WHERE proposal_id=? ORDER BY rowid`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Approval{}
	for rows.Next() {
		var a domain.Approval
		var at string
		if err := rows.Scan(&a.ProposalID, &a.Principal, &at); err != nil {
			return nil, err
		}
		if a.ApprovedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func approverIDs(approvals []domain.Approval) []string {
	ids := make([]string, 0, len(approvals))
	for _, a := range approvals {
		ids = append(ids, a.Principal)
	}
	return ids
}

// timeLayout is fixed width so stored timestamps sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
