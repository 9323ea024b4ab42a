package repo

import (
	"context"
	"database/sql"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

func (r Repo) InsertRollback(ctx context.Context, tx *sql.Tx, rb domain.RollbackEvent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO rollback_events(id,proposal_id,compensating_proposal_id,reason,executed_by,created_at) VALUES (?,?,?,?,?,?)`,
		rb.ID, rb.ProposalID, rb.CompensatingProposalID, rb.Reason, rb.ExecutedBy, formatTime(rb.CreatedAt))
	return err
}

// ListRollbacks returns rollback records, newest first, optionally for one proposal.
func (r Repo) ListRollbacks(ctx context.Context, proposalID string) ([]domain.RollbackEvent, error) {
	query := `SELECT id,proposal_id,compensating_proposal_id,reason,executed_by,created_at FROM rollback_events`
	var args []any
	if proposalID != "" {
		query += ` WHERE proposal_id=?`
		args = append(args, proposalID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RollbackEvent{}
	for rows.Next() {
		var rb domain.RollbackEvent
		var at string
		if err := rows.Scan(&rb.ID, &rb.ProposalID, &rb.CompensatingProposalID, &rb.Reason, &rb.ExecutedBy, &at); err != nil {
			return nil, err
		}
		if rb.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, rb)
	}
	return res, rows.Err()
}
