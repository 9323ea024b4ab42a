package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

// ApprovalLedger is the per-proposal set of approving principals.
type ApprovalLedger struct {
	Repo repo.Repo
}

// TryAdd records principal's approval; false means it was already recorded
// and nothing changed.
func (l ApprovalLedger) TryAdd(ctx context.Context, tx *sql.Tx, proposalID, principal string, at time.Time) (bool, error) {
	return l.Repo.TryAddApproval(ctx, tx, domain.Approval{ProposalID: proposalID, Principal: principal, ApprovedAt: at})
}

func (l ApprovalLedger) Approvals(ctx context.Context, proposalID string) ([]domain.Approval, error) {
	return l.Repo.ListApprovals(ctx, proposalID)
}
