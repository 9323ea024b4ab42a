package rollback

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

// Policy decides whether an executed proposal should be rolled back. The
// returned reason is recorded with the rollback.
type Policy interface {
	ShouldRollback(ctx context.Context, proposalID string) (bool, string, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, proposalID string) (bool, string, error)

func (f PolicyFunc) ShouldRollback(ctx context.Context, proposalID string) (bool, string, error) {
	return f(ctx, proposalID)
}

// NeverPolicy never fires.
type NeverPolicy struct{}

func (NeverPolicy) ShouldRollback(context.Context, string) (bool, string, error) {
	return false, "", nil
}

// FailureRatePolicy fires when the proposal's migration job has processed at
// least MinSamples records and its failure ratio exceeds MaxFailureRate.
type FailureRatePolicy struct {
	Repo           repo.Repo
	MaxFailureRate float64
	MinSamples     int
}

func (p FailureRatePolicy) ShouldRollback(ctx context.Context, proposalID string) (bool, string, error) {
	job, err := p.Repo.GetJobByProposal(ctx, proposalID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", domain.Unavailable(err)
	}
	if job.Completed == 0 || job.Completed < p.MinSamples {
		return false, "", nil
	}
	rate := float64(job.Failed) / float64(job.Completed)
	if rate <= p.MaxFailureRate {
		return false, "", nil
	}
	return true, fmt.Sprintf("migration failure rate %.1f%% over %d records exceeds %.1f%%", rate*100, job.Completed, p.MaxFailureRate*100), nil
}
