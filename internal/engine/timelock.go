package engine

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

// maxTimestampYear keeps expiries representable as RFC 3339.
const maxTimestampYear = 9999

// TimelockGuard is the activation window attached to a proposal once its
// threshold is met.
type TimelockGuard struct {
	ActivatedAt time.Time
	Duration    time.Duration
}

// GuardFor returns the guard of an armed proposal; ok is false if the
// timelock was never armed.
func GuardFor(p domain.Proposal) (g TimelockGuard, ok bool) {
	if p.TimelockActivatedAt == nil {
		return TimelockGuard{}, false
	}
	return TimelockGuard{ActivatedAt: *p.TimelockActivatedAt, Duration: p.TimelockDuration()}, true
}

// ExpiresAt is ActivatedAt + Duration, rejecting windows that overflow.
func (g TimelockGuard) ExpiresAt() (time.Time, error) {
	if g.Duration < 0 {
		return time.Time{}, errors.Wrapf(domain.ErrInvalidArgument, "negative timelock duration %s", g.Duration)
	}
	secs := int64(g.Duration / time.Second)
	start := g.ActivatedAt.Unix()
	if start > math.MaxInt64-secs {
		return time.Time{}, errors.Wrap(domain.ErrMathOverflow, "timelock expiry")
	}
	exp := g.ActivatedAt.Add(g.Duration)
	if exp.Before(g.ActivatedAt) || exp.Year() > maxTimestampYear {
		return time.Time{}, errors.Wrap(domain.ErrMathOverflow, "timelock expiry")
	}
	return exp, nil
}

// Expired reports now >= ActivatedAt + Duration.
func (g TimelockGuard) Expired(now time.Time) (bool, error) {
	exp, err := g.ExpiresAt()
	if err != nil {
		return false, err
	}
	return !now.Before(exp), nil
}

// Remaining is the time left before expiry, zero once expired.
func (g TimelockGuard) Remaining(now time.Time) (time.Duration, error) {
	exp, err := g.ExpiresAt()
	if err != nil {
		return 0, err
	}
	if d := exp.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
