package monitor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

const actor = "system"

// TimelockMonitor announces each proposal whose timelock window has elapsed
// exactly once, with a timelock.expired event. It never executes anything.
type TimelockMonitor struct {
	Repo     repo.Repo
	Events   events.Writer
	Schedule string
	Now      func() time.Time
	Log      zerolog.Logger

	cron *cron.Cron
}

func New(r repo.Repo, schedule string) *TimelockMonitor {
	return &TimelockMonitor{
		Repo:     r,
		Events:   events.Writer{DB: r.DB},
		Schedule: schedule,
		Now:      time.Now,
		Log:      zerolog.Nop(),
	}
}

func (m *TimelockMonitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// RunOnce scans for elapsed timelocks and returns the ids announced.
func (m *TimelockMonitor) RunOnce(ctx context.Context) ([]string, error) {
	now := m.now()
	expired, err := m.Repo.ExpiredTimelocks(ctx, now)
	if err != nil {
		return nil, domain.Unavailable(err)
	}
	var announced []string
	for _, p := range expired {
		ok, err := m.announce(ctx, p, now)
		if err != nil {
			return announced, err
		}
		if ok {
			announced = append(announced, p.ID)
			m.Log.Info().Str("proposal_id", p.ID).Str("target_artifact", p.TargetArtifact).Msg("timelock expired; proposal executable")
		}
	}
	return announced, nil
}

func (m *TimelockMonitor) announce(ctx context.Context, p domain.Proposal, now time.Time) (bool, error) {
	tx, err := m.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, domain.Unavailable(err)
	}
	defer tx.Rollback()
	ok, err := m.Repo.MarkTimelockNotified(ctx, tx, p.ID, now)
	if err != nil || !ok {
		return false, domain.Unavailable(err)
	}
	w := m.Events
	w.Now = m.now
	if err := w.Append(ctx, tx, events.TimelockExpired, events.KindProposal, p.ID, actor, events.EventPayload{
		"activated_at":     p.TimelockActivatedAt.Format(time.RFC3339Nano),
		"timelock_seconds": p.TimelockSeconds,
	}); err != nil {
		return false, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return false, domain.Unavailable(err)
	}
	return true, nil
}

// Start schedules RunOnce. Runs never overlap.
func (m *TimelockMonitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.Schedule, func() {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.Log.Error().Err(err).Msg("timelock monitor run")
		}
	}); err != nil {
		return errors.Wrapf(domain.ErrInvalidArgument, "timelock monitor schedule %q: %v", m.Schedule, err)
	}
	m.cron = c
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a run in progress.
func (m *TimelockMonitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

// Run starts the monitor and blocks until ctx is done.
func (m *TimelockMonitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	m.Log.Info().Str("schedule", m.Schedule).Msg("timelock monitor started")
	<-ctx.Done()
	m.Stop()
	return nil
}
