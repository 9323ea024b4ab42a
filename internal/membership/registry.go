package membership

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dhruvvurhd/program-upgrade-system/internal/config"
	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
	"github.com/dhruvvurhd/program-upgrade-system/internal/events"
	"github.com/dhruvvurhd/program-upgrade-system/internal/observability"
	"github.com/dhruvvurhd/program-upgrade-system/internal/repo"
)

// Registry holds the fixed member set and approval threshold. The only
// mutable piece is the persisted pause flag.
type Registry struct {
	members   map[string]struct{}
	ordered   []string
	threshold int

	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Log    zerolog.Logger
}

// New validates the member set and threshold.
func New(members []string, threshold int, r repo.Repo) (*Registry, error) {
	if len(members) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "at least one member required")
	}
	if len(members) > config.MaxMembers {
		return nil, errors.Wrapf(domain.ErrTooManyMembers, "%d members, max %d", len(members), config.MaxMembers)
	}
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" {
			return nil, errors.Wrap(domain.ErrInvalidArgument, "empty member principal")
		}
		if _, dup := set[m]; dup {
			return nil, errors.Wrapf(domain.ErrInvalidArgument, "member %s listed twice", m)
		}
		set[m] = struct{}{}
	}
	if threshold < 1 || threshold > len(set) {
		return nil, errors.Wrapf(domain.ErrInvalidThreshold, "threshold %d with %d members", threshold, len(set))
	}
	ordered := make([]string, 0, len(set))
	for m := range set {
		ordered = append(ordered, m)
	}
	sort.Strings(ordered)
	return &Registry{
		members:   set,
		ordered:   ordered,
		threshold: threshold,
		Repo:      r,
		Events:    events.Writer{DB: r.DB},
		Now:       time.Now,
		Log:       zerolog.Nop(),
	}, nil
}

// FromConfig builds a registry from the workspace membership section.
func FromConfig(cfg *config.Config, r repo.Repo) (*Registry, error) {
	return New(cfg.Membership.Members, cfg.Membership.Threshold, r)
}

func (g *Registry) IsMember(principal string) bool {
	_, ok := g.members[principal]
	return ok
}

func (g *Registry) Threshold() int { return g.threshold }

// Members returns the sorted member list.
func (g *Registry) Members() []string {
	return append([]string(nil), g.ordered...)
}

// RequireMember returns domain.ErrUnauthorizedSigner for non-members.
func (g *Registry) RequireMember(principal string) error {
	if !g.IsMember(principal) {
		return errors.Wrapf(domain.ErrUnauthorizedSigner, "principal %q is not a member", principal)
	}
	return nil
}

func (g *Registry) State(ctx context.Context) (domain.SystemState, error) {
	s, err := g.Repo.GetSystemState(ctx)
	return s, domain.Unavailable(err)
}

// PausedTx reads the pause flag inside a caller's transaction.
func (g *Registry) PausedTx(ctx context.Context, tx *sql.Tx) (bool, error) {
	s, err := g.Repo.GetSystemStateTx(ctx, tx)
	if err != nil {
		return false, domain.Unavailable(err)
	}
	return s.Paused, nil
}

// Pause sets the pause flag. Pausing a paused system is a no-op.
func (g *Registry) Pause(ctx context.Context, actor string) (domain.SystemState, error) {
	state, _, err := g.setPaused(ctx, true, actor)
	return state, err
}

// Resume clears the pause flag. Resuming a running system is a no-op.
func (g *Registry) Resume(ctx context.Context, actor string) (domain.SystemState, error) {
	state, _, err := g.setPaused(ctx, false, actor)
	return state, err
}

// TryPause is Pause that also reports whether this call flipped the flag.
// A caller that got changed == false does not own the pause.
func (g *Registry) TryPause(ctx context.Context, actor string) (domain.SystemState, bool, error) {
	return g.setPaused(ctx, true, actor)
}

func (g *Registry) setPaused(ctx context.Context, paused bool, actor string) (domain.SystemState, bool, error) {
	if err := g.RequireMember(actor); err != nil {
		return domain.SystemState{}, false, err
	}
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SystemState{}, false, domain.Unavailable(err)
	}
	defer tx.Rollback()
	changed, err := g.Repo.SetPaused(ctx, tx, paused, actor, g.now())
	if err != nil {
		return domain.SystemState{}, false, domain.Unavailable(err)
	}
	if changed {
		evt := events.SystemResumed
		if paused {
			evt = events.SystemPaused
		}
		if err := g.Events.Append(ctx, tx, evt, events.KindSystem, "", actor, nil); err != nil {
			return domain.SystemState{}, false, domain.Unavailable(err)
		}
	}
	state, err := g.Repo.GetSystemStateTx(ctx, tx)
	if err != nil {
		return domain.SystemState{}, false, domain.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.SystemState{}, false, domain.Unavailable(err)
	}
	observability.RecordPaused(state.Paused)
	if changed {
		g.Log.Info().Bool("paused", paused).Str("actor", actor).Msg("system pause flag changed")
	}
	return state, changed, nil
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
