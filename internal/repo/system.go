package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

func (r Repo) GetSystemState(ctx context.Context) (domain.SystemState, error) {
	return r.GetSystemStateTx(ctx, nil)
}

func (r Repo) GetSystemStateTx(ctx context.Context, tx *sql.Tx) (domain.SystemState, error) {
	var s domain.SystemState
	var paused int
	var artifact, updatedAt, updatedBy sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT paused,current_artifact,updated_at,updated_by FROM system_state WHERE id=1`).
		Scan(&paused, &artifact, &updatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Paused = paused != 0
	s.CurrentArtifact = artifact.String
	s.UpdatedBy = updatedBy.String
	if s.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

// SetPaused flips the pause flag and reports whether it changed.
func (r Repo) SetPaused(ctx context.Context, tx *sql.Tx, paused bool, actor string, at time.Time) (bool, error) {
	want, prev := 0, 1
	if paused {
		want, prev = 1, 0
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE system_state SET paused=?, updated_at=?, updated_by=? WHERE id=1 AND paused=?`,
		want, formatTime(at), actor, prev)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) SetCurrentArtifact(ctx context.Context, tx *sql.Tx, artifact, actor string, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE system_state SET current_artifact=?, updated_at=?, updated_by=? WHERE id=1`,
		nullable(artifact), formatTime(at), actor)
	return err
}
