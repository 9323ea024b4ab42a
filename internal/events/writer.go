package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Event types emitted by transitions.
const (
	ProposalCreated   = "proposal.created"
	ApprovalRecorded  = "approval.recorded"
	TimelockActivated = "timelock.activated"
	TimelockExpired   = "timelock.expired"
	ProposalExecuted  = "proposal.executed"
	ProposalCancelled = "proposal.cancelled"
	MigrationStarted  = "migration.started"
	RecordMigrated    = "migration.record.migrated"
	MigrationDone     = "migration.completed"
	MigrationCancel   = "migration.cancelled"
	SystemPaused      = "system.paused"
	SystemResumed     = "system.resumed"
	RollbackExecuted  = "rollback.executed"
)

// Entity kinds.
const (
	KindProposal = "proposal"
	KindJob      = "migration_job"
	KindSystem   = "system"
)

// Writer appends to the ordered event log inside the caller's transaction,
// so an event is visible if and only if its transition committed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if tx == nil {
		return errors.New("event append requires a transaction")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return errors.Wrapf(err, "append event %s", evtType)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
