package domain

import "time"

// Proposal lifecycle statuses.
const (
	StatusProposed       = "proposed"
	StatusApproved       = "approved"
	StatusTimelockActive = "timelock_active"
	StatusExecuted       = "executed"
	StatusCancelled      = "cancelled"
)

// Migration progress statuses.
const (
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobCancelled  = "cancelled"
)

// Migration item outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Proposal struct {
	ID                  string     `json:"id"`
	Proposer            string     `json:"proposer"`
	TargetArtifact      string     `json:"target_artifact"`
	PreviousArtifact    string     `json:"previous_artifact,omitempty"`
	Description         string     `json:"description"`
	Status              string     `json:"status" enum:"proposed,approved,timelock_active,executed,cancelled"`
	Approvers           []string   `json:"approvers"`
	ApprovalCount       int        `json:"approval_count"`
	TimelockSeconds     int64      `json:"timelock_seconds"`
	CreatedAt           time.Time  `json:"created_at"`
	TimelockActivatedAt *time.Time `json:"timelock_activated_at,omitempty"`
	ExecutedAt          *time.Time `json:"executed_at,omitempty"`
	ExecutedBy          string     `json:"executed_by,omitempty"`
	CancelledAt         *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy         string     `json:"cancelled_by,omitempty"`
	CancelReason        string     `json:"cancel_reason,omitempty"`
}

// Terminal reports whether the proposal can no longer transition.
func (p Proposal) Terminal() bool {
	return p.Status == StatusExecuted || p.Status == StatusCancelled
}

// TimelockDuration is the window captured when the proposal was submitted.
func (p Proposal) TimelockDuration() time.Duration {
	return time.Duration(p.TimelockSeconds) * time.Second
}

type Approval struct {
	ProposalID string    `json:"proposal_id"`
	Principal  string    `json:"principal"`
	ApprovedAt time.Time `json:"approved_at"`
}

type MigrationJob struct {
	ID          string     `json:"id"`
	ProposalID  string     `json:"proposal_id"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	StartedBy   string     `json:"started_by"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

type MigrationItemResult struct {
	JobID         string    `json:"job_id"`
	Seq           int       `json:"seq"`
	RecordRef     string    `json:"record_ref"`
	SourceVersion int       `json:"source_version"`
	TargetVersion int       `json:"target_version"`
	Outcome       string    `json:"outcome" enum:"success,failure"`
	Error         string    `json:"error,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// Progress is the aggregate view of a migration job.
type Progress struct {
	JobID      string  `json:"job_id"`
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status" enum:"in_progress,completed,cancelled"`
}

// ProgressOf derives progress from a job record.
func ProgressOf(job MigrationJob) Progress {
	p := Progress{
		JobID:     job.ID,
		Total:     job.Total,
		Completed: job.Completed,
		Failed:    job.Failed,
		Status:    JobInProgress,
	}
	if job.Total > 0 {
		p.Percentage = float64(job.Completed) / float64(job.Total) * 100
	}
	switch {
	case job.Completed >= job.Total:
		p.Status = JobCompleted
	case job.CancelledAt != nil:
		p.Status = JobCancelled
	}
	return p
}

type SystemState struct {
	Paused          bool       `json:"paused"`
	CurrentArtifact string     `json:"current_artifact,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	UpdatedBy       string     `json:"updated_by,omitempty"`
}

type RollbackEvent struct {
	ID                     string    `json:"id"`
	ProposalID             string    `json:"proposal_id"`
	CompensatingProposalID string    `json:"compensating_proposal_id"`
	Reason                 string    `json:"reason"`
	ExecutedBy             string    `json:"executed_by"`
	CreatedAt              time.Time `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
