package server

import (
	"encoding/json"

	"github.com/dhruvvurhd/program-upgrade-system/internal/domain"
)

// Request payloads. The acting principal always comes from authentication,
// never from the body.

type SubmitProposalRequest struct {
	TargetArtifact string `json:"target_artifact" minLength:"1"`
	Description    string `json:"description,omitempty"`
}

type CancelProposalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RollbackRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type StartMigrationRequest struct {
	ProposalID string   `json:"proposal_id" minLength:"1"`
	RecordRefs []string `json:"record_refs" minItems:"1"`
}

// Responses

type ProposalList struct {
	Items []domain.Proposal `json:"items"`
}

type ApprovalList struct {
	Items []domain.Approval `json:"items"`
}

type ItemResultList struct {
	Items []domain.MigrationItemResult `json:"items"`
}

type RollbackList struct {
	Items []domain.RollbackEvent `json:"items"`
}

type SystemResponse struct {
	domain.SystemState
	Members   []string `json:"members"`
	Threshold int      `json:"threshold"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
