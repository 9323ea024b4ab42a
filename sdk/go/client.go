package upgradesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Client is a minimal program upgrade HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// Principal is sent as X-Principal-Id when neither a token nor an API key
	// is set; servers accept it only with legacy header auth enabled.
	Principal  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID                  string     `json:"id"`
	Proposer            string     `json:"proposer"`
	TargetArtifact      string     `json:"target_artifact"`
	PreviousArtifact    string     `json:"previous_artifact,omitempty"`
	Description         string     `json:"description"`
	Status              string     `json:"status"`
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

// Approval is one recorded approval.
type Approval struct {
	ProposalID string    `json:"proposal_id"`
	Principal  string    `json:"principal"`
	ApprovedAt time.Time `json:"approved_at"`
}

// ApprovalResult is returned by Approve.
type ApprovalResult struct {
	ProposalID        string     `json:"proposal_id"`
	ApprovalCount     int        `json:"approval_count"`
	Threshold         int        `json:"threshold"`
	ThresholdMet      bool       `json:"threshold_met"`
	TimelockActivated bool       `json:"timelock_activated"`
	Status            string     `json:"status"`
	TimelockExpiresAt *time.Time `json:"timelock_expires_at,omitempty"`
}

// ExecutionResult is returned by Execute.
type ExecutionResult struct {
	ProposalID       string    `json:"proposal_id"`
	Executed         bool      `json:"executed"`
	TargetArtifact   string    `json:"target_artifact"`
	PreviousArtifact string    `json:"previous_artifact,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
}

// MigrationJob is a started migration.
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

// Progress is the aggregate view of a migration job.
type Progress struct {
	JobID      string  `json:"job_id"`
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
}

// ItemResult is the outcome of one migrated record.
type ItemResult struct {
	JobID         string    `json:"job_id"`
	Seq           int       `json:"seq"`
	RecordRef     string    `json:"record_ref"`
	SourceVersion int       `json:"source_version"`
	TargetVersion int       `json:"target_version"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// Rollback is a recorded rollback.
type Rollback struct {
	ID                     string    `json:"id"`
	ProposalID             string    `json:"proposal_id"`
	CompensatingProposalID string    `json:"compensating_proposal_id"`
	Reason                 string    `json:"reason"`
	ExecutedBy             string    `json:"executed_by"`
	CreatedAt              time.Time `json:"created_at"`
}

// RollbackResult is returned by Rollback.
type RollbackResult struct {
	Rollback             Rollback `json:"rollback"`
	CompensatingProposal Proposal `json:"compensating_proposal"`
}

// SystemState reports membership and the pause flag.
type SystemState struct {
	Paused          bool       `json:"paused"`
	CurrentArtifact string     `json:"current_artifact,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	UpdatedBy       string     `json:"updated_by,omitempty"`
	Members         []string   `json:"members"`
	Threshold       int        `json:"threshold"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error kind, such as
// timelock_not_expired or unauthorized_signer, when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// SubmitProposal proposes an upgrade to target.
func (c *Client) SubmitProposal(ctx context.Context, target, description string) (Proposal, error) {
	body := map[string]any{"target_artifact": target}
	if description != "" {
		body["description"] = description
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp, err
}

// ListProposals lists proposals, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, status string, limit int) ([]Proposal, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Proposal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("proposals", q), nil, &resp)
	return resp.Items, err
}

// GetProposal fetches a proposal by id.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, proposalPath(id, ""), nil, &resp)
	return resp, err
}

// Approvals lists the approvals recorded for a proposal.
func (c *Client) Approvals(ctx context.Context, id string) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, proposalPath(id, "approvals"), nil, &resp)
	return resp.Items, err
}

// Approve records the caller's approval.
func (c *Client) Approve(ctx context.Context, id string) (ApprovalResult, error) {
	var resp ApprovalResult
	err := c.do(ctx, http.MethodPost, proposalPath(id, "approve"), nil, &resp)
	return resp, err
}

// Execute executes a proposal whose timelock has elapsed.
func (c *Client) Execute(ctx context.Context, id string) (ExecutionResult, error) {
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, proposalPath(id, "execute"), nil, &resp)
	return resp, err
}

// Cancel cancels a proposal; an empty reason uses the server default.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Proposal, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(id, "cancel"), body, &resp)
	return resp, err
}

// Rollback rolls back an executed proposal.
func (c *Client) Rollback(ctx context.Context, id, reason string) (RollbackResult, error) {
	var resp RollbackResult
	err := c.do(ctx, http.MethodPost, proposalPath(id, "rollback"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Rollbacks lists recorded rollbacks, optionally for one proposal.
func (c *Client) Rollbacks(ctx context.Context, proposalID string) ([]Rollback, error) {
	q := url.Values{}
	if proposalID != "" {
		q.Set("proposal_id", proposalID)
	}
	var resp struct {
		Items []Rollback `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("rollbacks", q), nil, &resp)
	return resp.Items, err
}

// StartMigration starts migrating refs for an executed proposal.
func (c *Client) StartMigration(ctx context.Context, proposalID string, refs []string) (MigrationJob, error) {
	body := map[string]any{"proposal_id": proposalID, "record_refs": refs}
	var resp MigrationJob
	err := c.do(ctx, http.MethodPost, "migrations", body, &resp)
	return resp, err
}

// Progress returns migration progress.
func (c *Client) Progress(ctx context.Context, jobID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "progress"), nil, &resp)
	return resp, err
}

// FailedItems lists the records that failed to migrate.
func (c *Client) FailedItems(ctx context.Context, jobID string) ([]ItemResult, error) {
	var resp struct {
		Items []ItemResult `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "failures"), nil, &resp)
	return resp.Items, err
}

// CancelMigration stops a running migration.
func (c *Client) CancelMigration(ctx context.Context, jobID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), nil, &resp)
	return resp, err
}

// System returns membership and pause state.
func (c *Client) System(ctx context.Context) (SystemState, error) {
	var resp SystemState
	err := c.do(ctx, http.MethodGet, "system", nil, &resp)
	return resp, err
}

// Pause pauses the system.
func (c *Client) Pause(ctx context.Context) (SystemState, error) {
	var resp SystemState
	err := c.do(ctx, http.MethodPost, "system/pause", nil, &resp)
	return resp, err
}

// Resume lifts a pause.
func (c *Client) Resume(ctx context.Context) (SystemState, error) {
	var resp SystemState
	err := c.do(ctx, http.MethodPost, "system/resume", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Principal != "":
		req.Header.Set("X-Principal-Id", c.Principal)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func proposalPath(id, action string) string {
	p := "proposals/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func jobPath(id, action string) string {
	return "migrations/" + url.PathEscape(id) + "/" + action
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
