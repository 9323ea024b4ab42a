package domain

import "github.com/cockroachdb/errors"

// Authorization failures.
var (
	ErrUnauthorizedSigner = errors.New("unauthorized signer")
	ErrDuplicateApproval  = errors.New("duplicate approval")
)

// State precondition failures.
var (
	ErrInvalidProposalState     = errors.New("invalid proposal state")
	ErrProposalAlreadyExecuted  = errors.New("proposal already executed")
	ErrProposalAlreadyCancelled = errors.New("proposal already cancelled")
	ErrTimelockNotExpired       = errors.New("timelock not expired")
	ErrInsufficientApprovals    = errors.New("insufficient approvals")
	ErrSystemPaused             = errors.New("system paused")
	ErrMigrationExists          = errors.New("migration already exists for proposal")
)

// Validation failures.
var (
	ErrDescriptionTooLong = errors.New("description too long")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrMathOverflow       = errors.New("math overflow")
	ErrInvalidThreshold   = errors.New("invalid threshold")
	ErrTooManyMembers     = errors.New("too many members")
)

var (
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type Category string

const (
	CategoryAuthorization  Category = "authorization"
	CategoryState          Category = "state"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not_found"
	CategoryInfrastructure Category = "infrastructure"
	CategoryInternal       Category = "internal"
)

type kind struct {
	err      error
	code     string
	category Category
}

var kinds = []kind{
	{ErrUnauthorizedSigner, "unauthorized_signer", CategoryAuthorization},
	{ErrDuplicateApproval, "duplicate_approval", CategoryAuthorization},
	{ErrInvalidProposalState, "invalid_proposal_state", CategoryState},
	{ErrProposalAlreadyExecuted, "proposal_already_executed", CategoryState},
	{ErrProposalAlreadyCancelled, "proposal_already_cancelled", CategoryState},
	{ErrTimelockNotExpired, "timelock_not_expired", CategoryState},
	{ErrInsufficientApprovals, "insufficient_approvals", CategoryState},
	{ErrSystemPaused, "system_paused", CategoryState},
	{ErrMigrationExists, "migration_exists", CategoryState},
	{ErrDescriptionTooLong, "description_too_long", CategoryValidation},
	{ErrInvalidArgument, "invalid_argument", CategoryValidation},
	{ErrMathOverflow, "math_overflow", CategoryValidation},
	{ErrInvalidThreshold, "invalid_threshold", CategoryValidation},
	{ErrTooManyMembers, "too_many_members", CategoryValidation},
	{ErrNotFound, "not_found", CategoryNotFound},
	{ErrStorageUnavailable, "storage_unavailable", CategoryInfrastructure},
}

// CodeOf returns the snake_case error kind, or "internal_error".
func CodeOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal_error"
}

// CategoryOf classifies err into the error taxonomy.
func CategoryOf(err error) Category {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.category
		}
	}
	return CategoryInternal
}

// Unavailable marks a storage error as transient infrastructure failure.
// Errors that already carry a domain kind are returned unchanged.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if CategoryOf(err) != CategoryInternal {
		return err
	}
	return errors.Mark(err, ErrStorageUnavailable)
}
