// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrOverflow        = errors.New("arithmetic overflow")

	// State errors
	ErrInvalidState     = errors.New("invalid state")
	ErrStateTransition  = errors.New("invalid state transition")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrExpired          = errors.New("expired")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "group", "membership", "governance"
	Op      string // Operation that failed, e.g., "Create", "Join"
	Kind    error  // Base error type for errors.Is() checking
	Code    string // Stable machine-readable code, e.g. "GroupFull"
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching. Two DomainErrors match when they carry
// the same code, so a wrapped copy still matches the package-level value.
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if errors.As(target, &de) && de.Code != "" && de.Code == e.Code {
		return true
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, code, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(base *DomainError, err error) *DomainError {
	return &DomainError{
		Domain:  base.Domain,
		Op:      base.Op,
		Kind:    base.Kind,
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// Registry errors
var (
	ErrNotInitialized     = NewDomainError("registry", "Load", ErrInvalidState, "NotInitialized", "registry is not initialized")
	ErrAlreadyInitialized = NewDomainError("registry", "Initialize", ErrAlreadyExists, "AlreadyInitialized", "registry is already initialized")
)

// Group domain errors
var (
	ErrGroupNotFound      = NewDomainError("group", "Find", ErrNotFound, "GroupNotFound", "study group not found")
	ErrEmptyName          = NewDomainError("group", "Create", ErrEmptyValue, "EmptyName", "group name is required")
	ErrNameTooLong        = NewDomainError("group", "Create", ErrValueOutOfRange, "NameTooLong", "group name is too long")
	ErrEmptyDescription   = NewDomainError("group", "Create", ErrEmptyValue, "EmptyDescription", "description is required")
	ErrDescriptionTooLong = NewDomainError("group", "Create", ErrValueOutOfRange, "DescriptionTooLong", "description is too long")
	ErrInvalidMaxMembers  = NewDomainError("group", "Create", ErrValueOutOfRange, "InvalidMaxMembers", "max members must be between 2 and 50")
	ErrStakeTooLow        = NewDomainError("group", "Create", ErrValueOutOfRange, "StakeTooLow", "stake requirement is below the minimum")
	ErrGroupNotActive     = NewDomainError("group", "Join", ErrInvalidState, "GroupNotActive", "study group is not active")
	ErrGroupFull          = NewDomainError("group", "Join", ErrInvalidState, "GroupFull", "study group is full")
	ErrPoolUnderflow      = NewDomainError("group", "Leave", ErrInvalidState, "PoolUnderflow", "group counters would go negative")
)

// Membership domain errors
var (
	ErrMemberNotFound        = NewDomainError("membership", "Find", ErrNotFound, "MemberNotFound", "member profile not found")
	ErrAlreadyMember         = NewDomainError("membership", "Join", ErrAlreadyExists, "AlreadyMember", "already a member of this group")
	ErrNotGroupMember        = NewDomainError("membership", "Check", ErrForbidden, "NotGroupMember", "not a member of this group")
	ErrMemberNotActive       = NewDomainError("membership", "Check", ErrInvalidState, "MemberNotActive", "member is not active")
	ErrAlreadyCheckedInToday = NewDomainError("membership", "CheckIn", ErrInvalidState, "AlreadyCheckedInToday", "already checked in today")
	ErrNotProfileOwner       = NewDomainError("membership", "Authorize", ErrUnauthorized, "Unauthorized", "caller does not own this profile")
)

// Reputation domain errors
var (
	ErrTipTooSmall        = NewDomainError("reputation", "Tip", ErrValueOutOfRange, "TipTooSmall", "tip amount is below the minimum")
	ErrTipTooLarge        = NewDomainError("reputation", "Tip", ErrValueOutOfRange, "TipTooLarge", "tip amount is above the maximum")
	ErrSelfTip            = NewDomainError("reputation", "Tip", ErrInvalidInput, "SelfTip", "cannot tip yourself")
	ErrInvalidTipCategory = NewDomainError("reputation", "Tip", ErrInvalidInput, "InvalidTipCategory", "unknown tip category")
)

// Governance domain errors
var (
	ErrProposalNotFound           = NewDomainError("governance", "Find", ErrNotFound, "ProposalNotFound", "proposal not found")
	ErrInvalidProposalType        = NewDomainError("governance", "Create", ErrInvalidInput, "InvalidProposalType", "unknown proposal type")
	ErrProposalDescriptionTooLong = NewDomainError("governance", "Create", ErrValueOutOfRange, "DescriptionTooLong", "proposal description is too long")
	ErrVotingPeriodEnded          = NewDomainError("governance", "Vote", ErrExpired, "VotingPeriodEnded", "voting period has ended")
	ErrProposalAlreadyExecuted    = NewDomainError("governance", "Execute", ErrAlreadyProcessed, "ProposalAlreadyExecuted", "proposal already executed")
	ErrVotingStillActive          = NewDomainError("governance", "Execute", ErrInvalidState, "VotingStillActive", "voting period is still active")
	ErrAlreadyVoted               = NewDomainError("governance", "Vote", ErrAlreadyExists, "AlreadyVoted", "member already voted on this proposal")
)

// Reward domain errors
var (
	ErrNoRewardsAvailable = NewDomainError("reward", "Claim", ErrInvalidState, "NoRewardsAvailable", "no rewards available")
)

// Ledger errors
var (
	ErrTransferFailed = NewDomainError("ledger", "Transfer", ErrExternalService, "TransferFailed", "transfer rail rejected the transfer")
)

// CodeOf returns the stable code of the first DomainError in err's chain.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsConflict checks if the error reports a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrStateTransition) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrExpired)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the operation can be retried by resubmission.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrentModification)
}
