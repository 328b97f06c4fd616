package escrow

import (
	"errors"

	"deedledger/core/state"
)

var (
	// ErrUnauthorized is returned when the caller does not hold the role the
	// operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState is returned when the listing is not in the state the
	// operation requires, e.g. finalizing a settled listing.
	ErrInvalidState = errors.New("escrow: invalid listing state")
	// ErrPreconditionNotMet is returned by finalize while inspection,
	// approvals or funding are incomplete.
	ErrPreconditionNotMet = errors.New("escrow: settlement precondition not met")
	// ErrInvariantViolation is returned for terms that break a ledger
	// invariant, e.g. an earnest amount above the purchase price.
	ErrInvariantViolation = errors.New("escrow: invariant violation")
	// ErrCustodyTransferFailed wraps registry failures while moving the deed.
	ErrCustodyTransferFailed = errors.New("escrow: custody transfer failed")
	// ErrListingNotFound is returned for asset ids that were never listed.
	ErrListingNotFound = errors.New("escrow: listing not found")
	// ErrInsufficientBalance is returned when a depositor cannot cover the
	// amount.
	ErrInsufficientBalance = state.ErrInsufficientBalance

	errNilState    = errors.New("escrow engine: state not configured")
	errNilRegistry = errors.New("escrow engine: registry not configured")
)

// ErrorKind names the error class for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrPreconditionNotMet):
		return "precondition_not_met"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrCustodyTransferFailed):
		return "custody_transfer_failed"
	case errors.Is(err, ErrListingNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return "internal"
	}
}
