package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrEscrowNotFound signals a lookup for an unknown escrow id or goal.
	ErrEscrowNotFound = errors.New("escrow: not found")
	// ErrInvalidState signals an operation that is illegal for the escrow's
	// current status.
	ErrInvalidState = errors.New("escrow: operation invalid for current status")
	// ErrInsufficientFunds signals that the wallet provider rejected a hold
	// because the stakeholder balance does not cover the principal.
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	// ErrIdempotentDuplicate marks a replayed store of an identical guard
	// record. It is informational: callers treat it as a successful no-op and
	// return the original result.
	ErrIdempotentDuplicate = errors.New("escrow: idempotent replay")
	// ErrIdempotencyMismatch signals an idempotency key reused with a
	// different request payload.
	ErrIdempotencyMismatch = errors.New("escrow: idempotency key reused with different request")
	// ErrDistributionPaused signals that an open dispute gates distribution.
	ErrDistributionPaused = errors.New("escrow: distribution paused by open dispute")
	// ErrPartialDistribution signals that some but not all transfer legs
	// succeeded; the escrow is left in the partial status for reconciliation.
	ErrPartialDistribution = errors.New("escrow: partial distribution")
	// ErrDisputeNotFound signals a lookup for an unknown dispute id.
	ErrDisputeNotFound = errors.New("escrow: dispute not found")
	// ErrDuplicateDispute signals that the goal already has an open dispute.
	ErrDuplicateDispute = errors.New("escrow: dispute already open for goal")

	errNilState    = errors.New("escrow engine: state not configured")
	errNilWallet   = errors.New("escrow engine: wallet not configured")
	errNilLedger   = errors.New("escrow engine: ledger not configured")
	errNilGuard    = errors.New("escrow engine: idempotency guard not configured")
	errNilSchedule = errors.New("escrow engine: accrual schedule not configured")
)

// ProviderError wraps a failure reported by the external wallet provider.
type ProviderError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "escrow: provider failure"
	}
	if e.Err != nil {
		return fmt.Sprintf("escrow: provider failure during %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("escrow: provider failure during %s: %s", e.Op, e.Detail)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
