/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the loyalty-service. The ledger
 * operations (ApplyEvent, RedeemEntitlement) are the heart of the service:
 * each implementation must execute them as a single serialized critical
 * section per customer, so that concurrent events for the same account can
 * never interleave their read-modify-write, while events for different
 * customers proceed fully in parallel.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Issuance record identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/perkline/loyalty-service/internal/domain"
)

var (
	ErrAccountNotFound            = errors.New("loyalty account not found")
	ErrIssuanceNotFound           = errors.New("issuance record not found")
	ErrLedgerConflict             = errors.New("ledger update conflict")
	ErrInsufficientPoints         = errors.New("insufficient points")
	ErrEntitlementNotIssued       = errors.New("free product entitlement was never issued")
	ErrEntitlementAlreadyConsumed = errors.New("free product entitlement already consumed")
	ErrIssuanceAlreadyIssued      = errors.New("issuance record already issued")
)

// ApplyResult reports the outcome of one ledger apply.
type ApplyResult struct {
	OldBalance int64
	NewBalance int64
	// Applied is false when the event id was already recorded for the
	// customer. A duplicate is a no-op success, not an error.
	Applied bool
}

// Repository defines the set of methods for interacting with loyalty state.
type Repository interface {
	// ApplyEvent atomically records the event id for the customer and, if it
	// was not seen before, adds delta to the balance. The account is created
	// on first use. The whole sequence is serialized per customer.
	ApplyEvent(ctx context.Context, customerID, eventID string, delta int64) (*ApplyResult, error)

	// GetAccount returns the account for a customer, or ErrAccountNotFound.
	GetAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error)

	// MarkTierIssued adds a tier to the account's issued set. Adding a tier
	// that is already present is a no-op.
	MarkTierIssued(ctx context.Context, customerID string, tierID domain.TierID) error

	// RedeemEntitlement atomically consumes the free-product entitlement:
	// it verifies the entitlement was issued and not yet consumed, verifies
	// the balance covers the cost, then decrements the balance and sets the
	// consumed flag. Runs under the same per-customer serialization as
	// ApplyEvent. Returns the new balance.
	RedeemEntitlement(ctx context.Context, customerID string, cost int64) (int64, error)

	// EnsurePendingIssuance returns the issuance record for (customer, tier),
	// creating a pending one if none exists yet.
	EnsurePendingIssuance(ctx context.Context, customerID string, tierID domain.TierID) (*domain.IssuanceRecord, error)

	// GetIssuance returns the issuance record for a pair, or ErrIssuanceNotFound.
	GetIssuance(ctx context.Context, customerID string, tierID domain.TierID) (*domain.IssuanceRecord, error)

	// MarkIssuanceIssued transitions a record to issued and stores the code.
	// Issued records are immutable: a second call returns ErrIssuanceAlreadyIssued.
	MarkIssuanceIssued(ctx context.Context, id uuid.UUID, code string) error

	// RecordIssuanceFailure increments the attempt counter, stores the error,
	// and schedules the next retry. When markFailed is true the record is
	// transitioned to failed instead and left for manual intervention.
	RecordIssuanceFailure(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time, markFailed bool) error

	// ListDuePendingIssuances returns up to limit pending records whose next
	// attempt time is at or before now, oldest first.
	ListDuePendingIssuances(ctx context.Context, limit int, now time.Time) ([]domain.IssuanceRecord, error)

	// ListFailedIssuances returns failed records for operator inspection.
	ListFailedIssuances(ctx context.Context, limit int) ([]domain.IssuanceRecord, error)
}
