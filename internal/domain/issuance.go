/**
 * @description
 * This file defines the issuance record: the durable record of a reward grant
 * attempt for one (customer, tier) pair. There is at most one record per pair
 * ever; a record is immutable once issued. Pending records are retried by the
 * background sweep with exponential backoff until they either issue or exhaust
 * their attempt budget and are marked failed for manual intervention.
 *
 * @dependencies
 * - fmt, time: Standard Go libraries.
 * - github.com/google/uuid: Issuance record identifiers.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IssuanceStatus is the lifecycle state of an issuance record.
// "issued" is terminal.
type IssuanceStatus string

const (
	IssuancePending IssuanceStatus = "pending"
	IssuanceIssued  IssuanceStatus = "issued"
	IssuanceFailed  IssuanceStatus = "failed"
)

// IssuanceRecord tracks one reward grant attempt for a (customer, tier) pair.
type IssuanceRecord struct {
	ID            uuid.UUID      `json:"id"`
	CustomerID    string         `json:"customer_id"`
	TierID        TierID         `json:"tier_id"`
	Code          string         `json:"code,omitempty"`
	Status        IssuanceStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// IdempotencyKey returns the key sent with the external issuance call so a
// retried call cannot mint two codes for the same (customer, tier) pair.
func (r *IssuanceRecord) IdempotencyKey() string {
	return IssuanceIdempotencyKey(r.CustomerID, r.TierID)
}

// IssuanceIdempotencyKey builds the stable idempotency key for a pair.
func IssuanceIdempotencyKey(customerID string, tierID TierID) string {
	return fmt.Sprintf("%s:%s", customerID, tierID)
}
