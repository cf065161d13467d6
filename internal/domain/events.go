/**
 * @description
 * This file defines the event payloads the loyalty-service publishes to the
 * message broker for consumption by other services.
 *
 * @dependencies
 * - time: Standard Go library.
 */

package domain

import "time"

// RewardIssuedEvent is published on the loyalty events exchange after a
// reward has been successfully issued for a tier crossing.
type RewardIssuedEvent struct {
	CustomerID string     `json:"customer_id"`
	TierID     TierID     `json:"tier_id"`
	RewardKind RewardKind `json:"reward_kind"`
	Code       string     `json:"code,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
}

// EntitlementRedeemedEvent is published when a customer consumes the
// free-product entitlement.
type EntitlementRedeemedEvent struct {
	CustomerID string    `json:"customer_id"`
	NewBalance int64     `json:"new_balance"`
	RedeemedAt time.Time `json:"redeemed_at"`
}
